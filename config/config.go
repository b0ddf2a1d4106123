package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Queue     QueueConfig     `mapstructure:"queue"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Storage   StorageConfig   `mapstructure:"storage"`
	OSS       OSSConfig       `mapstructure:"oss"`
	S3        S3Config        `mapstructure:"s3"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Ownership OwnershipConfig `mapstructure:"ownership"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	EventBus  EventBusConfig  `mapstructure:"eventbus"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig driver 为 mysql 或 sqlite，sqlite 仅用于本地开发
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Path         string `mapstructure:"path"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// QueueConfig 任务执行方式：local 在 server 进程内执行，redis 交给 cmd/worker
type QueueConfig struct {
	Mode          string `mapstructure:"mode"`
	PipelineQueue string `mapstructure:"pipeline_queue"`
	MaxWorkers    int    `mapstructure:"max_workers"`
	Buffer        int    `mapstructure:"buffer"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// StorageConfig 产物存储驱动：oss / s3 / local
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type OSSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	BucketName      string `mapstructure:"bucket_name"`
	CDNDomain       string `mapstructure:"cdn_domain"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type UploadConfig struct {
	TempDir     string `mapstructure:"temp_dir"`     // 本地产物目录
	ExpireHours int    `mapstructure:"expire_hours"` // 过期时间（小时）
}

type SandboxConfig struct {
	Root               string   `mapstructure:"root"`
	CommandTimeoutSecs int      `mapstructure:"command_timeout_seconds"`
	CloneTimeoutSecs   int      `mapstructure:"clone_timeout_seconds"`
	CloneRetries       int      `mapstructure:"clone_retries"`
	IdleTimeoutSecs    int      `mapstructure:"idle_timeout_seconds"`
	MaxReadBytes       int64    `mapstructure:"max_read_bytes"`
	MaxGrepResults     int      `mapstructure:"max_grep_results"`
	RecognizedPrefixes []string `mapstructure:"recognized_prefixes"`
}

type AgentConfig struct {
	Provider    string `mapstructure:"provider"`
	Model       string `mapstructure:"model"`
	APIKey      string `mapstructure:"api_key"`
	MaxTurns    int    `mapstructure:"max_turns"`
	TimeoutSecs int    `mapstructure:"timeout_seconds"`
}

type OwnershipConfig struct {
	APIBaseURL   string `mapstructure:"api_base_url"`
	Token        string `mapstructure:"token"`
	RecentDays   int    `mapstructure:"recent_days"`
	MaxOwners    int    `mapstructure:"max_owners"`
	CacheSize    int    `mapstructure:"cache_size"`
	CacheTTLMins int    `mapstructure:"cache_ttl_minutes"`
}

type PipelineConfig struct {
	StageTimeoutSecs int            `mapstructure:"stage_timeout_seconds"`
	StageTimeouts    map[string]int `mapstructure:"stage_timeouts"`
	StaleAfterMins   int            `mapstructure:"stale_after_minutes"`
}

type EventBusConfig struct {
	BufferSize int    `mapstructure:"buffer_size"`
	Channel    string `mapstructure:"channel"`
	// RetainMins 已结束且无人订阅的任务，缓冲区在最后一个事件之后保留的分钟数
	RetainMins int `mapstructure:"retain_mins"`
}

// Retention 缓冲区保留时长
func (c EventBusConfig) Retention() time.Duration {
	if c.RetainMins <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.RetainMins) * time.Minute
}

func Load(configPath string) (*Config, error) {
	// .env 仅用于本地开发，缺失不报错
	_ = godotenv.Load()

	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.path", "codeatlas.db")
	v.SetDefault("queue.mode", "local")
	v.SetDefault("queue.pipeline_queue", "pipeline_tasks")
	v.SetDefault("queue.max_workers", 4)
	v.SetDefault("queue.buffer", 64)
	v.SetDefault("storage.driver", "local")
	v.SetDefault("upload.temp_dir", filepath.Join(os.TempDir(), "codeatlas"))
	v.SetDefault("jwt.expire_hours", 72)
	v.SetDefault("upload.expire_hours", 24)
	v.SetDefault("sandbox.root", filepath.Join(os.TempDir(), "codeatlas-sandboxes"))
	v.SetDefault("sandbox.command_timeout_seconds", 60)
	v.SetDefault("sandbox.clone_timeout_seconds", 120)
	v.SetDefault("sandbox.clone_retries", 2)
	v.SetDefault("sandbox.idle_timeout_seconds", 30)
	v.SetDefault("sandbox.max_read_bytes", 256*1024)
	v.SetDefault("sandbox.max_grep_results", 200)
	v.SetDefault("sandbox.recognized_prefixes", []string{"https://github.com/", "https://gitlab.com/", "https://bitbucket.org/"})
	v.SetDefault("agent.provider", "gemini")
	v.SetDefault("agent.model", "gemini-2.5-flash")
	v.SetDefault("agent.max_turns", 24)
	v.SetDefault("agent.timeout_seconds", 600)
	v.SetDefault("ownership.api_base_url", "https://api.github.com")
	v.SetDefault("ownership.recent_days", 90)
	v.SetDefault("ownership.max_owners", 10)
	v.SetDefault("ownership.cache_size", 256)
	v.SetDefault("ownership.cache_ttl_minutes", 10)
	v.SetDefault("pipeline.stage_timeout_seconds", 900)
	v.SetDefault("pipeline.stale_after_minutes", 60)
	v.SetDefault("eventbus.buffer_size", 100)
	v.SetDefault("eventbus.channel", "job_events")
	v.SetDefault("eventbus.retain_mins", 30)
}

// StageTimeout 返回指定阶段的超时时间，未单独配置时使用全局值
func (p PipelineConfig) StageTimeout(stage string) time.Duration {
	if secs, ok := p.StageTimeouts[stage]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if p.StageTimeoutSecs > 0 {
		return time.Duration(p.StageTimeoutSecs) * time.Second
	}
	return 15 * time.Minute
}

// IdleTimeout 沙箱空闲回收时间
func (s SandboxConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.IdleTimeoutSecs) * time.Second
}

// AgentAPIKey 调用时再读取密钥，缺失由调用方报错
func (a AgentConfig) AgentAPIKey() string {
	if a.APIKey != "" {
		return a.APIKey
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		return key
	}
	return os.Getenv("GOOGLE_API_KEY")
}

// OwnershipToken GitHub token，可选
func (o OwnershipConfig) OwnershipToken() string {
	if o.Token != "" {
		return o.Token
	}
	return os.Getenv("GITHUB_TOKEN")
}
