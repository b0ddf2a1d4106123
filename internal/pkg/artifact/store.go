// Package artifact 导出阶段的产物存储：阿里云 OSS、S3 兼容存储或本地目录
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/qs3c/codeatlas/config"
)

var ErrNotFound = errors.New("artifact not found")

// Store 产物存储
type Store interface {
	// Put 上传并返回访问地址
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
	Name() string
}

// New 按 storage.driver 选择实现
func New(cfg *config.Config) (Store, error) {
	switch cfg.Storage.Driver {
	case "oss":
		return NewOSS(&cfg.OSS)
	case "s3":
		return NewS3(&cfg.S3)
	case "", "local":
		return NewLocal(LocalRoot(cfg))
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// LocalRoot 本地产物目录
func LocalRoot(cfg *config.Config) string {
	return filepath.Join(cfg.Upload.TempDir, "artifacts")
}

// JobKey 任务产物的对象键
func JobKey(jobID, name string) string {
	return path.Join("jobs", jobID, name)
}

// ContentType 根据扩展名获取 Content-Type
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
