package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// 任务整体状态
const (
	JobStatusQueued            = "queued"
	JobStatusCloning           = "cloning"
	JobStatusAnalyzing         = "analyzing"
	JobStatusGenerating        = "generating"
	JobStatusCompleted         = "completed"
	JobStatusFailed            = "failed"
	JobStatusDestroyed         = "destroyed"
	JobStatusGeneratingPodcast = "generating_podcast" // 保留取值，流水线不会进入
)

// 部分完成状态，只在 completed 之后有意义
const (
	PartialStatusComplete = "complete"
	PartialStatusPartial  = "partial"
)

// 内容风格
const (
	StyleTechnical = "technical"
	StyleBeginner  = "beginner"
	StyleConcise   = "concise"
)

// StringMap 用于 JSON 对象字段
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (m *StringMap) Scan(value interface{}) error {
	if value == nil {
		*m = StringMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported StringMap source %T", value)
	}
	if len(data) == 0 {
		*m = StringMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

type Job struct {
	ID              string         `gorm:"primaryKey;size:36" json:"id"`
	UserID          int64          `gorm:"index" json:"user_id"`
	RepoURL         string         `gorm:"size:500;not null" json:"repo_url"`
	Style           string         `gorm:"size:20;default:technical" json:"style"`
	Status          string         `gorm:"size:30;default:queued;index" json:"status"`
	PartialStatus   string         `gorm:"size:20" json:"partial_status,omitempty"`
	ErrorMessage    string         `gorm:"type:text" json:"error_message,omitempty"`
	Markdown        string         `gorm:"type:longtext" json:"markdown,omitempty"`
	AnalysisContext string         `gorm:"type:longtext" json:"-"`
	DiagramJSON     string         `gorm:"type:longtext" json:"-"`
	OwnershipJSON   string         `gorm:"type:longtext" json:"-"`
	ArtifactURLs    StringMap      `gorm:"type:json" json:"artifact_urls,omitempty"`
	SandboxName     string         `gorm:"size:100" json:"sandbox_name,omitempty"`
	SandboxPaused   bool           `gorm:"default:false" json:"sandbox_paused"`
	ShareToken      *string        `gorm:"size:64;uniqueIndex" json:"-"`
	CreatedAt       time.Time      `gorm:"index" json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Job) TableName() string {
	return "jobs"
}

// IsTerminal 任务是否已结束一次流水线执行
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusDestroyed:
		return true
	}
	return false
}

// IsValidStyle 检查内容风格参数
func IsValidStyle(style string) bool {
	switch style {
	case StyleTechnical, StyleBeginner, StyleConcise:
		return true
	}
	return false
}
