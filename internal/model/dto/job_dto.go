package dto

import (
	"encoding/json"

	"github.com/qs3c/codeatlas/internal/model"
)

// CreateJobRequest 创建分析任务请求
type CreateJobRequest struct {
	RepoURL string `json:"repo_url" binding:"required,repourl"`
	Style   string `json:"style,omitempty" binding:"omitempty,oneof=technical beginner concise"`
}

// CreateJobResponse 创建分析任务响应
type CreateJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// RetryStageResponse 阶段重试响应
type RetryStageResponse struct {
	JobID  string `json:"job_id"`
	Stage  string `json:"stage"`
	Status string `json:"status"`
}

// JobDetail 任务完整投影，轮询客户端使用
type JobDetail struct {
	ID            string                        `json:"id"`
	RepoURL       string                        `json:"repo_url"`
	Style         string                        `json:"style"`
	Status        string                        `json:"status"`
	PartialStatus string                        `json:"partial_status,omitempty"`
	ErrorMessage  string                        `json:"error_message,omitempty"`
	Markdown      string                        `json:"markdown,omitempty"`
	Diagram       json.RawMessage               `json:"diagram,omitempty"`
	Ownership     json.RawMessage               `json:"ownership,omitempty"`
	ArtifactURLs  map[string]string             `json:"artifact_urls,omitempty"`
	SandboxPaused bool                          `json:"sandbox_paused"`
	Stages        map[string]*model.StageRecord `json:"stages"`
	CreatedAt     string                        `json:"created_at"`
	StartedAt     string                        `json:"started_at,omitempty"`
	CompletedAt   string                        `json:"completed_at,omitempty"`
}

// JobListItem 任务列表项
type JobListItem struct {
	ID            string `json:"id"`
	RepoURL       string `json:"repo_url"`
	Status        string `json:"status"`
	PartialStatus string `json:"partial_status,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// ChatMessage 对话历史中的一条
type ChatMessage struct {
	Role    string `json:"role" binding:"required,oneof=user assistant"`
	Content string `json:"content" binding:"required"`
}

// ChatRequest 仓库问答请求
type ChatRequest struct {
	Question     string          `json:"question" binding:"required,max=4000"`
	History      []ChatMessage   `json:"history,omitempty" binding:"omitempty,max=50,dive"`
	GraphContext json.RawMessage `json:"graph_context,omitempty"`
}

// ChatResponse 仓库问答响应
type ChatResponse struct {
	Response        string   `json:"response"`
	ReferencedFiles []string `json:"referenced_files"`
}

// FileEntry 目录项
type FileEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// FileContent 文件内容
type FileContent struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// GrepMatch 搜索结果
type GrepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// ShareJobResponse 分享响应
type ShareJobResponse struct {
	ShareToken string `json:"share_token"`
}
