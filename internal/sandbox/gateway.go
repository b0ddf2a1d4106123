// Package sandbox 隔离执行环境：每个任务一个工作区，仓库固定在工作区的 repo 目录下
package sandbox

import (
	"context"
	"errors"
)

// RepoDir 工作区内仓库的固定路径
const RepoDir = "repo"

var (
	ErrUnavailable = errors.New("sandbox unavailable")
	ErrNotFound    = errors.New("sandbox not found")
	ErrPaused      = errors.New("sandbox is paused")
	ErrInvalidName = errors.New("invalid sandbox name")
)

// Handle 已就绪的沙箱
type Handle struct {
	Name string
	Dir  string
}

// ExecResult 命令执行结果
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Gateway 流水线、Agent 工具与浏览接口依赖的沙箱操作
type Gateway interface {
	// Acquire 创建新的沙箱，同名旧沙箱会被替换
	Acquire(ctx context.Context, name string) (*Handle, error)
	// Resume 恢复已暂停的沙箱，沙箱已被回收时透明重建
	Resume(ctx context.Context, name string) (*Handle, error)
	// EnsureRepoPresent 幂等地确保仓库已克隆，失败时返回原因
	EnsureRepoPresent(ctx context.Context, h *Handle, repoURL string) (bool, string)
	// Pause 释放计算资源并保留文件，失败只记录日志
	Pause(ctx context.Context, h *Handle)
	// Delete 永久删除沙箱
	Delete(ctx context.Context, name string) error
	// Exec 在仓库目录下执行 shell 命令
	Exec(ctx context.Context, h *Handle, cmd string) (*ExecResult, error)
	// ReadFile 读取仓库内文件，最多 limit 字节
	ReadFile(ctx context.Context, h *Handle, path string, limit int64) ([]byte, bool, error)
}
