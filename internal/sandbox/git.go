package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// CloneError 克隆错误，包含用户友好消息和原始错误
type CloneError struct {
	UserMessage string // 中文，给用户看
	RawError    error  // 原始错误，写日志
	ExitCode    int
}

func (e *CloneError) Error() string {
	return e.UserMessage
}

func (e *CloneError) Unwrap() error {
	return e.RawError
}

// classifyCloneError 根据 git 输出分类错误，返回中文用户提示
func classifyCloneError(output string, err error) *CloneError {
	lower := strings.ToLower(output + " " + err.Error())
	raw := fmt.Errorf("%w, output: %s", err, output)

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	var msg string
	switch {
	case strings.Contains(lower, "repository not found") ||
		strings.Contains(lower, "not found"):
		msg = "仓库不存在或无访问权限，请检查地址"
	case strings.Contains(lower, "could not resolve host") ||
		strings.Contains(lower, "unable to access"):
		msg = "无法连接到代码托管平台，请稍后重试"
	case strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "403") ||
		strings.Contains(lower, "permission denied"):
		msg = "仓库访问被拒绝，请确认为公开仓库"
	case strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "timed out"):
		msg = "克隆超时，仓库可能过大或网络不稳定"
	case strings.Contains(lower, "empty repository"):
		msg = "仓库为空，请确认包含代码"
	default:
		msg = "克隆仓库失败，请检查地址后重试"
	}

	return &CloneError{UserMessage: msg, RawError: raw, ExitCode: exitCode}
}

// isTransient 判断克隆错误是否为暂时性错误（值得重试）
func isTransient(ce *CloneError) bool {
	// 仓库不存在、权限拒绝、仓库为空 → 不重试
	nonTransient := []string{
		"仓库不存在",
		"仓库访问被拒绝",
		"仓库为空",
	}
	for _, s := range nonTransient {
		if strings.Contains(ce.UserMessage, s) {
			return false
		}
	}
	return true
}

// CloneRepo 浅克隆仓库到指定目录，支持超时控制
func CloneRepo(ctx context.Context, repoURL, destDir string, timeout time.Duration) *CloneError {
	if _, err := os.Stat(destDir); err == nil {
		if err := os.RemoveAll(destDir); err != nil {
			return &CloneError{
				UserMessage: "克隆仓库失败，请检查地址后重试",
				RawError:    fmt.Errorf("failed to clean existing directory: %w", err),
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		return &CloneError{
			UserMessage: "克隆仓库失败，请检查地址后重试",
			RawError:    fmt.Errorf("failed to create parent directory: %w", err),
		}
	}

	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	cloneCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cloneCtx, "git", "clone", "--depth", "1", repoURL, destDir)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	output, err := cmd.CombinedOutput()
	if err != nil {
		// 克隆失败，清理残留目录
		os.RemoveAll(destDir)
		if cloneCtx.Err() != nil {
			err = fmt.Errorf("%w: %v", cloneCtx.Err(), err)
		}
		return classifyCloneError(string(output), err)
	}

	return nil
}

// CloneFunc 克隆实现，测试中可替换
type CloneFunc func(ctx context.Context, repoURL, destDir string, timeout time.Duration) *CloneError

// CloneRepoWithRetry 带重试的克隆，指数退避，非暂时性错误不重试
func CloneRepoWithRetry(ctx context.Context, clone CloneFunc, repoURL, destDir string, timeout time.Duration, maxRetries int, baseBackoff time.Duration) error {
	if clone == nil {
		clone = CloneRepo
	}
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}

	var lastErr *CloneError
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * baseBackoff
			log.Printf("Clone retry %d/%d after %v for %s", attempt, maxRetries, backoff, repoURL)
			select {
			case <-ctx.Done():
				return &CloneError{
					UserMessage: "克隆超时，仓库可能过大或网络不稳定",
					RawError:    ctx.Err(),
				}
			case <-time.After(backoff):
			}
		}

		lastErr = clone(ctx, repoURL, destDir, timeout)
		if lastErr == nil {
			return nil
		}

		log.Printf("Clone attempt %d failed: %v", attempt+1, lastErr.RawError)

		if !isTransient(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

// ValidateRepoURL 验证仓库 URL 格式，prefixes 非空时还要求匹配其一
func ValidateRepoURL(repoURL string, prefixes []string) error {
	if repoURL == "" {
		return &CloneError{
			UserMessage: "仓库地址不能为空",
		}
	}

	if !strings.HasPrefix(repoURL, "https://") {
		return &CloneError{
			UserMessage: "仓库地址格式不正确，请使用 https:// 开头的地址",
		}
	}

	if len(prefixes) > 0 {
		matched := false
		for _, p := range prefixes {
			if strings.HasPrefix(repoURL, p) {
				matched = true
				break
			}
		}
		if !matched {
			return &CloneError{
				UserMessage: "暂不支持该代码托管平台",
			}
		}
	}

	u, err := url.Parse(repoURL)
	if err != nil {
		return &CloneError{
			UserMessage: "仓库地址格式不正确，请检查后重试",
			RawError:    err,
		}
	}

	if u.Host == "" {
		return &CloneError{
			UserMessage: "仓库地址缺少域名，请检查后重试",
		}
	}

	// 路径至少需要 /user/repo
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return &CloneError{
			UserMessage: "仓库地址不完整，请提供完整的 用户名/仓库名 地址",
		}
	}

	return nil
}

// ParseOwnerRepo 从仓库地址中取出 owner 和 repo 名
func ParseOwnerRepo(repoURL string) (string, string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", "", err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository url: %s", repoURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
