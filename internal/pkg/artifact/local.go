package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalScheme 本地产物地址前缀，远端存储不可用时使用，之后由 Reuploader 补传
const LocalScheme = "local://"

// Local 本地目录存储
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) Name() string { return "local" }

func (l *Local) path(key string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *Local) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	rel, err := filepath.Rel(l.root, p)
	if err != nil {
		return "", err
	}
	return LocalScheme + filepath.ToSlash(rel), nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Read 读取 local:// 地址对应的内容
func (l *Local) Read(url string) ([]byte, error) {
	key, ok := KeyFromLocalURL(url)
	if !ok {
		return nil, fmt.Errorf("not a local artifact url: %s", url)
	}
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

// IsLocalURL 是否为本地产物地址
func IsLocalURL(url string) bool {
	return strings.HasPrefix(url, LocalScheme)
}

// KeyFromLocalURL 取出对象键
func KeyFromLocalURL(url string) (string, bool) {
	if !IsLocalURL(url) {
		return "", false
	}
	return strings.TrimPrefix(url, LocalScheme), true
}
