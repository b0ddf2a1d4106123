package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/qs3c/codeatlas/config"
)

const stateFile = ".sandbox.json"

// 工作区状态
const (
	StateRunning = "running"
	StatePaused  = "paused"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,99}$`)

// workspaceState 写在工作区根目录的状态文件
type workspaceState struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	RepoURL   string    `json:"repo_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Local 基于本地目录的沙箱实现，命令通过 bash -lc 执行
type Local struct {
	root           string
	commandTimeout time.Duration
	cloneTimeout   time.Duration
	cloneRetries   int
	cloneBackoff   time.Duration
	clone          CloneFunc

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// LocalOption 可选配置
type LocalOption func(*Local)

// WithCloneFunc 替换克隆实现
func WithCloneFunc(fn CloneFunc) LocalOption {
	return func(l *Local) { l.clone = fn }
}

// WithCloneBackoff 设置克隆重试的初始退避
func WithCloneBackoff(d time.Duration) LocalOption {
	return func(l *Local) { l.cloneBackoff = d }
}

func NewLocal(cfg *config.SandboxConfig, opts ...LocalOption) (*Local, error) {
	root := cfg.Root
	if root == "" {
		root = filepath.Join(os.TempDir(), "codeatlas-sandboxes")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}

	l := &Local{
		root:           root,
		commandTimeout: secondsOr(cfg.CommandTimeoutSecs, 60),
		cloneTimeout:   secondsOr(cfg.CloneTimeoutSecs, 120),
		cloneRetries:   cfg.CloneRetries,
		cloneBackoff:   time.Second,
		clone:          CloneRepo,
		locks:          make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func secondsOr(secs, def int) time.Duration {
	if secs <= 0 {
		secs = def
	}
	return time.Duration(secs) * time.Second
}

// Root 沙箱根目录
func (l *Local) Root() string {
	return l.root
}

// lock 同一沙箱的生命周期操作串行执行
func (l *Local) lock(name string) func() {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (l *Local) dir(name string) (string, error) {
	if !validName.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(l.root, name), nil
}

func (l *Local) readState(dir string) (*workspaceState, error) {
	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		return nil, err
	}
	var st workspaceState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt sandbox state: %w", err)
	}
	return &st, nil
}

func (l *Local) writeState(dir string, st *workspaceState) error {
	st.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, stateFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, stateFile))
}

func (l *Local) create(name, dir string) (*Handle, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	now := time.Now()
	st := &workspaceState{Name: name, State: StateRunning, CreatedAt: now}
	if err := l.writeState(dir, st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Handle{Name: name, Dir: dir}, nil
}

func (l *Local) Acquire(ctx context.Context, name string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := l.dir(name)
	if err != nil {
		return nil, err
	}

	unlock := l.lock(name)
	defer unlock()

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	h, err := l.create(name, dir)
	if err != nil {
		return nil, err
	}
	log.Printf("Sandbox %s acquired at %s", name, dir)
	return h, nil
}

func (l *Local) Resume(ctx context.Context, name string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := l.dir(name)
	if err != nil {
		return nil, err
	}

	unlock := l.lock(name)
	defer unlock()

	st, err := l.readState(dir)
	if err != nil {
		// 工作区已被回收，重新创建，仓库由 EnsureRepoPresent 恢复
		log.Printf("Sandbox %s missing, recreating: %v", name, err)
		return l.create(name, dir)
	}

	st.State = StateRunning
	if err := l.writeState(dir, st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Handle{Name: name, Dir: dir}, nil
}

func (l *Local) EnsureRepoPresent(ctx context.Context, h *Handle, repoURL string) (bool, string) {
	repoDir := filepath.Join(h.Dir, RepoDir)
	if info, err := os.Stat(filepath.Join(repoDir, ".git")); err == nil && info.IsDir() {
		return true, ""
	}

	err := CloneRepoWithRetry(ctx, l.clone, repoURL, repoDir, l.cloneTimeout, l.cloneRetries, l.cloneBackoff)
	if err != nil {
		var ce *CloneError
		if errors.As(err, &ce) {
			if ce.ExitCode > 0 {
				return false, fmt.Sprintf("%s (exit code %d)", ce.UserMessage, ce.ExitCode)
			}
			return false, ce.UserMessage
		}
		return false, err.Error()
	}

	if st, err := l.readState(h.Dir); err == nil {
		st.RepoURL = repoURL
		_ = l.writeState(h.Dir, st)
	}
	return true, ""
}

func (l *Local) Pause(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	dir := h.Dir
	if dir == "" {
		// 只有名字的句柄，例如空闲回收
		d, err := l.dir(h.Name)
		if err != nil {
			log.Printf("Sandbox %s: pause skipped: %v", h.Name, err)
			return
		}
		dir = d
	}

	unlock := l.lock(h.Name)
	defer unlock()

	st, err := l.readState(dir)
	if err != nil {
		log.Printf("Sandbox %s: pause skipped: %v", h.Name, err)
		return
	}
	st.State = StatePaused
	if err := l.writeState(dir, st); err != nil {
		log.Printf("Sandbox %s: failed to pause: %v", h.Name, err)
		return
	}
	log.Printf("Sandbox %s paused", h.Name)
}

func (l *Local) Delete(ctx context.Context, name string) error {
	dir, err := l.dir(name)
	if err != nil {
		return err
	}

	unlock := l.lock(name)
	defer unlock()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete sandbox %s: %w", name, err)
	}
	log.Printf("Sandbox %s deleted", name)
	return nil
}

// State 查询工作区状态，不存在时返回 ErrNotFound
func (l *Local) State(name string) (string, error) {
	dir, err := l.dir(name)
	if err != nil {
		return "", err
	}
	st, err := l.readState(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	return st.State, nil
}

func (l *Local) checkRunning(h *Handle) error {
	if h == nil {
		return ErrUnavailable
	}
	st, err := l.readState(h.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if st.State != StateRunning {
		return ErrPaused
	}
	return nil
}

func (l *Local) workDir(h *Handle) string {
	repoDir := filepath.Join(h.Dir, RepoDir)
	if info, err := os.Stat(repoDir); err == nil && info.IsDir() {
		return repoDir
	}
	return h.Dir
}

func (l *Local) Exec(ctx context.Context, h *Handle, command string) (*ExecResult, error) {
	if err := l.checkRunning(h); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, l.commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "bash", "-lc", command)
	cmd.Dir = l.workDir(h)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	// 超时后子进程可能仍持有输出管道
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if execCtx.Err() != nil {
			return nil, fmt.Errorf("command timed out after %v: %w", l.commandTimeout, execCtx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("failed to run command: %w", err)
	}
	return res, nil
}

func (l *Local) ReadFile(ctx context.Context, h *Handle, path string, limit int64) ([]byte, bool, error) {
	if err := l.checkRunning(h); err != nil {
		return nil, false, err
	}
	clean, err := SanitizePath(path)
	if err != nil {
		return nil, false, err
	}

	repoDir := filepath.Join(h.Dir, RepoDir)
	full, err := filepath.EvalSymlinks(filepath.Join(repoDir, filepath.FromSlash(clean)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, ErrFileNotFound
		}
		return nil, false, err
	}
	// 符号链接不能指向仓库之外
	if realRoot, err := filepath.EvalSymlinks(repoDir); err == nil {
		if full != realRoot && !strings.HasPrefix(full, realRoot+string(filepath.Separator)) {
			return nil, false, ErrInvalidPath
		}
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, false, err
	}
	if info.IsDir() {
		return nil, false, ErrIsDirectory
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	if limit <= 0 {
		limit = info.Size()
	}
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, false, err
	}
	truncated := int64(len(data)) > limit
	if truncated {
		data = data[:limit]
	}
	return data, truncated, nil
}

// Names 根目录下所有工作区名称
func (l *Local) Names() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && validName.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// UpdatedAt 工作区最后一次状态变更时间
func (l *Local) UpdatedAt(name string) (time.Time, error) {
	dir, err := l.dir(name)
	if err != nil {
		return time.Time{}, err
	}
	st, err := l.readState(dir)
	if err != nil {
		return time.Time{}, err
	}
	return st.UpdatedAt, nil
}
