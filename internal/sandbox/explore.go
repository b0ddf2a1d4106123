package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

var (
	ErrInvalidPath    = errors.New("invalid path")
	ErrInvalidPattern = errors.New("invalid search pattern")
	ErrFileNotFound   = errors.New("file not found")
	ErrIsDirectory    = errors.New("path is a directory")
)

// SanitizePath 把用户输入的路径规范为仓库内的相对路径，拒绝绝对路径和 .. 片段
func SanitizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: contains NUL", ErrInvalidPath)
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" || p == "." {
		return ".", nil
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "~") || (len(p) > 1 && p[1] == ':') {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: traversal in %q", ErrInvalidPath, p)
		}
	}
	return path.Clean(p), nil
}

// ShellQuote 单引号包裹，内部单引号先闭合再转义
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// EscapeGrepPattern 校验并转义搜索词，结果可直接拼入 grep -F -e 之后
func EscapeGrepPattern(pattern string) (string, error) {
	if strings.TrimSpace(pattern) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	if strings.ContainsAny(pattern, "\x00\n\r") {
		return "", fmt.Errorf("%w: control characters", ErrInvalidPattern)
	}
	if len(pattern) > 500 {
		return "", fmt.Errorf("%w: too long", ErrInvalidPattern)
	}
	return ShellQuote(pattern), nil
}

// Entry 目录项
type Entry struct {
	Name  string
	Path  string
	IsDir bool
	Size  int64
}

// Match grep 命中行
type Match struct {
	Path string
	Line int
	Text string
}

// Explorer 在沙箱仓库内浏览、读取与搜索
type Explorer struct {
	gw         Gateway
	maxRead    int64
	maxResults int
}

func NewExplorer(gw Gateway, maxRead int64, maxResults int) *Explorer {
	if maxRead <= 0 {
		maxRead = 256 * 1024
	}
	if maxResults <= 0 {
		maxResults = 200
	}
	return &Explorer{gw: gw, maxRead: maxRead, maxResults: maxResults}
}

const (
	exitNotFound    = 66
	exitOutsideRepo = 67
)

// resolveInRepo 在仓库目录（命令的工作目录）内解析符号链接，结果落在仓库外时退出。
// 之后的命令使用 $target（绝对路径）或 $rel（相对仓库根）
func resolveInRepo(clean string) string {
	return fmt.Sprintf(`root=$(pwd -P) || exit %[1]d
target=$(realpath -e -- %[3]s 2>/dev/null) || exit %[1]d
case "$target" in
"$root") rel=. ;;
"$root"/*) rel=${target#"$root"/} ;;
*) exit %[2]d ;;
esac
`, exitNotFound, exitOutsideRepo, ShellQuote(clean))
}

func resolveError(code int, clean string) error {
	switch code {
	case 0:
		return nil
	case exitOutsideRepo:
		return fmt.Errorf("%w: %s resolves outside the repository", ErrInvalidPath, clean)
	default:
		return fmt.Errorf("%w: %s", ErrFileNotFound, clean)
	}
}

// ListDir 列出目录，忽略 .git
func (e *Explorer) ListDir(ctx context.Context, h *Handle, dir string) ([]Entry, error) {
	clean, err := SanitizePath(dir)
	if err != nil {
		return nil, err
	}

	cmd := resolveInRepo(clean) +
		`cd -- "$target" && find -P . -mindepth 1 -maxdepth 1 ! -name .git -printf '%y\t%s\t%P\n' | sort -k3`
	res, err := e.gw.Exec(ctx, h, cmd)
	if err != nil {
		return nil, err
	}
	if err := resolveError(res.ExitCode, clean); err != nil {
		return nil, err
	}

	var entries []Entry
	for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 || parts[2] == "" {
			continue
		}
		size, _ := strconv.ParseInt(parts[1], 10, 64)
		isDir := parts[0] == "d"
		if isDir {
			size = 0
		}
		entries = append(entries, Entry{
			Name:  parts[2],
			Path:  path.Join(clean, parts[2]),
			IsDir: isDir,
			Size:  size,
		})
	}
	return entries, nil
}

// ReadFile 读取文件，超过上限时截断
func (e *Explorer) ReadFile(ctx context.Context, h *Handle, file string) (string, bool, error) {
	clean, err := SanitizePath(file)
	if err != nil {
		return "", false, err
	}
	if clean == "." {
		return "", false, ErrIsDirectory
	}
	data, truncated, err := e.gw.ReadFile(ctx, h, clean, e.maxRead)
	if err != nil {
		return "", false, err
	}
	return string(data), truncated, nil
}

// Grep 固定字符串搜索，结果数量受限
func (e *Explorer) Grep(ctx context.Context, h *Handle, pattern, dir string) ([]Match, error) {
	quoted, err := EscapeGrepPattern(pattern)
	if err != nil {
		return nil, err
	}
	clean, err := SanitizePath(dir)
	if err != nil {
		return nil, err
	}

	cmd := resolveInRepo(clean) + fmt.Sprintf(`grep -rnI -F --exclude-dir=.git -e %s -- "$rel" | head -n %d`,
		quoted, e.maxResults)
	res, err := e.gw.Exec(ctx, h, cmd)
	if err != nil {
		return nil, err
	}
	if err := resolveError(res.ExitCode, clean); err != nil {
		return nil, err
	}

	var matches []Match
	for _, line := range strings.Split(res.Stdout, "\n") {
		m, ok := parseGrepLine(line)
		if !ok {
			continue
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func parseGrepLine(line string) (Match, bool) {
	first := strings.Index(line, ":")
	if first <= 0 {
		return Match{}, false
	}
	rest := line[first+1:]
	second := strings.Index(rest, ":")
	if second <= 0 {
		return Match{}, false
	}
	n, err := strconv.Atoi(rest[:second])
	if err != nil {
		return Match{}, false
	}
	return Match{
		Path: strings.TrimPrefix(line[:first], "./"),
		Line: n,
		Text: rest[second+1:],
	}, true
}
