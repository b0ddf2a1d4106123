package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/qs3c/codeatlas/internal/sandbox"
)

const (
	toolListDir  = "list_dir"
	toolReadFile = "read_file"
	toolGrep     = "grep"
)

// toolDeclarations 提供给模型的工具
func toolDeclarations() []*genai.Tool {
	return []*genai.Tool{{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{
				Name:        toolListDir,
				Description: "List files and directories at a path relative to the repository root.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"path": {Type: genai.TypeString, Description: "Relative directory path, empty for the root."},
					},
				},
			},
			{
				Name:        toolReadFile,
				Description: "Read a text file relative to the repository root. Large files are truncated.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"path": {Type: genai.TypeString, Description: "Relative file path."},
					},
					Required: []string{"path"},
				},
			},
			{
				Name:        toolGrep,
				Description: "Search for a fixed string in repository files. Returns path:line:text matches.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"pattern": {Type: genai.TypeString, Description: "Literal text to search for."},
						"path":    {Type: genai.TypeString, Description: "Relative directory to search, empty for the root."},
					},
					Required: []string{"pattern"},
				},
			},
		},
	}}
}

// toolRunner 针对单个沙箱执行工具并记录读取过的文件
type toolRunner struct {
	explorer *sandbox.Explorer
	h        *sandbox.Handle

	mu    sync.Mutex
	files map[string]struct{}
}

func newToolRunner(explorer *sandbox.Explorer, h *sandbox.Handle) *toolRunner {
	return &toolRunner{explorer: explorer, h: h, files: make(map[string]struct{})}
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// call 工具错误作为结果返回给模型，而不是中断调用
func (r *toolRunner) call(ctx context.Context, name string, args map[string]any) map[string]any {
	out, err := r.exec(ctx, name, args)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{"output": out}
}

func (r *toolRunner) exec(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case toolListDir:
		entries, err := r.explorer.ListDir(ctx, r.h, argString(args, "path"))
		if err != nil {
			return "", err
		}
		var sb strings.Builder
		for _, e := range entries {
			if e.IsDir {
				fmt.Fprintf(&sb, "%s/\n", e.Path)
			} else {
				fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Path, e.Size)
			}
		}
		return sb.String(), nil

	case toolReadFile:
		path := argString(args, "path")
		content, truncated, err := r.explorer.ReadFile(ctx, r.h, path)
		if err != nil {
			return "", err
		}
		if clean, err := sandbox.SanitizePath(path); err == nil {
			r.mu.Lock()
			r.files[clean] = struct{}{}
			r.mu.Unlock()
		}
		if truncated {
			content += "\n... [truncated]"
		}
		return content, nil

	case toolGrep:
		matches, err := r.explorer.Grep(ctx, r.h, argString(args, "pattern"), argString(args, "path"))
		if err != nil {
			return "", err
		}
		var sb strings.Builder
		for _, m := range matches {
			fmt.Fprintf(&sb, "%s:%d:%s\n", m.Path, m.Line, m.Text)
		}
		if sb.Len() == 0 {
			return "no matches", nil
		}
		return sb.String(), nil
	}
	return "", fmt.Errorf("unknown tool %q", name)
}

// Files 读取过的文件，排序后返回
func (r *toolRunner) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	files := make([]string, 0, len(r.files))
	for f := range r.files {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

func describeArgs(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}
