// Package agent 调用 LLM Agent 完成分析、架构图与问答，Agent 通过工具读取沙箱中的仓库
package agent

import (
	"context"

	"github.com/qs3c/codeatlas/internal/model"
	"github.com/qs3c/codeatlas/internal/sandbox"
)

// AnalyzeOptions 分析参数
type AnalyzeOptions struct {
	RepoURL string
	Style   string
}

// AnalysisResult 设计文档与辅助上下文
type AnalysisResult struct {
	Markdown string
	Context  string
}

// DiagramResult 架构图
type DiagramResult struct {
	Patterns []string
	Graph    model.DiagramGraph
}

// Data 转为持久化结构
func (d *DiagramResult) Data() *model.DiagramData {
	return &model.DiagramData{Patterns: d.Patterns, Graph: d.Graph}
}

// Message 对话历史
type Message struct {
	Role    string
	Content string
}

// ChatRequest 问答请求，GraphContext 为前端当前选中的图节点 JSON
type ChatRequest struct {
	History      []Message
	Question     string
	GraphContext string
}

// ChatResult 问答结果
type ChatResult struct {
	Response        string
	ReferencedFiles []string
}

// Gateway 每个调用内部可能进行多轮工具调用，最终返回非空结果或 *Error
type Gateway interface {
	Analyze(ctx context.Context, h *sandbox.Handle, opts AnalyzeOptions) (*AnalysisResult, error)
	Diagram(ctx context.Context, h *sandbox.Handle, markdown string) (*DiagramResult, error)
	Chat(ctx context.Context, h *sandbox.Handle, req ChatRequest) (*ChatResult, error)
}

// Observer 接收 Agent 的中间过程
type Observer interface {
	OnThinking(text string)
	OnToolUse(tool, input string)
}

type observerKey struct{}

// WithObserver 在 ctx 上挂载观察者
func WithObserver(ctx context.Context, o Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, o)
}

// ObserverFrom 取出 ctx 上的观察者，没有时返回 nil
func ObserverFrom(ctx context.Context) Observer {
	if o, ok := ctx.Value(observerKey{}).(Observer); ok {
		return o
	}
	return nil
}
