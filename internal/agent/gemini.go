package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/qs3c/codeatlas/config"
	"github.com/qs3c/codeatlas/internal/model"
	"github.com/qs3c/codeatlas/internal/sandbox"
)

// generator genai.Models 的子集，测试中替换
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type generatorFactory func(ctx context.Context, apiKey string) (generator, error)

func newGenaiGenerator(ctx context.Context, apiKey string) (generator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return client.Models, nil
}

// Gemini 基于 Gemini function calling 的 Agent
type Gemini struct {
	cfg      *config.AgentConfig
	gw       sandbox.Gateway
	explorer *sandbox.Explorer
	factory  generatorFactory

	mu     sync.Mutex
	gen    generator
	genKey string
}

func NewGemini(cfg *config.AgentConfig, gw sandbox.Gateway, explorer *sandbox.Explorer) *Gemini {
	return &Gemini{
		cfg:      cfg,
		gw:       gw,
		explorer: explorer,
		factory:  newGenaiGenerator,
	}
}

// generator 每次调用时读取密钥，密钥变化后重建客户端
func (g *Gemini) generator(ctx context.Context, op string) (generator, error) {
	key := g.cfg.AgentAPIKey()
	if key == "" {
		return nil, newError(op, ErrMissingConfig, errors.New("GEMINI_API_KEY is not set"))
	}
	if g.cfg.Model == "" {
		return nil, newError(op, ErrMissingConfig, errors.New("agent.model is not set"))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gen != nil && g.genKey == key {
		return g.gen, nil
	}
	gen, err := g.factory(ctx, key)
	if err != nil {
		return nil, newError(op, ErrMissingConfig, err)
	}
	g.gen, g.genKey = gen, key
	return gen, nil
}

// checkSandbox 确认沙箱可用且仓库存在
func (g *Gemini) checkSandbox(ctx context.Context, op string, h *sandbox.Handle) error {
	if h == nil {
		return newError(op, ErrSandboxUnavailable, errors.New("no sandbox handle"))
	}
	res, err := g.gw.Exec(ctx, h, "test -d .git")
	if err != nil {
		return newError(op, ErrSandboxUnavailable, err)
	}
	if res.ExitCode != 0 {
		return newError(op, ErrMalformedSandbox, fmt.Errorf("%s/%s is not a git checkout", h.Name, sandbox.RepoDir))
	}
	return nil
}

func (g *Gemini) maxTurns() int {
	if g.cfg.MaxTurns <= 0 {
		return 24
	}
	return g.cfg.MaxTurns
}

func (g *Gemini) timeout() time.Duration {
	if g.cfg.TimeoutSecs <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(g.cfg.TimeoutSecs) * time.Second
}

// run 工具调用循环，直到模型给出不含工具调用的回答
func (g *Gemini) run(ctx context.Context, op string, h *sandbox.Handle, system string, contents []*genai.Content) (string, []string, error) {
	if err := g.checkSandbox(ctx, op, h); err != nil {
		return "", nil, err
	}
	gen, err := g.generator(ctx, op)
	if err != nil {
		return "", nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout())
	defer cancel()

	obs := ObserverFrom(ctx)
	tools := newToolRunner(g.explorer, h)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Tools:             toolDeclarations(),
	}

	for turn := 0; turn < g.maxTurns(); turn++ {
		resp, err := gen.GenerateContent(ctx, g.cfg.Model, contents, cfg)
		if err != nil {
			return "", nil, fmt.Errorf("agent %s: generate content: %w", op, err)
		}

		calls := resp.FunctionCalls()
		if len(calls) == 0 {
			text := strings.TrimSpace(resp.Text())
			if text == "" {
				return "", nil, newError(op, ErrEmptyResponse, nil)
			}
			return text, tools.Files(), nil
		}

		var modelContent *genai.Content
		if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
			modelContent = resp.Candidates[0].Content
			if obs != nil {
				for _, p := range modelContent.Parts {
					if p.Text != "" {
						obs.OnThinking(p.Text)
					}
				}
			}
		} else {
			modelContent = &genai.Content{Role: string(genai.RoleModel)}
			for _, c := range calls {
				modelContent.Parts = append(modelContent.Parts, &genai.Part{FunctionCall: c})
			}
		}
		contents = append(contents, modelContent)

		parts := make([]*genai.Part, 0, len(calls))
		for _, call := range calls {
			input := describeArgs(call.Args)
			if obs != nil {
				obs.OnToolUse(call.Name, input)
			}
			log.Printf("Agent %s: tool %s %s", op, call.Name, input)
			parts = append(parts, genai.NewPartFromFunctionResponse(call.Name, tools.call(ctx, call.Name, call.Args)))
		}
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	}

	return "", nil, newError(op, ErrEmptyResponse, fmt.Errorf("no final answer after %d turns", g.maxTurns()))
}

func (g *Gemini) Analyze(ctx context.Context, h *sandbox.Handle, opts AnalyzeOptions) (*AnalysisResult, error) {
	prompt := analysisPrompt(opts)
	text, files, err := g.run(ctx, "analyze", h, analysisSystem,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)})
	if err != nil {
		return nil, err
	}

	aux, _ := json.Marshal(map[string]any{"files_read": files})
	return &AnalysisResult{Markdown: text, Context: string(aux)}, nil
}

func (g *Gemini) Diagram(ctx context.Context, h *sandbox.Handle, markdown string) (*DiagramResult, error) {
	if strings.TrimSpace(markdown) == "" {
		return nil, newError("diagram", ErrMissingConfig, errors.New("analysis markdown is empty"))
	}
	text, _, err := g.run(ctx, "diagram", h, diagramSystem,
		[]*genai.Content{genai.NewContentFromText(diagramPrompt(markdown), genai.RoleUser)})
	if err != nil {
		return nil, err
	}
	return ParseDiagram(text)
}

func (g *Gemini) Chat(ctx context.Context, h *sandbox.Handle, req ChatRequest) (*ChatResult, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, newError("chat", ErrEmptyResponse, errors.New("question is empty"))
	}

	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(chatPrompt(req), genai.RoleUser))

	text, files, err := g.run(ctx, "chat", h, chatSystem, contents)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []string{}
	}
	return &ChatResult{Response: text, ReferencedFiles: files}, nil
}

// ParseDiagram 解析模型输出的 JSON，容忍 ``` 代码块包裹和前后说明文字
func ParseDiagram(text string) (*DiagramResult, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, newError("diagram", ErrInvalidOutput, errors.New("no JSON object in response"))
	}

	var data model.DiagramData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, newError("diagram", ErrInvalidOutput, err)
	}
	if len(data.Graph.Nodes) == 0 {
		return nil, newError("diagram", ErrEmptyResponse, errors.New("diagram has no nodes"))
	}

	ids := make(map[string]struct{}, len(data.Graph.Nodes))
	for _, n := range data.Graph.Nodes {
		ids[n.ID] = struct{}{}
	}
	// 丢弃指向不存在节点的边
	edges := data.Graph.Edges[:0]
	for i, e := range data.Graph.Edges {
		_, okS := ids[e.Source]
		_, okT := ids[e.Target]
		if !okS || !okT {
			continue
		}
		if e.ID == "" {
			e.ID = fmt.Sprintf("e%d", i)
		}
		edges = append(edges, e)
	}
	if len(edges) == 0 {
		edges = []model.DiagramEdge{}
	}
	data.Graph.Edges = edges

	if data.Patterns == nil {
		data.Patterns = []string{}
	}
	return &DiagramResult{Patterns: data.Patterns, Graph: data.Graph}, nil
}

func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if nl := strings.Index(rest, "\n"); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			text = rest[:j]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
