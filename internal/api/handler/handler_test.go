package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/codeatlas/config"
	"github.com/qs3c/codeatlas/internal/agent"
	"github.com/qs3c/codeatlas/internal/api/middleware"
	"github.com/qs3c/codeatlas/internal/idle"
	"github.com/qs3c/codeatlas/internal/model"
	"github.com/qs3c/codeatlas/internal/ownership"
	"github.com/qs3c/codeatlas/internal/pkg/artifact"
	"github.com/qs3c/codeatlas/internal/pkg/eventbus"
	"github.com/qs3c/codeatlas/internal/pkg/jwt"
	"github.com/qs3c/codeatlas/internal/pkg/response"
	"github.com/qs3c/codeatlas/internal/pkg/ws"
	"github.com/qs3c/codeatlas/internal/repository"
	"github.com/qs3c/codeatlas/internal/sandbox"
	"github.com/qs3c/codeatlas/internal/service"
	"github.com/qs3c/codeatlas/internal/testutil"
	"github.com/qs3c/codeatlas/internal/worker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var repoFiles = map[string]string{
	"main.go":        "package main\n\nfunc main() {}\n",
	"pkg/widgets.go": "package pkg\n\n// Widget 部件\ntype Widget struct{}\n",
	"README.md":      "# widgets\n",
}

// fakeClone 在目标目录生成固定的仓库内容
func fakeClone(ctx context.Context, repoURL, destDir string, timeout time.Duration) *sandbox.CloneError {
	if err := os.MkdirAll(filepath.Join(destDir, ".git"), 0755); err != nil {
		return &sandbox.CloneError{UserMessage: "克隆仓库失败", RawError: err}
	}
	for name, content := range repoFiles {
		p := filepath.Join(destDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return &sandbox.CloneError{UserMessage: "克隆仓库失败", RawError: err}
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			return &sandbox.CloneError{UserMessage: "克隆仓库失败", RawError: err}
		}
	}
	return nil
}

type fakeAgent struct {
	mu          sync.Mutex
	failDiagram bool
	questions   []string
}

func (f *fakeAgent) setFailDiagram(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failDiagram = v
}

func (f *fakeAgent) Analyze(ctx context.Context, h *sandbox.Handle, opts agent.AnalyzeOptions) (*agent.AnalysisResult, error) {
	return &agent.AnalysisResult{Markdown: "# Widgets\n\nA widget factory.", Context: "{}"}, nil
}

func (f *fakeAgent) Diagram(ctx context.Context, h *sandbox.Handle, markdown string) (*agent.DiagramResult, error) {
	f.mu.Lock()
	fail := f.failDiagram
	f.mu.Unlock()
	if fail {
		return nil, errors.New("model returned no nodes")
	}
	return &agent.DiagramResult{
		Patterns: []string{"layered"},
		Graph: model.DiagramGraph{
			Nodes: []model.DiagramNode{{ID: "main", Label: "Main", Files: []string{"main.go"}}},
			Edges: []model.DiagramEdge{},
		},
	}, nil
}

func (f *fakeAgent) Chat(ctx context.Context, h *sandbox.Handle, req agent.ChatRequest) (*agent.ChatResult, error) {
	f.mu.Lock()
	f.questions = append(f.questions, req.Question)
	f.mu.Unlock()
	return &agent.ChatResult{Response: "Widgets are built in pkg.", ReferencedFiles: []string{"pkg/widgets.go"}}, nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, repoURL string, hints ownership.Hints) ([]model.OwnerInfo, error) {
	return []model.OwnerInfo{{Name: "Alice", Login: "alice", Confidence: 0.9, Reasons: []string{"top contributor"}}}, nil
}

// testServer 完整的本地模式装配：真实沙箱目录、假 Agent、进程内 Runner
type testServer struct {
	engine    *gin.Engine
	db        *gorm.DB
	jobRepo   *repository.JobRepository
	stageRepo *repository.StageRepository
	bus       *eventbus.Bus
	hub       *ws.Hub
	agent     *fakeAgent
	cfg       *config.Config
}

func setupServer(t *testing.T) *testServer {
	t.Helper()

	db := testutil.SetupTestDB(t)
	cfg := &config.Config{
		JWT: config.JWTConfig{Secret: "test-secret", ExpireHours: 1},
		Sandbox: config.SandboxConfig{
			Root:               t.TempDir(),
			CommandTimeoutSecs: 5,
			RecognizedPrefixes: []string{"https://github.com/", "https://gitlab.com/", "https://bitbucket.org/"},
		},
		Queue: config.QueueConfig{Mode: "local"},
	}
	require.NoError(t, RegisterValidators(cfg.Sandbox.RecognizedPrefixes))

	gw, err := sandbox.NewLocal(&cfg.Sandbox, sandbox.WithCloneFunc(fakeClone))
	require.NoError(t, err)
	store, err := artifact.NewLocal(t.TempDir())
	require.NoError(t, err)

	jobRepo := repository.NewJobRepository(db)
	stageRepo := repository.NewStageRepository(db)
	bus := eventbus.New(0)
	ag := &fakeAgent{}
	hub := ws.NewHub()

	processor := worker.NewProcessor(jobRepo, stageRepo, gw, ag, fakeResolver{}, store, bus, cfg)
	runner := worker.NewRunner(2, 8)
	runner.Start()
	reclaimer := idle.NewReclaimer(gw, jobRepo, stageRepo, time.Hour)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
		reclaimer.Stop()
		testutil.CleanupTestDB(t, db)
	})

	jobService := service.NewJobService(jobRepo, stageRepo, gw, bus, worker.NewLocalDispatcher(runner, processor), processor, reclaimer, cfg)
	chatService := service.NewChatService(jobService, ag, reclaimer)
	exploreService := service.NewExploreService(jobService, sandbox.NewExplorer(gw, 0, 0))

	jobHandler := NewJobHandler(jobService, hub)
	streamHandler := NewStreamHandler(jobService)
	chatHandler := NewChatHandler(chatService)
	exploreHandler := NewExploreHandler(exploreService)

	engine := gin.New()
	engine.GET("/health", NewHealthHandler(cfg, hub).Health)
	tokens := jwt.NewManager(&cfg.JWT)
	jobs := engine.Group("/jobs")
	jobs.Use(middleware.OptionalAuth(tokens))
	{
		jobs.POST("", jobHandler.Create)
		jobs.GET("/:id", jobHandler.Get)
		jobs.POST("/:id/stages/:stage/retry", jobHandler.Retry)
		jobs.GET("/:id/events", streamHandler.Events)
		jobs.GET("/:id/ws", NewWebSocketHandler(hub, jobService, nil).Handle)
		jobs.POST("/:id/chat", chatHandler.Chat)
		jobs.GET("/:id/files", exploreHandler.Files)
		jobs.GET("/:id/file", exploreHandler.File)
		jobs.GET("/:id/grep", exploreHandler.Grep)
		jobs.POST("/:id/sandbox/resume", jobHandler.ResumeSandbox)
		jobs.DELETE("/:id/sandbox", jobHandler.DeleteSandbox)
	}
	engine.GET("/shared/:token", jobHandler.GetShared)
	authed := engine.Group("/jobs")
	authed.Use(middleware.Auth(tokens))
	{
		authed.GET("", jobHandler.List)
		authed.DELETE("/:id", jobHandler.Delete)
		authed.POST("/:id/share", jobHandler.Share)
	}

	return &testServer{
		engine:    engine,
		db:        db,
		jobRepo:   jobRepo,
		stageRepo: stageRepo,
		bus:       bus,
		hub:       hub,
		agent:     ag,
		cfg:       cfg,
	}
}

func performRequest(r http.Handler, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	var resp response.Response
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)
	return resp
}

// decodeData 把响应中的 data 解到目标结构
func decodeData(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var resp struct {
		Code int             `json:"code"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, response.CodeSuccess, resp.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(resp.Data, out))
}

func (s *testServer) bearer(t *testing.T, userID int64) []string {
	t.Helper()
	token, err := jwt.NewManager(&s.cfg.JWT).Issue(userID)
	require.NoError(t, err)
	return []string{"Authorization", "Bearer " + token}
}

// createJob 提交任务并等待流水线结束、沙箱暂停
func (s *testServer) createJob(t *testing.T, headers ...string) string {
	t.Helper()
	w := performRequest(s.engine, "POST", "/jobs", map[string]string{"repo_url": "https://github.com/acme/widgets"}, headers...)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var created struct {
		JobID string `json:"job_id"`
	}
	decodeData(t, w, &created)
	require.NotEmpty(t, created.JobID)
	s.waitTerminal(t, created.JobID)
	s.waitPaused(t, created.JobID)
	return created.JobID
}

func (s *testServer) waitTerminal(t *testing.T, jobID string) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = s.jobRepo.GetByID(jobID)
		if err != nil || !job.IsTerminal() {
			return false
		}
		has, err := s.stageRepo.HasInProgress(jobID)
		return err == nil && !has
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

// waitPaused 流水线结束后沙箱在 release 中被暂停
func (s *testServer) waitPaused(t *testing.T, jobID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := s.jobRepo.GetByID(jobID)
		return err == nil && job.SandboxPaused
	}, 5*time.Second, 10*time.Millisecond)
}
