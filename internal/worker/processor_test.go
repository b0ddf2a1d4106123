package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/codeatlas/config"
	"github.com/qs3c/codeatlas/internal/agent"
	"github.com/qs3c/codeatlas/internal/model"
	"github.com/qs3c/codeatlas/internal/ownership"
	"github.com/qs3c/codeatlas/internal/pkg/artifact"
	"github.com/qs3c/codeatlas/internal/pkg/eventbus"
	"github.com/qs3c/codeatlas/internal/repository"
	"github.com/qs3c/codeatlas/internal/sandbox"
	"github.com/qs3c/codeatlas/internal/testutil"
)

type fakeSandbox struct {
	mu          sync.Mutex
	acquireErr  error
	resumeErr   error
	cloneReason string
	acquired    []string
	resumed     []string
	paused      int
}

func (f *fakeSandbox) Acquire(ctx context.Context, name string) (*sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquired = append(f.acquired, name)
	return &sandbox.Handle{Name: name, Dir: "/tmp/" + name}, nil
}

func (f *fakeSandbox) Resume(ctx context.Context, name string) (*sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return nil, f.resumeErr
	}
	f.resumed = append(f.resumed, name)
	return &sandbox.Handle{Name: name, Dir: "/tmp/" + name}, nil
}

func (f *fakeSandbox) EnsureRepoPresent(ctx context.Context, h *sandbox.Handle, url string) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cloneReason != "" {
		return false, f.cloneReason
	}
	return true, ""
}

func (f *fakeSandbox) Pause(ctx context.Context, h *sandbox.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused++
}

func (f *fakeSandbox) Delete(ctx context.Context, name string) error { return nil }

func (f *fakeSandbox) Exec(ctx context.Context, h *sandbox.Handle, cmd string) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{}, nil
}

func (f *fakeSandbox) ReadFile(ctx context.Context, h *sandbox.Handle, path string, limit int64) ([]byte, bool, error) {
	return nil, false, sandbox.ErrFileNotFound
}

func (f *fakeSandbox) pauseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

type fakeAgent struct {
	analyze func(ctx context.Context) (*agent.AnalysisResult, error)
	diagram func(ctx context.Context, markdown string) (*agent.DiagramResult, error)
}

func (f *fakeAgent) Analyze(ctx context.Context, h *sandbox.Handle, opts agent.AnalyzeOptions) (*agent.AnalysisResult, error) {
	if f.analyze != nil {
		return f.analyze(ctx)
	}
	return &agent.AnalysisResult{Markdown: "# Widgets\n\nA widget factory.", Context: `{"files_read":["main.go"]}`}, nil
}

func (f *fakeAgent) Diagram(ctx context.Context, h *sandbox.Handle, markdown string) (*agent.DiagramResult, error) {
	if f.diagram != nil {
		return f.diagram(ctx, markdown)
	}
	return &agent.DiagramResult{
		Patterns: []string{"layered"},
		Graph: model.DiagramGraph{
			Nodes: []model.DiagramNode{{ID: "api", Label: "API", Files: []string{"main.go"}}},
			Edges: []model.DiagramEdge{},
		},
	}, nil
}

func (f *fakeAgent) Chat(ctx context.Context, h *sandbox.Handle, req agent.ChatRequest) (*agent.ChatResult, error) {
	return &agent.ChatResult{Response: "ok"}, nil
}

type fakeResolver struct {
	mu    sync.Mutex
	err   error
	hints []ownership.Hints
}

func (f *fakeResolver) Resolve(ctx context.Context, repoURL string, hints ownership.Hints) ([]model.OwnerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hints = append(f.hints, hints)
	if f.err != nil {
		return nil, f.err
	}
	return []model.OwnerInfo{{Name: "Alice", Login: "alice", Confidence: 0.9, Reasons: []string{"top contributor"}}}, nil
}

type failingStore struct{}

func (failingStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return "", errors.New("bucket unreachable")
}
func (failingStore) Delete(ctx context.Context, key string) error { return nil }
func (failingStore) Name() string                                 { return "failing" }

type testEnv struct {
	db        *gorm.DB
	jobRepo   *repository.JobRepository
	stageRepo *repository.StageRepository
	sandbox   *fakeSandbox
	agent     *fakeAgent
	owners    *fakeResolver
	bus       *eventbus.Bus
	local     *artifact.Local
	processor *Processor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	local, err := artifact.NewLocal(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{
		db:        db,
		jobRepo:   repository.NewJobRepository(db),
		stageRepo: repository.NewStageRepository(db),
		sandbox:   &fakeSandbox{},
		agent:     &fakeAgent{},
		owners:    &fakeResolver{},
		bus:       eventbus.New(0),
		local:     local,
	}
	env.processor = NewProcessor(env.jobRepo, env.stageRepo, env.sandbox, env.agent, env.owners, local, env.bus, &config.Config{})
	return env
}

func (e *testEnv) stages(t *testing.T, jobID string) model.StageMap {
	t.Helper()
	stages, err := e.stageRepo.GetAll(jobID)
	require.NoError(t, err)
	return stages
}

func (e *testEnv) job(t *testing.T, jobID string) *model.Job {
	t.Helper()
	job, err := e.jobRepo.GetByID(jobID)
	require.NoError(t, err)
	return job
}

// stageEvents 只保留 stage_* 事件，格式为 "type:stage"
func stageEvents(events []eventbus.Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Stage() != "" {
			if _, ok := ev.Payload.(eventbus.StageProgress); ok {
				continue
			}
			out = append(out, fmt.Sprintf("%s:%s", ev.Type(), ev.Stage()))
		}
	}
	return out
}

func eventsOfType(events []eventbus.Event, typ eventbus.Type) []eventbus.Event {
	var out []eventbus.Event
	for _, ev := range events {
		if ev.Type() == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestRunPipeline_AllStagesComplete(t *testing.T) {
	env := newTestEnv(t)
	job := testutil.TestJob(t, env.db)

	err := env.processor.RunPipeline(context.Background(), job.ID, job.RepoURL)
	require.NoError(t, err)

	got := env.job(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, model.PartialStatusComplete, got.PartialStatus)
	assert.Equal(t, "# Widgets\n\nA widget factory.", got.Markdown)
	assert.Contains(t, got.DiagramJSON, `"api"`)
	assert.Contains(t, got.OwnershipJSON, `"alice"`)
	assert.True(t, got.SandboxPaused)
	assert.Equal(t, SandboxName(job.ID), got.SandboxName)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	assert.Equal(t, map[string]string{
		"analysis":  "local://jobs/" + job.ID + "/analysis.md",
		"diagram":   "local://jobs/" + job.ID + "/diagram.json",
		"ownership": "local://jobs/" + job.ID + "/ownership.json",
	}, map[string]string(got.ArtifactURLs))

	for _, stage := range model.Stages {
		rec := env.stages(t, job.ID)[stage]
		assert.Equal(t, model.StageStatusCompleted, rec.Status, stage)
		assert.NotNil(t, rec.DurationMs, stage)
		assert.Equal(t, 1, rec.Attempts, stage)
	}

	events := env.bus.Replay(job.ID)
	assert.Equal(t, []string{
		"stage_start:clone", "stage_complete:clone",
		"stage_start:analysis", "stage_complete:analysis",
		"stage_start:diagram", "stage_complete:diagram",
		"stage_start:ownership", "stage_complete:ownership",
		"stage_start:export", "stage_complete:export",
	}, stageEvents(events))

	last := events[len(events)-1]
	require.Equal(t, eventbus.TypeComplete, last.Type())
	assert.Equal(t, model.PartialStatusComplete, last.Payload.(eventbus.Complete).PartialStatus)

	assert.Len(t, eventsOfType(events, eventbus.TypeStageProgress), 3)
	assert.Equal(t, 1, env.sandbox.pauseCount())
	require.Len(t, env.owners.hints, 1)
	assert.Equal(t, []string{"main.go"}, env.owners.hints[0].Files)
}

func TestRunPipeline_StatusProgression(t *testing.T) {
	env := newTestEnv(t)
	job := testutil.TestJob(t, env.db)

	require.NoError(t, env.processor.RunPipeline(context.Background(), job.ID, job.RepoURL))

	var statuses []string
	for _, ev := range eventsOfType(env.bus.Replay(job.ID), eventbus.TypeStatus) {
		statuses = append(statuses, ev.Payload.(eventbus.Status).Status)
	}
	assert.Equal(t, []string{
		model.JobStatusCloning,
		model.JobStatusAnalyzing,
		model.JobStatusGenerating,
		model.JobStatusCompleted,
	}, statuses)

	prev := -1
	for _, ev := range eventsOfType(env.bus.Replay(job.ID), eventbus.TypeProgress) {
		pct := ev.Payload.(eventbus.Progress).Percent
		assert.GreaterOrEqual(t, pct, prev)
		prev = pct
	}
	assert.Equal(t, 100, prev)
}

func TestRunPipeline_DiagramTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.agent.diagram = func(ctx context.Context, markdown string) (*agent.DiagramResult, error) {
		return nil, fmt.Errorf("agent call: %w", context.DeadlineExceeded)
	}
	job := testutil.TestJob(t, env.db, testutil.WithRepoURL("https://github.com/acme/widgets"))

	err := env.processor.RunPipeline(context.Background(), job.ID, job.RepoURL)
	require.NoError(t, err)

	got := env.job(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, model.PartialStatusPartial, got.PartialStatus)

	stages := env.stages(t, job.ID)
	assert.Equal(t, model.StageStatusCompleted, stages[model.StageClone].Status)
	assert.Equal(t, model.StageStatusCompleted, stages[model.StageAnalysis].Status)
	assert.Equal(t, model.StageStatusFailed, stages[model.StageDiagram].Status)
	assert.Contains(t, stages[model.StageDiagram].Error, "timed out")
	assert.Equal(t, model.StageStatusSkipped, stages[model.StageOwnership].Status)
	assert.Equal(t, `dependency "diagram" failed`, stages[model.StageOwnership].SkipReason)
	assert.Equal(t, model.StageStatusCompleted, stages[model.StageExport].Status)

	assert.Contains(t, got.ArtifactURLs, "analysis")
	assert.NotContains(t, got.ArtifactURLs, "diagram")

	events := env.bus.Replay(job.ID)
	assert.Contains(t, stageEvents(events), "stage_failed:diagram")
	assert.Contains(t, stageEvents(events), "stage_skipped:ownership")
	assert.NotContains(t, stageEvents(events), "stage_start:ownership")
	assert.Empty(t, env.owners.hints)
}

func TestRunPipeline_CloneFailure(t *testing.T) {
	env := newTestEnv(t)
	env.sandbox.cloneReason = "repository not found (exit code 128)"
	job := testutil.TestJob(t, env.db)

	err := env.processor.RunPipeline(context.Background(), job.ID, job.RepoURL)
	require.Error(t, err)

	got := env.job(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "exit code 128")
	assert.Empty(t, got.PartialStatus)

	stages := env.stages(t, job.ID)
	assert.Equal(t, model.StageStatusFailed, stages[model.StageClone].Status)
	for _, stage := range []string{model.StageAnalysis, model.StageDiagram, model.StageOwnership, model.StageExport} {
		assert.Equal(t, model.StageStatusPending, stages[stage].Status, stage)
	}

	events := env.bus.Replay(job.ID)
	assert.Equal(t, []string{"stage_start:clone", "stage_failed:clone"}, stageEvents(events))
	assert.Len(t, eventsOfType(events, eventbus.TypeStageFailed), 1)
	assert.Len(t, eventsOfType(events, eventbus.TypeError), 1)
	assert.Empty(t, eventsOfType(events, eventbus.TypeComplete))

	// 沙箱仍然被释放
	assert.Equal(t, 1, env.sandbox.pauseCount())
	assert.True(t, got.SandboxPaused)
}

func TestRunPipeline_SandboxAcquireFailure(t *testing.T) {
	env := newTestEnv(t)
	env.sandbox.acquireErr = sandbox.ErrUnavailable
	job := testutil.TestJob(t, env.db)

	err := env.processor.RunPipeline(context.Background(), job.ID, job.RepoURL)
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrUnavailable)

	got := env.job(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "sandbox acquisition failed")

	for _, stage := range model.Stages {
		assert.Equal(t, model.StageStatusPending, env.stages(t, job.ID)[stage].Status, stage)
	}
	assert.Empty(t, stageEvents(env.bus.Replay(job.ID)))
	assert.Equal(t, 0, env.sandbox.pauseCount())
}

func TestRunPipeline_AnalysisFailure(t *testing.T) {
	env := newTestEnv(t)
	env.agent.analyze = func(ctx context.Context) (*agent.AnalysisResult, error) {
		return nil, errors.New("empty response from model")
	}
	job := testutil.TestJob(t, env.db)

	err := env.processor.RunPipeline(context.Background(), job.ID, job.RepoURL)
	require.Error(t, err)

	got := env.job(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "empty response from model")

	stages := env.stages(t, job.ID)
	assert.Equal(t, model.StageStatusCompleted, stages[model.StageClone].Status)
	assert.Equal(t, model.StageStatusFailed, stages[model.StageAnalysis].Status)
	for _, stage := range []string{model.StageDiagram, model.StageOwnership, model.StageExport} {
		assert.Equal(t, model.StageStatusPending, stages[stage].Status, stage)
	}
	assert.Equal(t, 1, env.sandbox.pauseCount())
}

func TestRunPipeline_PanicBecomesStageFailure(t *testing.T) {
	env := newTestEnv(t)
	env.agent.diagram = func(ctx context.Context, markdown string) (*agent.DiagramResult, error) {
		panic("nil graph")
	}
	job := testutil.TestJob(t, env.db)

	require.NoError(t, env.processor.RunPipeline(context.Background(), job.ID, job.RepoURL))

	stages := env.stages(t, job.ID)
	assert.Equal(t, model.StageStatusFailed, stages[model.StageDiagram].Status)
	assert.Contains(t, stages[model.StageDiagram].Error, "panic: nil graph")
	assert.Equal(t, model.JobStatusCompleted, env.job(t, job.ID).Status)
}

func TestRunPipeline_OwnershipErrorIsStageLocal(t *testing.T) {
	env := newTestEnv(t)
	env.owners.err = errors.New("github api: 403 rate limited")
	job := testutil.TestJob(t, env.db)

	require.NoError(t, env.processor.RunPipeline(context.Background(), job.ID, job.RepoURL))

	got := env.job(t, job.ID)
	assert.Equal(t, model.PartialStatusPartial, got.PartialStatus)

	stages := env.stages(t, job.ID)
	assert.Equal(t, model.StageStatusCompleted, stages[model.StageDiagram].Status)
	assert.Equal(t, model.StageStatusFailed, stages[model.StageOwnership].Status)
	assert.Contains(t, stages[model.StageOwnership].Error, "403")
	assert.Equal(t, model.StageStatusCompleted, stages[model.StageExport].Status)
	assert.NotContains(t, got.ArtifactURLs, "ownership")
}

func TestRunPipeline_ExportFallsBackToLocal(t *testing.T) {
	env := newTestEnv(t)
	env.processor.store = failingStore{}
	env.processor.WithLocalFallback(env.local)
	job := testutil.TestJob(t, env.db)

	require.NoError(t, env.processor.RunPipeline(context.Background(), job.ID, job.RepoURL))

	got := env.job(t, job.ID)
	assert.Equal(t, model.PartialStatusComplete, got.PartialStatus)
	assert.True(t, artifact.IsLocalURL(got.ArtifactURLs["analysis"]))
}

func TestRunPipeline_ExportFailure(t *testing.T) {
	env := newTestEnv(t)
	env.processor.store = failingStore{}
	job := testutil.TestJob(t, env.db)

	require.NoError(t, env.processor.RunPipeline(context.Background(), job.ID, job.RepoURL))

	stages := env.stages(t, job.ID)
	assert.Equal(t, model.StageStatusFailed, stages[model.StageExport].Status)
	assert.Contains(t, stages[model.StageExport].Error, "bucket unreachable")
	assert.Equal(t, model.PartialStatusPartial, env.job(t, job.ID).PartialStatus)
}

func TestRunPipeline_AgentEventsForwarded(t *testing.T) {
	env := newTestEnv(t)
	env.agent.analyze = func(ctx context.Context) (*agent.AnalysisResult, error) {
		// 通过 ctx 上的观察者推送中间过程
		return analyzeWithObserver(ctx)
	}
	job := testutil.TestJob(t, env.db)

	require.NoError(t, env.processor.RunPipeline(context.Background(), job.ID, job.RepoURL))

	events := env.bus.Replay(job.ID)
	thinking := eventsOfType(events, eventbus.TypeThinking)
	require.Len(t, thinking, 1)
	assert.Equal(t, "Reading the entry point", thinking[0].Message)

	tools := eventsOfType(events, eventbus.TypeToolUse)
	require.Len(t, tools, 1)
	assert.Equal(t, "read_file", tools[0].Payload.(eventbus.ToolUse).Tool)
}

// analyzeWithObserver 借助 Agent 包公开的钩子模拟一次工具调用
func analyzeWithObserver(ctx context.Context) (*agent.AnalysisResult, error) {
	o := agent.ObserverFrom(ctx)
	if o == nil {
		return nil, errors.New("observer missing")
	}
	o.OnThinking("Reading the entry point")
	o.OnToolUse("read_file", `{"path":"main.go"}`)
	return &agent.AnalysisResult{Markdown: "# Widgets"}, nil
}

func TestDerivePartialStatus(t *testing.T) {
	mk := func(statuses ...string) model.StageMap {
		m := model.StageMap{}
		for i, s := range statuses {
			m[model.Stages[i]] = &model.StageRecord{Stage: model.Stages[i], Status: s}
		}
		return m
	}
	c, f, s := model.StageStatusCompleted, model.StageStatusFailed, model.StageStatusSkipped

	tests := []struct {
		name   string
		stages model.StageMap
		want   string
	}{
		{"all completed", mk(c, c, c, c, c), model.PartialStatusComplete},
		{"diagram failed", mk(c, c, f, s, c), model.PartialStatusPartial},
		{"export failed", mk(c, c, c, c, f), model.PartialStatusPartial},
		{"skipped only", mk(c, c, c, s, c), model.PartialStatusPartial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DerivePartialStatus(tt.stages))
		})
	}
}

func TestStagePolicy(t *testing.T) {
	assert.Empty(t, Dependencies(model.StageClone))
	assert.Equal(t, []string{model.StageClone}, Dependencies(model.StageAnalysis))
	assert.Equal(t, []string{model.StageAnalysis}, Dependencies(model.StageDiagram))
	assert.Equal(t, []string{model.StageDiagram}, Dependencies(model.StageOwnership))
	assert.Equal(t, []string{model.StageAnalysis}, Dependencies(model.StageExport))

	for _, stage := range model.Stages {
		assert.NotEqual(t, IsEssential(stage), IsRetryable(stage), stage)
	}
}
