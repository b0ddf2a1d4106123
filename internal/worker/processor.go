package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/qs3c/codeatlas/config"
	"github.com/qs3c/codeatlas/internal/agent"
	"github.com/qs3c/codeatlas/internal/model"
	"github.com/qs3c/codeatlas/internal/ownership"
	"github.com/qs3c/codeatlas/internal/pkg/artifact"
	"github.com/qs3c/codeatlas/internal/pkg/eventbus"
	"github.com/qs3c/codeatlas/internal/repository"
	"github.com/qs3c/codeatlas/internal/sandbox"
)

const releaseTimeout = 30 * time.Second

// 各状态对应的整体进度
var statusProgress = map[string]int{
	model.JobStatusCloning:    5,
	model.JobStatusAnalyzing:  20,
	model.JobStatusGenerating: 50,
	model.JobStatusCompleted:  100,
}

// 各阶段完成后的整体进度
var stageProgress = map[string]int{
	model.StageClone:     20,
	model.StageAnalysis:  50,
	model.StageDiagram:   70,
	model.StageOwnership: 85,
	model.StageExport:    95,
}

// Processor 流水线编排：驱动任务依次经过各阶段，更新阶段记录并发布事件
type Processor struct {
	jobRepo   *repository.JobRepository
	stageRepo *repository.StageRepository
	sandbox   sandbox.Gateway
	agent     agent.Gateway
	owners    ownership.Resolver
	store     artifact.Store
	fallback  *artifact.Local
	events    eventbus.Publisher
	cfg       *config.Config
	now       func() time.Time
}

// NewProcessor 创建任务处理器
func NewProcessor(
	jobRepo *repository.JobRepository,
	stageRepo *repository.StageRepository,
	gw sandbox.Gateway,
	ag agent.Gateway,
	owners ownership.Resolver,
	store artifact.Store,
	events eventbus.Publisher,
	cfg *config.Config,
) *Processor {
	return &Processor{
		jobRepo:   jobRepo,
		stageRepo: stageRepo,
		sandbox:   gw,
		agent:     ag,
		owners:    owners,
		store:     store,
		events:    events,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithLocalFallback 远端存储失败时先写本地，由 Reuploader 补传
func (p *Processor) WithLocalFallback(local *artifact.Local) *Processor {
	p.fallback = local
	return p
}

func (p *Processor) publish(jobID string, ev eventbus.Event) {
	if p.events != nil {
		p.events.Publish(jobID, ev)
	}
}

// setStatus 更新任务状态并推送 status 与 progress
func (p *Processor) setStatus(jobID, status, message string) {
	if err := p.jobRepo.UpdateStatus(jobID, status); err != nil {
		log.Printf("Job %s: failed to update status to %s: %v", jobID, status, err)
	}
	p.publish(jobID, eventbus.NewStatus(status, message))
	if pct, ok := statusProgress[status]; ok {
		p.publish(jobID, eventbus.NewProgress(pct, message))
	}
}

// failJob 致命错误：任务 failed，剩余阶段保持 pending
func (p *Processor) failJob(jobID string, err error) {
	msg := err.Error()
	if uerr := p.jobRepo.MarkFailed(jobID, msg); uerr != nil {
		log.Printf("Job %s: failed to mark failed: %v", jobID, uerr)
	}
	p.publish(jobID, eventbus.NewStatus(model.JobStatusFailed, "Analysis failed"))
	p.publish(jobID, eventbus.NewError(msg, "Analysis failed"))
	log.Printf("Job %s: failed: %s", jobID, msg)
}

// release 暂停沙箱，调用方的 ctx 可能已取消
func (p *Processor) release(ctx context.Context, jobID string, h *sandbox.Handle) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	p.sandbox.Pause(rctx, h)
	if err := p.jobRepo.SetSandboxPaused(jobID, true); err != nil {
		log.Printf("Job %s: failed to mark sandbox paused: %v", jobID, err)
	}
}

// RunPipeline 执行完整流水线。clone、analysis 失败返回错误，其余阶段失败只记录
func (p *Processor) RunPipeline(ctx context.Context, jobID, repoURL string) error {
	job, err := p.jobRepo.GetByID(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if repoURL == "" {
		repoURL = job.RepoURL
	}

	name := SandboxName(jobID)
	log.Printf("Job %s: acquiring sandbox %s", jobID, name)
	h, err := p.sandbox.Acquire(ctx, name)
	if err != nil {
		err = fmt.Errorf("sandbox acquisition failed: %w", err)
		p.failJob(jobID, err)
		return err
	}
	defer p.release(ctx, jobID, h)

	if err := p.jobRepo.MarkStarted(jobID, name); err != nil {
		log.Printf("Job %s: failed to record start: %v", jobID, err)
	}

	// Step 1: 克隆仓库
	p.setStatus(jobID, model.JobStatusCloning, "Cloning repository")
	if err := p.runStage(ctx, jobID, model.StageClone, h); err != nil {
		p.failJob(jobID, err)
		return err
	}

	// Step 2: 生成设计文档
	p.setStatus(jobID, model.JobStatusAnalyzing, "Analyzing repository")
	if err := p.runStage(ctx, jobID, model.StageAnalysis, h); err != nil {
		p.failJob(jobID, err)
		return err
	}

	// Step 3: 架构图、归属人、导出，失败不终止
	p.setStatus(jobID, model.JobStatusGenerating, "Generating artifacts")
	for _, stage := range []string{model.StageDiagram, model.StageOwnership, model.StageExport} {
		p.runOrSkip(ctx, jobID, stage, h)
	}

	stages, err := p.stageRepo.GetAll(jobID)
	if err != nil {
		return fmt.Errorf("failed to read stages: %w", err)
	}
	partial := DerivePartialStatus(stages)
	if err := p.jobRepo.MarkCompleted(jobID, partial); err != nil {
		return fmt.Errorf("failed to mark completed: %w", err)
	}
	p.publish(jobID, eventbus.NewStatus(model.JobStatusCompleted, "Analysis completed"))
	p.publish(jobID, eventbus.NewProgress(statusProgress[model.JobStatusCompleted], "Analysis completed"))
	p.publish(jobID, eventbus.NewComplete(partial, "Analysis completed"))

	log.Printf("Job %s: completed (%s)", jobID, partial)
	return nil
}

// runOrSkip 依赖未完成时标记 skipped，否则执行
func (p *Processor) runOrSkip(ctx context.Context, jobID, stage string, h *sandbox.Handle) {
	stages, err := p.stageRepo.GetAll(jobID)
	if err != nil {
		log.Printf("Job %s: failed to read stages before %s: %v", jobID, stage, err)
		return
	}
	if reason, blocked := blockedBy(stage, stages); blocked {
		if err := p.stageRepo.Skip(jobID, stage, reason); err != nil {
			log.Printf("Job %s: failed to skip %s: %v", jobID, stage, err)
			return
		}
		p.publish(jobID, eventbus.NewStageSkipped(stage, reason, fmt.Sprintf("Skipped %s", stage)))
		log.Printf("Job %s: skipped %s: %s", jobID, stage, reason)
		return
	}
	if err := p.runStage(ctx, jobID, stage, h); err != nil {
		log.Printf("Job %s: %s failed, continuing: %v", jobID, stage, err)
	}
}

// runStage pending → in_progress → completed|failed
func (p *Processor) runStage(ctx context.Context, jobID, stage string, h *sandbox.Handle) error {
	start := p.now()
	if err := p.stageRepo.Start(jobID, stage, start); err != nil {
		return fmt.Errorf("failed to start stage %s: %w", stage, err)
	}
	p.publish(jobID, eventbus.NewStageStart(stage, fmt.Sprintf("Starting %s", stage)))
	log.Printf("Job %s: stage %s started", jobID, stage)

	return p.finishStage(ctx, jobID, stage, start, func(ctx context.Context) error {
		return p.execute(ctx, jobID, stage, h)
	})
}

// finishStage 带超时与 panic 保护执行阶段，保证阶段以 completed 或 failed 结束
func (p *Processor) finishStage(ctx context.Context, jobID, stage string, start time.Time, fn func(context.Context) error) error {
	timeout := p.cfg.Pipeline.StageTimeout(stage)
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := safeCall(sctx, fn)
	if err == nil && sctx.Err() == context.DeadlineExceeded {
		err = context.DeadlineExceeded
	}
	end := p.now()

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("%s timed out after %s", stage, timeout)
		}
		if ferr := p.stageRepo.Fail(jobID, stage, start, end, msg); ferr != nil {
			log.Printf("Job %s: failed to record %s failure: %v", jobID, stage, ferr)
		}
		p.publish(jobID, eventbus.NewStageFailed(stage, msg, fmt.Sprintf("%s failed", stage)))
		log.Printf("Job %s: stage %s failed: %s", jobID, stage, msg)
		return fmt.Errorf("%s: %s", stage, msg)
	}

	if cerr := p.stageRepo.Complete(jobID, stage, start, end); cerr != nil {
		log.Printf("Job %s: failed to record %s completion: %v", jobID, stage, cerr)
	}
	p.publish(jobID, eventbus.NewStageComplete(stage, end.Sub(start), fmt.Sprintf("%s completed", stage)))
	if pct, ok := stageProgress[stage]; ok {
		p.publish(jobID, eventbus.NewProgress(pct, fmt.Sprintf("%s completed", stage)))
	}
	log.Printf("Job %s: stage %s completed in %s", jobID, stage, end.Sub(start))
	return nil
}

func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// execute 执行阶段的实际工作，输入一律从数据库读取最新值
func (p *Processor) execute(ctx context.Context, jobID, stage string, h *sandbox.Handle) error {
	job, err := p.jobRepo.GetByID(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	switch stage {
	case model.StageClone:
		return p.clone(ctx, job, h)
	case model.StageAnalysis:
		return p.analyze(ctx, job, h)
	case model.StageDiagram:
		return p.diagram(ctx, job, h)
	case model.StageOwnership:
		return p.ownership(ctx, job)
	case model.StageExport:
		return p.export(ctx, job)
	}
	return fmt.Errorf("unknown stage %q", stage)
}

func (p *Processor) clone(ctx context.Context, job *model.Job, h *sandbox.Handle) error {
	log.Printf("Job %s: cloning repo %s", job.ID, job.RepoURL)
	if ok, reason := p.sandbox.EnsureRepoPresent(ctx, h, job.RepoURL); !ok {
		return errors.New(reason)
	}
	return nil
}

func (p *Processor) analyze(ctx context.Context, job *model.Job, h *sandbox.Handle) error {
	ctx = agent.WithObserver(ctx, &eventObserver{jobID: job.ID, p: p})
	res, err := p.agent.Analyze(ctx, h, agent.AnalyzeOptions{RepoURL: job.RepoURL, Style: job.Style})
	if err != nil {
		return err
	}
	return p.jobRepo.UpdateFields(job.ID, map[string]interface{}{
		"markdown":         res.Markdown,
		"analysis_context": res.Context,
	})
}

func (p *Processor) diagram(ctx context.Context, job *model.Job, h *sandbox.Handle) error {
	if job.Markdown == "" {
		return errors.New("analysis markdown is empty")
	}
	ctx = agent.WithObserver(ctx, &eventObserver{jobID: job.ID, p: p})
	res, err := p.agent.Diagram(ctx, h, job.Markdown)
	if err != nil {
		return err
	}
	data, err := json.Marshal(res.Data())
	if err != nil {
		return fmt.Errorf("failed to encode diagram: %w", err)
	}
	return p.jobRepo.UpdateFields(job.ID, map[string]interface{}{"diagram_json": string(data)})
}

func (p *Processor) ownership(ctx context.Context, job *model.Job) error {
	var hints ownership.Hints
	if job.DiagramJSON != "" {
		var d model.DiagramData
		if err := json.Unmarshal([]byte(job.DiagramJSON), &d); err != nil {
			return fmt.Errorf("failed to decode diagram: %w", err)
		}
		hints.Files = d.FilePaths()
	}

	owners, err := p.owners.Resolve(ctx, job.RepoURL, hints)
	if err != nil {
		return err
	}
	if owners == nil {
		owners = []model.OwnerInfo{}
	}
	data, err := json.Marshal(owners)
	if err != nil {
		return fmt.Errorf("failed to encode owners: %w", err)
	}
	log.Printf("Job %s: resolved %d owners", job.ID, len(owners))
	return p.jobRepo.UpdateFields(job.ID, map[string]interface{}{"ownership_json": string(data)})
}

type exportItem struct {
	name string
	file string
	data string
}

// export 上传已有产物，记录访问地址
func (p *Processor) export(ctx context.Context, job *model.Job) error {
	items := []exportItem{{name: "analysis", file: "analysis.md", data: job.Markdown}}
	if job.DiagramJSON != "" {
		items = append(items, exportItem{name: "diagram", file: "diagram.json", data: job.DiagramJSON})
	}
	if job.OwnershipJSON != "" {
		items = append(items, exportItem{name: "ownership", file: "ownership.json", data: job.OwnershipJSON})
	}

	urls := model.StringMap{}
	for i, it := range items {
		url, err := p.put(ctx, artifact.JobKey(job.ID, it.file), []byte(it.data))
		if err != nil {
			return fmt.Errorf("failed to export %s: %w", it.file, err)
		}
		urls[it.name] = url
		p.publish(job.ID, eventbus.NewStageProgress(model.StageExport, i+1, len(items), "artifacts",
			fmt.Sprintf("Exported %s", it.file)))
	}
	return p.jobRepo.SetArtifactURLs(job.ID, urls)
}

func (p *Processor) put(ctx context.Context, key string, data []byte) (string, error) {
	contentType := artifact.ContentType(key)
	if p.store == nil {
		if p.fallback == nil {
			return "", errors.New("no artifact store configured")
		}
		return p.fallback.Put(ctx, key, data, contentType)
	}

	url, err := p.store.Put(ctx, key, data, contentType)
	if err == nil || p.fallback == nil || p.store == artifact.Store(p.fallback) {
		return url, err
	}
	log.Printf("Export: %s upload to %s failed, saving locally: %v", key, p.store.Name(), err)
	return p.fallback.Put(ctx, key, data, contentType)
}

// eventObserver 把 Agent 的中间过程转为 thinking / tool_use 事件
type eventObserver struct {
	jobID string
	p     *Processor
}

func (o *eventObserver) OnThinking(text string) {
	o.p.publish(o.jobID, eventbus.NewThinking(text))
}

func (o *eventObserver) OnToolUse(tool, input string) {
	o.p.publish(o.jobID, eventbus.NewToolUse(tool, input, fmt.Sprintf("Using %s", tool)))
}
