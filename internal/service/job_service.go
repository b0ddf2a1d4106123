package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/qs3c/codeatlas/config"
	"github.com/qs3c/codeatlas/internal/idle"
	"github.com/qs3c/codeatlas/internal/model"
	"github.com/qs3c/codeatlas/internal/model/dto"
	"github.com/qs3c/codeatlas/internal/pkg/eventbus"
	"github.com/qs3c/codeatlas/internal/repository"
	"github.com/qs3c/codeatlas/internal/sandbox"
	"github.com/qs3c/codeatlas/internal/worker"
)

var (
	ErrJobNotFound       = errors.New("任务不存在")
	ErrJobPermission     = errors.New("无权操作此任务")
	ErrInvalidRepoURL    = errors.New("仓库地址无效")
	ErrInvalidStage      = errors.New("阶段名称无效")
	ErrStageNotRetryable = errors.New("该阶段不支持单独重试")
	ErrStageNotFailed    = errors.New("阶段当前不是失败状态，无法重试")
	ErrJobNotComplete    = errors.New("分析尚未完成")
	ErrSandboxNotPaused  = errors.New("沙箱未暂停，无法删除")
	ErrSandboxDestroyed  = errors.New("沙箱已销毁")
	ErrStageRunning      = errors.New("有阶段正在执行，无法删除沙箱")
	ErrBusy              = errors.New("任务队列已满，请稍后重试")
)

const timeLayout = "2006-01-02T15:04:05Z07:00"

// Dispatcher 把流水线与重试交给后台执行，不等待结果
type Dispatcher interface {
	DispatchPipeline(jobID, repoURL string) error
	DispatchRetry(jobID, stage string) error
}

// RetryClaimer 同步校验并认领重试
type RetryClaimer interface {
	ClaimRetry(jobID, stage string) error
}

type JobService struct {
	jobRepo    *repository.JobRepository
	stageRepo  *repository.StageRepository
	gw         sandbox.Gateway
	bus        *eventbus.Bus
	dispatcher Dispatcher
	claimer    RetryClaimer
	reclaimer  *idle.Reclaimer
	cfg        *config.Config
}

func NewJobService(
	jobRepo *repository.JobRepository,
	stageRepo *repository.StageRepository,
	gw sandbox.Gateway,
	bus *eventbus.Bus,
	dispatcher Dispatcher,
	claimer RetryClaimer,
	reclaimer *idle.Reclaimer,
	cfg *config.Config,
) *JobService {
	return &JobService{
		jobRepo:    jobRepo,
		stageRepo:  stageRepo,
		gw:         gw,
		bus:        bus,
		dispatcher: dispatcher,
		claimer:    claimer,
		reclaimer:  reclaimer,
		cfg:        cfg,
	}
}

// Create 创建任务并提交后台执行
func (s *JobService) Create(userID int64, req *dto.CreateJobRequest) (*dto.CreateJobResponse, error) {
	repoURL := strings.TrimSpace(req.RepoURL)
	if err := sandbox.ValidateRepoURL(repoURL, s.cfg.Sandbox.RecognizedPrefixes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRepoURL, err)
	}
	style := req.Style
	if style == "" {
		style = model.StyleTechnical
	}

	job := &model.Job{
		ID:      uuid.NewString(),
		UserID:  userID,
		RepoURL: repoURL,
		Style:   style,
		Status:  model.JobStatusQueued,
	}
	if err := s.jobRepo.Create(job); err != nil {
		return nil, err
	}
	s.bus.Publish(job.ID, eventbus.NewStatus(model.JobStatusQueued, "Job queued"))

	if err := s.dispatcher.DispatchPipeline(job.ID, repoURL); err != nil {
		log.Printf("Job %s: dispatch failed: %v", job.ID, err)
		if merr := s.jobRepo.MarkFailed(job.ID, ErrBusy.Error()); merr != nil {
			log.Printf("Job %s: failed to mark failed: %v", job.ID, merr)
		}
		return nil, ErrBusy
	}

	return &dto.CreateJobResponse{JobID: job.ID, Status: job.Status}, nil
}

func (s *JobService) getJob(jobID string) (*model.Job, error) {
	job, err := s.jobRepo.GetByID(jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// getOwnedJob 任务必须属于 userID
func (s *JobService) getOwnedJob(userID int64, jobID string) (*model.Job, error) {
	job, err := s.getJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrJobPermission
	}
	return job, nil
}

// Get 读取任务完整投影
func (s *JobService) Get(jobID string) (*dto.JobDetail, error) {
	job, err := s.getJob(jobID)
	if err != nil {
		return nil, err
	}
	return s.detail(job)
}

func (s *JobService) detail(job *model.Job) (*dto.JobDetail, error) {
	stages, err := s.stageRepo.GetAll(job.ID)
	if err != nil {
		return nil, err
	}
	return toJobDetail(job, stages), nil
}

// List 获取用户的任务列表
func (s *JobService) List(userID int64, page, pageSize int, status string) ([]*dto.JobListItem, int64, error) {
	jobs, total, err := s.jobRepo.ListByUserID(userID, page, pageSize, status)
	if err != nil {
		return nil, 0, err
	}

	items := make([]*dto.JobListItem, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, &dto.JobListItem{
			ID:            j.ID,
			RepoURL:       j.RepoURL,
			Status:        j.Status,
			PartialStatus: j.PartialStatus,
			CreatedAt:     j.CreatedAt.Format(timeLayout),
		})
	}
	return items, total, nil
}

// RetryStage 同步认领，异步执行
func (s *JobService) RetryStage(jobID, stage string) (*dto.RetryStageResponse, error) {
	if !model.IsValidStage(stage) {
		return nil, ErrInvalidStage
	}
	prev, err := s.stageRepo.Get(jobID, stage)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := s.claimer.ClaimRetry(jobID, stage); err != nil {
		switch {
		case errors.Is(err, worker.ErrJobNotFound):
			return nil, ErrJobNotFound
		case errors.Is(err, worker.ErrStageNotRetryable):
			return nil, ErrStageNotRetryable
		case errors.Is(err, worker.ErrStageNotFailed):
			return nil, ErrStageNotFailed
		}
		return nil, err
	}

	if err := s.dispatcher.DispatchRetry(jobID, stage); err != nil {
		// 认领已生效，退回 failed 以便再次重试
		now := time.Now()
		if ferr := s.stageRepo.Fail(jobID, stage, now, now, prev.Error); ferr != nil {
			log.Printf("Job %s: failed to release retry claim on %s: %v", jobID, stage, ferr)
		}
		log.Printf("Job %s: retry dispatch failed: %v", jobID, err)
		return nil, ErrBusy
	}

	return &dto.RetryStageResponse{JobID: jobID, Stage: stage, Status: model.StageStatusInProgress}, nil
}

// ResumeSandbox 恢复沙箱并确保仓库存在，刷新空闲计时
func (s *JobService) ResumeSandbox(ctx context.Context, jobID string) (*sandbox.Handle, error) {
	job, err := s.getJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobStatusDestroyed {
		return nil, ErrSandboxDestroyed
	}
	if job.SandboxName == "" {
		return nil, ErrJobNotComplete
	}

	h, err := s.gw.Resume(ctx, job.SandboxName)
	if err != nil {
		return nil, fmt.Errorf("resume sandbox: %w", err)
	}
	if ok, reason := s.gw.EnsureRepoPresent(ctx, h, job.RepoURL); !ok {
		s.gw.Pause(ctx, h)
		return nil, fmt.Errorf("restore repository: %s", reason)
	}
	if job.SandboxPaused {
		if err := s.jobRepo.SetSandboxPaused(jobID, false); err != nil {
			log.Printf("Job %s: failed to mark sandbox running: %v", jobID, err)
		}
	}
	s.reclaimer.Touch(jobID)
	return h, nil
}

// DeleteSandbox 永久删除沙箱，只允许在暂停状态下执行
func (s *JobService) DeleteSandbox(ctx context.Context, jobID string) error {
	job, err := s.getJob(jobID)
	if err != nil {
		return err
	}
	if job.Status == model.JobStatusDestroyed {
		return ErrSandboxDestroyed
	}
	if job.SandboxName == "" || !job.SandboxPaused {
		return ErrSandboxNotPaused
	}
	// 重试认领后、恢复沙箱前 paused 仍为 true
	busy, err := s.stageRepo.HasInProgress(jobID)
	if err != nil {
		return err
	}
	if busy {
		return ErrStageRunning
	}

	s.reclaimer.Cancel(jobID)
	if err := s.gw.Delete(ctx, job.SandboxName); err != nil {
		return err
	}
	if err := s.jobRepo.MarkDestroyed(jobID); err != nil {
		return err
	}
	s.bus.Publish(jobID, eventbus.NewStatus(model.JobStatusDestroyed, "Sandbox deleted"))
	log.Printf("Job %s: sandbox %s deleted", jobID, job.SandboxName)
	return nil
}

// SoftDelete 软删除，沙箱由清理任务回收
func (s *JobService) SoftDelete(userID int64, jobID string) error {
	if _, err := s.getOwnedJob(userID, jobID); err != nil {
		return err
	}
	if err := s.jobRepo.SoftDelete(jobID); err != nil {
		return err
	}
	s.reclaimer.Cancel(jobID)
	s.bus.Clear(jobID)
	return nil
}

// Share 生成分享 token，已有时直接返回
func (s *JobService) Share(userID int64, jobID string) (*dto.ShareJobResponse, error) {
	job, err := s.getOwnedJob(userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted {
		return nil, ErrJobNotComplete
	}
	if job.ShareToken != nil && *job.ShareToken != "" {
		return &dto.ShareJobResponse{ShareToken: *job.ShareToken}, nil
	}

	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.jobRepo.SetShareToken(jobID, token); err != nil {
		return nil, err
	}
	return &dto.ShareJobResponse{ShareToken: token}, nil
}

// GetShared 通过分享 token 读取只读投影
func (s *JobService) GetShared(token string) (*dto.JobDetail, error) {
	job, err := s.jobRepo.GetByShareToken(token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	detail, err := s.detail(job)
	if err != nil {
		return nil, err
	}
	// 分享页不暴露沙箱状态
	detail.SandboxPaused = true
	return detail, nil
}

// Subscribe 先回放缓冲区再接收实时事件。缓冲区为空时用当前任务状态补一条
func (s *JobService) Subscribe(jobID string, l eventbus.Listener) ([]eventbus.Event, func(), error) {
	job, err := s.getJob(jobID)
	if err != nil {
		return nil, nil, err
	}
	replay, unsubscribe := s.bus.SubscribeWithReplay(jobID, l)
	if len(replay) == 0 {
		replay = append(replay, snapshotEvent(job))
	}
	return replay, unsubscribe, nil
}

func snapshotEvent(job *model.Job) eventbus.Event {
	var ev eventbus.Event
	switch {
	case job.Status == model.JobStatusCompleted:
		ev = eventbus.NewComplete(job.PartialStatus, "Analysis completed")
	case job.Status == model.JobStatusFailed:
		ev = eventbus.NewError(job.ErrorMessage, "Analysis failed")
	default:
		ev = eventbus.NewStatus(job.Status, "Current status")
	}
	ev.JobID = job.ID
	ev.Timestamp = job.UpdatedAt
	return ev
}

func toJobDetail(job *model.Job, stages model.StageMap) *dto.JobDetail {
	d := &dto.JobDetail{
		ID:            job.ID,
		RepoURL:       job.RepoURL,
		Style:         job.Style,
		Status:        job.Status,
		PartialStatus: job.PartialStatus,
		ErrorMessage:  job.ErrorMessage,
		Markdown:      job.Markdown,
		ArtifactURLs:  job.ArtifactURLs,
		SandboxPaused: job.SandboxPaused,
		Stages:        stages,
		CreatedAt:     job.CreatedAt.Format(timeLayout),
	}
	if job.DiagramJSON != "" {
		d.Diagram = json.RawMessage(job.DiagramJSON)
	}
	if job.OwnershipJSON != "" {
		d.Ownership = json.RawMessage(job.OwnershipJSON)
	}
	if job.StartedAt != nil {
		d.StartedAt = job.StartedAt.Format(timeLayout)
	}
	if job.CompletedAt != nil {
		d.CompletedAt = job.CompletedAt.Format(timeLayout)
	}
	return d
}
