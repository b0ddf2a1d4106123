package worker

import (
	"context"
	"errors"
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/qs3c/codeatlas/internal/model"
	"github.com/qs3c/codeatlas/internal/pkg/eventbus"
	"github.com/qs3c/codeatlas/internal/repository"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrStageNotRetryable = errors.New("stage is not retryable")
	ErrStageNotFailed    = errors.New("stage is not in failed status")
)

// ValidateRetry 检查重试前置条件，不修改任何状态
func (p *Processor) ValidateRetry(jobID, stage string) (*model.Job, error) {
	if !IsRetryable(stage) {
		return nil, fmt.Errorf("%w: %s", ErrStageNotRetryable, stage)
	}

	job, err := p.jobRepo.GetByID(jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job is %s", ErrStageNotFailed, job.Status)
	}

	rec, err := p.stageRepo.Get(jobID, stage)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.Status != model.StageStatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrStageNotFailed, stage, rec.Status)
	}
	return job, nil
}

// ClaimRetry 校验并把阶段从 failed 置为 in_progress。
// 并发请求中只有一个能完成条件更新，其余返回 ErrStageNotFailed
func (p *Processor) ClaimRetry(jobID, stage string) error {
	if _, err := p.ValidateRetry(jobID, stage); err != nil {
		return err
	}
	err := p.stageRepo.ClaimRetry(jobID, stage, p.now())
	if errors.Is(err, repository.ErrStageTransition) {
		return fmt.Errorf("%w: %s is already being retried", ErrStageNotFailed, stage)
	}
	return err
}

// ExecuteRetry 执行已认领的重试：恢复沙箱，用最新的持久化输入重跑该阶段
func (p *Processor) ExecuteRetry(ctx context.Context, jobID, stage string) error {
	job, err := p.jobRepo.GetByID(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	rec, err := p.stageRepo.Get(jobID, stage)
	if err != nil {
		return fmt.Errorf("failed to get stage: %w", err)
	}
	if rec.Status != model.StageStatusInProgress {
		return fmt.Errorf("%w: %s is %s", ErrStageNotFailed, stage, rec.Status)
	}
	start := p.now()
	if rec.StartedAt != nil {
		start = *rec.StartedAt
	}

	p.publish(jobID, eventbus.NewStageStart(stage, fmt.Sprintf("Retrying %s", stage)))
	log.Printf("Job %s: retrying stage %s (attempt %d)", jobID, stage, rec.Attempts)

	name := job.SandboxName
	if name == "" {
		name = SandboxName(jobID)
	}

	err = p.finishStage(ctx, jobID, stage, start, func(ctx context.Context) error {
		h, err := p.sandbox.Resume(ctx, name)
		if err != nil {
			return fmt.Errorf("sandbox resume failed: %w", err)
		}
		if err := p.jobRepo.SetSandboxPaused(jobID, false); err != nil {
			log.Printf("Job %s: failed to mark sandbox running: %v", jobID, err)
		}
		defer p.release(ctx, jobID, h)

		if ok, reason := p.sandbox.EnsureRepoPresent(ctx, h, job.RepoURL); !ok {
			return errors.New(reason)
		}
		return p.execute(ctx, jobID, stage, h)
	})

	stages, serr := p.stageRepo.GetAll(jobID)
	if serr != nil {
		log.Printf("Job %s: failed to read stages after retry: %v", jobID, serr)
		return err
	}
	partial := job.PartialStatus
	if !hasFailed(stages) {
		partial = model.PartialStatusComplete
		if uerr := p.jobRepo.SetPartialStatus(jobID, partial); uerr != nil {
			log.Printf("Job %s: failed to update partial status: %v", jobID, uerr)
		}
	}
	// 失败时同样发 complete，订阅方据此得知本次重试结束，partial 保持不变
	message := fmt.Sprintf("Retry of %s completed", stage)
	if err != nil {
		message = fmt.Sprintf("Retry of %s failed", stage)
	}
	p.publish(jobID, eventbus.NewComplete(partial, message))
	return err
}

// RetryStage 同步执行认领与重试，供 cmd/worker 与测试使用
func (p *Processor) RetryStage(ctx context.Context, jobID, stage string) error {
	if err := p.ClaimRetry(jobID, stage); err != nil {
		return err
	}
	return p.ExecuteRetry(ctx, jobID, stage)
}
