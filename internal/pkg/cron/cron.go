package cron

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/codeatlas/internal/model"
	"github.com/qs3c/codeatlas/internal/pkg/eventbus"
	"github.com/qs3c/codeatlas/internal/repository"
	"github.com/qs3c/codeatlas/internal/sandbox"
	"github.com/qs3c/codeatlas/internal/worker"
)

const batchSize = 50

// EventBuffers 进程内按任务保存的事件缓冲区
type EventBuffers interface {
	IdleJobs(cutoff time.Time) []string
	Evict(jobID string, cutoff time.Time) bool
}

// Options 清理参数
type Options struct {
	// ArtifactDir 本地产物根目录，其下为 jobs/<id>/
	ArtifactDir string
	ExpireHours int
	StaleAfter  time.Duration
	Interval    time.Duration
	// Buffers 为 nil 时不回收事件缓冲区
	Buffers         EventBuffers
	BufferRetention time.Duration
}

type Service struct {
	jobRepo   *repository.JobRepository
	stageRepo *repository.StageRepository
	gw        sandbox.Gateway
	events    eventbus.Publisher
	opts      Options
	now       func() time.Time
	stopChan  chan struct{}
}

func NewService(
	jobRepo *repository.JobRepository,
	stageRepo *repository.StageRepository,
	gw sandbox.Gateway,
	events eventbus.Publisher,
	opts Options,
) *Service {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Hour
	}
	if opts.BufferRetention <= 0 {
		opts.BufferRetention = 30 * time.Minute
	}
	return &Service{
		jobRepo:   jobRepo,
		stageRepo: stageRepo,
		gw:        gw,
		events:    events,
		opts:      opts,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Start 启动定时任务
func (s *Service) Start() {
	go s.runCleanup()
	log.Println("Cron service started (stale stages + sandbox reaping + artifact cleanup + event buffers)")
}

// Stop 停止定时任务
func (s *Service) Stop() {
	close(s.stopChan)
	log.Println("Cron service stopped")
}

// runCleanup 按固定间隔执行全量清理，启动时先执行一次
func (s *Service) runCleanup() {
	s.RunNow()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunNow()
		}
	}
}

// Summary 单次清理结果
type Summary struct {
	StaleStages int
	StaleJobs   int
	Sandboxes   int
	Artifacts   int
	Buffers     int
}

// RunNow 立即执行所有清理任务
func (s *Service) RunNow() Summary {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var sum Summary
	sum.StaleStages, sum.StaleJobs = s.recoverStale()
	sum.Sandboxes = s.reapDeletedSandboxes(ctx)
	sum.Artifacts = s.cleanupArtifactDirs()
	sum.Buffers = s.evictEventBuffers()

	if sum.StaleStages+sum.StaleJobs+sum.Sandboxes+sum.Artifacts+sum.Buffers > 0 {
		log.Printf("Cleanup summary: stale_stages=%d, stale_jobs=%d, sandboxes=%d, artifacts=%d, buffers=%d",
			sum.StaleStages, sum.StaleJobs, sum.Sandboxes, sum.Artifacts, sum.Buffers)
	}
	return sum
}

// recoverStale 进程退出后遗留的 in_progress 阶段标记为失败，所属任务随之结束
func (s *Service) recoverStale() (int, int) {
	now := s.now()
	cutoff := now.Add(-s.opts.StaleAfter)

	records, err := s.stageRepo.ListStale(cutoff, batchSize)
	if err != nil {
		log.Printf("Cleanup stale: failed to list stages: %v", err)
		return 0, 0
	}

	stages := 0
	touched := make(map[string]struct{})
	for _, rec := range records {
		started := now
		if rec.StartedAt != nil {
			started = *rec.StartedAt
		}
		msg := fmt.Sprintf("%s interrupted: no progress since %s", rec.Stage, started.Format(time.RFC3339))
		if err := s.stageRepo.Fail(rec.JobID, rec.Stage, started, now, msg); err != nil {
			if !errors.Is(err, repository.ErrStageTransition) {
				log.Printf("Cleanup stale: failed to fail %s/%s: %v", rec.JobID, rec.Stage, err)
			}
			continue
		}
		s.events.Publish(rec.JobID, eventbus.NewStageFailed(rec.Stage, msg, fmt.Sprintf("%s interrupted", rec.Stage)))
		touched[rec.JobID] = struct{}{}
		stages++
	}

	// 没有进行中阶段却停留在中间状态的任务
	for _, status := range []string{model.JobStatusQueued, model.JobStatusCloning, model.JobStatusAnalyzing, model.JobStatusGenerating} {
		jobs, err := s.jobRepo.ListByStatus(status, batchSize)
		if err != nil {
			log.Printf("Cleanup stale: failed to list %s jobs: %v", status, err)
			continue
		}
		for _, job := range jobs {
			if job.UpdatedAt.Before(cutoff) {
				touched[job.ID] = struct{}{}
			}
		}
	}

	jobs := 0
	for jobID := range touched {
		if s.settle(jobID) {
			jobs++
		}
	}
	return stages, jobs
}

// settle 未结束的任务标记为失败；已完成的任务（重试中断）重新计算 partial 状态
func (s *Service) settle(jobID string) bool {
	job, err := s.jobRepo.GetByIDUnscoped(jobID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("Cleanup stale: failed to load job %s: %v", jobID, err)
		}
		return false
	}
	if has, err := s.stageRepo.HasInProgress(jobID); err != nil || has {
		return false
	}

	if job.Status == model.JobStatusCompleted {
		stages, err := s.stageRepo.GetAll(jobID)
		if err != nil {
			return false
		}
		partial := worker.DerivePartialStatus(stages)
		if partial != job.PartialStatus {
			if err := s.jobRepo.SetPartialStatus(jobID, partial); err != nil {
				log.Printf("Cleanup stale: failed to update partial status of %s: %v", jobID, err)
			}
		}
		return false
	}
	if job.IsTerminal() {
		return false
	}

	const msg = "分析中断，请重新提交"
	if err := s.jobRepo.MarkFailed(jobID, msg); err != nil {
		log.Printf("Cleanup stale: failed to mark job %s failed: %v", jobID, err)
		return false
	}
	s.events.Publish(jobID, eventbus.NewStatus(model.JobStatusFailed, "Pipeline interrupted"))
	s.events.Publish(jobID, eventbus.NewError(msg, "Pipeline interrupted"))
	log.Printf("Job %s: recovered stale job in status %s", jobID, job.Status)
	return true
}

// reapDeletedSandboxes 永久删除软删除任务的沙箱
func (s *Service) reapDeletedSandboxes(ctx context.Context) int {
	jobs, err := s.jobRepo.ListSoftDeletedWithSandbox(batchSize)
	if err != nil {
		log.Printf("Cleanup sandboxes: failed to list jobs: %v", err)
		return 0
	}

	cleaned := 0
	for _, job := range jobs {
		if err := s.gw.Delete(ctx, job.SandboxName); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
			log.Printf("Cleanup sandboxes: failed to delete %s: %v", job.SandboxName, err)
			continue
		}
		if err := s.jobRepo.MarkDestroyed(job.ID); err != nil {
			log.Printf("Cleanup sandboxes: failed to mark job %s destroyed: %v", job.ID, err)
			continue
		}
		cleaned++
	}
	return cleaned
}

// cleanupArtifactDirs 清理任务已删除且过期的本地产物目录（<ArtifactDir>/jobs/<job_id>/）
func (s *Service) cleanupArtifactDirs() int {
	if s.opts.ArtifactDir == "" {
		return 0
	}
	expireHours := s.opts.ExpireHours
	if expireHours <= 0 {
		expireHours = 1
	}
	expireDuration := time.Duration(expireHours) * time.Hour

	jobsDir := filepath.Join(s.opts.ArtifactDir, "jobs")
	entries, err := os.ReadDir(jobsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Cleanup artifacts: failed to read dir %s: %v", jobsDir, err)
		}
		return 0
	}

	cleaned := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || s.now().Sub(info.ModTime()) <= expireDuration {
			continue
		}

		job, err := s.jobRepo.GetByIDUnscoped(entry.Name())
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			continue
		case !job.DeletedAt.Valid:
			// 仍被 local:// 地址引用
			continue
		}

		dirPath := filepath.Join(jobsDir, entry.Name())
		if err := os.RemoveAll(dirPath); err != nil {
			log.Printf("Cleanup artifacts: failed to remove %s: %v", dirPath, err)
		} else {
			cleaned++
		}
	}
	return cleaned
}

// evictEventBuffers 释放已结束或已删除任务的事件缓冲区。仍在运行的任务保留，订阅时需要回放
func (s *Service) evictEventBuffers() int {
	if s.opts.Buffers == nil {
		return 0
	}
	cutoff := s.now().Add(-s.opts.BufferRetention)

	evicted := 0
	for _, jobID := range s.opts.Buffers.IdleJobs(cutoff) {
		job, err := s.jobRepo.GetByIDUnscoped(jobID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			log.Printf("Cleanup buffers: failed to load job %s: %v", jobID, err)
			continue
		case !job.DeletedAt.Valid && !job.IsTerminal():
			continue
		}
		if s.opts.Buffers.Evict(jobID, cutoff) {
			evicted++
		}
	}
	return evicted
}
