// Package idle 交互结束一段时间后暂停任务沙箱
package idle

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/qs3c/codeatlas/internal/repository"
	"github.com/qs3c/codeatlas/internal/sandbox"
)

const (
	DefaultTimeout = 30 * time.Second
	pauseTimeout   = 30 * time.Second
)

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Reclaimer 每个任务最多一个计时器，Touch 重新计时
type Reclaimer struct {
	gw        sandbox.Gateway
	jobRepo   *repository.JobRepository
	stageRepo *repository.StageRepository
	timeout   time.Duration

	mu      sync.Mutex
	timers  map[string]*entry
	gen     uint64
	stopped bool

	// onReclaim 测试钩子
	onReclaim func(jobID string)
}

func NewReclaimer(gw sandbox.Gateway, jobRepo *repository.JobRepository, stageRepo *repository.StageRepository, timeout time.Duration) *Reclaimer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reclaimer{
		gw:        gw,
		jobRepo:   jobRepo,
		stageRepo: stageRepo,
		timeout:   timeout,
		timers:    make(map[string]*entry),
	}
}

// Touch 记录一次交互，取消旧计时器并重新开始计时
func (r *Reclaimer) Touch(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	if e, ok := r.timers[jobID]; ok {
		e.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.timers[jobID] = &entry{
		gen:   gen,
		timer: time.AfterFunc(r.timeout, func() { r.fire(jobID, gen) }),
	}
}

// Cancel 取消计时，例如沙箱被删除
func (r *Reclaimer) Cancel(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.timers[jobID]; ok {
		e.timer.Stop()
		delete(r.timers, jobID)
	}
}

// Pending 是否有等待中的计时器
func (r *Reclaimer) Pending(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[jobID]
	return ok
}

// Stop 停止全部计时器，之后的 Touch 被忽略
func (r *Reclaimer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, e := range r.timers {
		e.timer.Stop()
		delete(r.timers, id)
	}
}

func (r *Reclaimer) fire(jobID string, gen uint64) {
	r.mu.Lock()
	e, ok := r.timers[jobID]
	// 已被新的 Touch 取代，或已取消
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.timers, jobID)
	r.mu.Unlock()

	r.reclaim(jobID)
}

func (r *Reclaimer) reclaim(jobID string) {
	job, err := r.jobRepo.GetByID(jobID)
	if err != nil {
		log.Printf("Reclaimer: failed to get job %s: %v", jobID, err)
		return
	}
	if job.SandboxName == "" || job.SandboxPaused {
		return
	}
	// 流水线或重试仍在使用沙箱，由它们结束时暂停
	if !job.IsTerminal() {
		return
	}
	if busy, err := r.stageRepo.HasInProgress(jobID); err != nil || busy {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pauseTimeout)
	defer cancel()
	r.gw.Pause(ctx, &sandbox.Handle{Name: job.SandboxName})

	if err := r.jobRepo.SetSandboxPaused(jobID, true); err != nil {
		log.Printf("Reclaimer: failed to mark job %s paused: %v", jobID, err)
		return
	}
	log.Printf("Reclaimer: job %s sandbox %s paused after %s idle", jobID, job.SandboxName, r.timeout)

	if r.onReclaim != nil {
		r.onReclaim(jobID)
	}
}
