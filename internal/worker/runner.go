package worker

import (
	"context"
	"errors"
	"log"
	"sync"
)

var (
	ErrRunnerFull    = errors.New("runner queue is full")
	ErrRunnerStopped = errors.New("runner is stopped")
)

// Task 后台任务
type Task func(ctx context.Context)

type namedTask struct {
	name string
	fn   Task
}

// Runner 固定数量的 goroutine 从带缓冲的 channel 中取任务执行
type Runner struct {
	workers int
	tasks   chan namedTask

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewRunner(workers, buffer int) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if buffer < 0 {
		buffer = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		workers: workers,
		tasks:   make(chan namedTask, buffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动 worker goroutine
func (r *Runner) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.loop(i)
	}
	log.Printf("Runner started with %d workers", r.workers)
}

func (r *Runner) loop(id int) {
	defer r.wg.Done()
	for t := range r.tasks {
		r.run(id, t)
	}
}

func (r *Runner) run(id int, t namedTask) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Runner worker %d: task %s panicked: %v", id, t.name, rec)
		}
	}()
	t.fn(r.ctx)
}

// Submit 非阻塞提交，队列已满返回 ErrRunnerFull
func (r *Runner) Submit(name string, fn Task) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return ErrRunnerStopped
	}
	select {
	case r.tasks <- namedTask{name: name, fn: fn}:
		return nil
	default:
		return ErrRunnerFull
	}
}

// Shutdown 停止接收新任务并等待已提交任务结束，ctx 到期后取消正在执行的任务
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.tasks)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
