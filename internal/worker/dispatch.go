package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/qs3c/codeatlas/internal/pkg/queue"
)

const pushTimeout = 5 * time.Second

// LocalDispatcher 在当前进程的 Runner 中执行
type LocalDispatcher struct {
	runner    *Runner
	processor *Processor
}

func NewLocalDispatcher(runner *Runner, processor *Processor) *LocalDispatcher {
	return &LocalDispatcher{runner: runner, processor: processor}
}

func (d *LocalDispatcher) DispatchPipeline(jobID, repoURL string) error {
	return d.runner.Submit("pipeline:"+jobID, func(ctx context.Context) {
		if err := d.processor.RunPipeline(ctx, jobID, repoURL); err != nil {
			log.Printf("Job %s: pipeline failed: %v", jobID, err)
		}
	})
}

func (d *LocalDispatcher) DispatchRetry(jobID, stage string) error {
	return d.runner.Submit("retry:"+jobID+":"+stage, func(ctx context.Context) {
		if err := d.processor.ExecuteRetry(ctx, jobID, stage); err != nil {
			log.Printf("Job %s: retry of %s failed: %v", jobID, stage, err)
		}
	})
}

// QueueDispatcher 推入 Redis 队列，由 cmd/worker 执行
type QueueDispatcher struct {
	queue *queue.Queue
}

func NewQueueDispatcher(q *queue.Queue) *QueueDispatcher {
	return &QueueDispatcher{queue: q}
}

func (d *QueueDispatcher) DispatchPipeline(jobID, repoURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	return d.queue.Push(ctx, &queue.TaskMessage{Kind: queue.KindPipeline, JobID: jobID, RepoURL: repoURL})
}

func (d *QueueDispatcher) DispatchRetry(jobID, stage string) error {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	return d.queue.Push(ctx, &queue.TaskMessage{Kind: queue.KindRetry, JobID: jobID, Stage: stage})
}

// Handle 执行队列中的一条任务
func (p *Processor) Handle(ctx context.Context, msg *queue.TaskMessage) error {
	switch msg.Kind {
	case queue.KindPipeline, "":
		return p.RunPipeline(ctx, msg.JobID, msg.RepoURL)
	case queue.KindRetry:
		return p.ExecuteRetry(ctx, msg.JobID, msg.Stage)
	}
	return fmt.Errorf("unknown task kind %q", msg.Kind)
}
