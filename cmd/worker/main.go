package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/qs3c/codeatlas/config"
	"github.com/qs3c/codeatlas/internal/agent"
	"github.com/qs3c/codeatlas/internal/database"
	"github.com/qs3c/codeatlas/internal/ownership"
	"github.com/qs3c/codeatlas/internal/pkg/artifact"
	"github.com/qs3c/codeatlas/internal/pkg/pubsub"
	"github.com/qs3c/codeatlas/internal/pkg/queue"
	"github.com/qs3c/codeatlas/internal/repository"
	"github.com/qs3c/codeatlas/internal/sandbox"
	"github.com/qs3c/codeatlas/internal/worker"
)

func main() {
	// 加载配置
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化数据库
	db, err := database.Open(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}
	log.Println("Database connected")

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect redis: %v", err)
	}
	log.Println("Redis connected")

	// 初始化产物存储，远端不可用时落本地
	localStore, err := artifact.NewLocal(artifact.LocalRoot(cfg))
	if err != nil {
		log.Fatalf("Failed to init local artifact store: %v", err)
	}
	store, err := artifact.New(cfg)
	if err != nil {
		log.Printf("Warning: Failed to init %s artifact store, using local: %v", cfg.Storage.Driver, err)
		store = localStore
	} else {
		log.Printf("Artifact store: %s", store.Name())
	}

	// 初始化 Queue 和 Pub/Sub
	jobQueue := queue.NewQueue(rdb, cfg.Queue.PipelineQueue)
	publisher := pubsub.NewPublisher(rdb, cfg.EventBus.Channel)

	// 初始化 Repository
	jobRepo := repository.NewJobRepository(db)
	stageRepo := repository.NewStageRepository(db)

	// 沙箱目录需与 server 共享，问答与浏览在 server 中恢复同一个工作区
	gw, err := sandbox.NewLocal(&cfg.Sandbox)
	if err != nil {
		log.Fatalf("Failed to init sandbox: %v", err)
	}
	explorer := sandbox.NewExplorer(gw, cfg.Sandbox.MaxReadBytes, cfg.Sandbox.MaxGrepResults)
	ag := agent.NewGemini(&cfg.Agent, gw, explorer)
	owners := ownership.NewCached(ownership.NewGitHub(&cfg.Ownership), cfg.Ownership.CacheSize,
		time.Duration(cfg.Ownership.CacheTTLMins)*time.Minute)

	// 创建任务处理器
	processor := worker.NewProcessor(jobRepo, stageRepo, gw, ag, owners, store, publisher, cfg).
		WithLocalFallback(localStore)

	// 创建 context 用于优雅关闭
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal")
		cancel()
	}()

	if store.Name() != localStore.Name() {
		go worker.NewReuploader(jobRepo, localStore, store).Start(ctx)
	}

	maxWorkers := cfg.Queue.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	log.Printf("Worker started, max workers: %d", maxWorkers)

	// 启动 worker 循环
	var wg sync.WaitGroup
	for i := 0; i < maxWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					log.Printf("Worker %d shutting down", workerID)
					return
				default:
					// 从队列获取任务
					msg, err := jobQueue.Pop(ctx, 5*time.Second)
					if err != nil {
						if ctx.Err() != nil {
							return
						}
						log.Printf("Worker %d: failed to pop task: %v", workerID, err)
						continue
					}

					if msg == nil {
						continue // 超时，继续等待
					}

					log.Printf("Worker %d: processing %s task for job %s", workerID, msg.Kind, msg.JobID)
					if err := processor.Handle(ctx, msg); err != nil {
						log.Printf("Worker %d: job %s failed: %v", workerID, msg.JobID, err)
					}
				}
			}
		}(i)
	}

	// 等待 context 取消
	<-ctx.Done()
	wg.Wait()
	log.Println("Worker shutdown complete")
}
