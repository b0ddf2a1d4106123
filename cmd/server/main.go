package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qs3c/codeatlas/config"
	"github.com/qs3c/codeatlas/internal/agent"
	"github.com/qs3c/codeatlas/internal/api"
	"github.com/qs3c/codeatlas/internal/api/handler"
	"github.com/qs3c/codeatlas/internal/database"
	"github.com/qs3c/codeatlas/internal/idle"
	"github.com/qs3c/codeatlas/internal/ownership"
	"github.com/qs3c/codeatlas/internal/pkg/artifact"
	"github.com/qs3c/codeatlas/internal/pkg/cron"
	"github.com/qs3c/codeatlas/internal/pkg/eventbus"
	"github.com/qs3c/codeatlas/internal/pkg/pubsub"
	"github.com/qs3c/codeatlas/internal/pkg/queue"
	"github.com/qs3c/codeatlas/internal/pkg/ws"
	"github.com/qs3c/codeatlas/internal/repository"
	"github.com/qs3c/codeatlas/internal/sandbox"
	"github.com/qs3c/codeatlas/internal/service"
	"github.com/qs3c/codeatlas/internal/worker"
)

func main() {
	// 加载配置
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := handler.RegisterValidators(cfg.Sandbox.RecognizedPrefixes); err != nil {
		log.Fatalf("Failed to register validators: %v", err)
	}

	// 初始化数据库
	db, err := database.Open(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}
	log.Println("Database connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化 Repository
	jobRepo := repository.NewJobRepository(db)
	stageRepo := repository.NewStageRepository(db)

	// 沙箱、Agent、归属解析
	gw, err := sandbox.NewLocal(&cfg.Sandbox)
	if err != nil {
		log.Fatalf("Failed to init sandbox: %v", err)
	}
	explorer := sandbox.NewExplorer(gw, cfg.Sandbox.MaxReadBytes, cfg.Sandbox.MaxGrepResults)
	ag := agent.NewGemini(&cfg.Agent, gw, explorer)
	owners := ownership.NewCached(ownership.NewGitHub(&cfg.Ownership), cfg.Ownership.CacheSize,
		time.Duration(cfg.Ownership.CacheTTLMins)*time.Minute)

	// 产物存储，远端不可用时落本地
	localStore, err := artifact.NewLocal(artifact.LocalRoot(cfg))
	if err != nil {
		log.Fatalf("Failed to init local artifact store: %v", err)
	}
	store, err := artifact.New(cfg)
	if err != nil {
		log.Printf("Warning: Failed to init %s artifact store, using local: %v", cfg.Storage.Driver, err)
		store = localStore
	}
	// redis 模式下由 cmd/worker 负责补传
	if store.Name() != localStore.Name() && cfg.Queue.Mode != "redis" {
		go worker.NewReuploader(jobRepo, localStore, store).Start(ctx)
	}

	bus := eventbus.New(cfg.EventBus.BufferSize)
	processor := worker.NewProcessor(jobRepo, stageRepo, gw, ag, owners, store, bus, cfg).
		WithLocalFallback(localStore)

	// 任务执行方式
	var (
		dispatcher service.Dispatcher
		runner     *worker.Runner
	)
	switch cfg.Queue.Mode {
	case "redis":
		rdb, err := database.NewRedis(&cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect redis: %v", err)
		}
		log.Println("Redis connected")
		dispatcher = worker.NewQueueDispatcher(queue.NewQueue(rdb, cfg.Queue.PipelineQueue))

		// worker 进程的事件经 Redis 转发进本地 EventBus
		subscriber := pubsub.NewSubscriber(rdb, cfg.EventBus.Channel)
		go func() {
			if err := subscriber.Forward(ctx, bus); err != nil && ctx.Err() == nil {
				log.Printf("Event relay stopped: %v", err)
			}
		}()
	default:
		runner = worker.NewRunner(cfg.Queue.MaxWorkers, cfg.Queue.Buffer)
		runner.Start()
		dispatcher = worker.NewLocalDispatcher(runner, processor)
	}
	log.Printf("Queue mode: %s", cfg.Queue.Mode)

	reclaimer := idle.NewReclaimer(gw, jobRepo, stageRepo, cfg.Sandbox.IdleTimeout())

	// 定时清理
	cronService := cron.NewService(jobRepo, stageRepo, gw, bus, cron.Options{
		ArtifactDir: artifact.LocalRoot(cfg),
		ExpireHours: cfg.Upload.ExpireHours,
		StaleAfter:  time.Duration(cfg.Pipeline.StaleAfterMins) * time.Minute,

		Buffers:         bus,
		BufferRetention: cfg.EventBus.Retention(),
	})
	cronService.Start()

	// 初始化 WebSocket Hub
	wsHub := ws.NewHub()

	// 初始化 Service
	jobService := service.NewJobService(jobRepo, stageRepo, gw, bus, dispatcher, processor, reclaimer, cfg)
	chatService := service.NewChatService(jobService, ag, reclaimer)
	exploreService := service.NewExploreService(jobService, explorer)

	// 初始化 Router
	router := api.NewRouter(
		handler.NewJobHandler(jobService, wsHub),
		handler.NewStreamHandler(jobService),
		handler.NewWebSocketHandler(wsHub, jobService, cfg.CORS.AllowedOrigins),
		handler.NewChatHandler(chatService),
		handler.NewExploreHandler(exploreService),
		handler.NewHealthHandler(cfg, wsHub),
		cfg,
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.Setup(),
	}

	go func() {
		log.Printf("Server starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 监听退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if runner != nil {
		if err := runner.Shutdown(shutdownCtx); err != nil {
			log.Printf("Runner shutdown error: %v", err)
		}
	}
	reclaimer.Stop()
	cronService.Stop()
	cancel()
	log.Println("Server shutdown complete")
}
