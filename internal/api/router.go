package api

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/codeatlas/config"
	"github.com/qs3c/codeatlas/internal/api/handler"
	"github.com/qs3c/codeatlas/internal/api/middleware"
	"github.com/qs3c/codeatlas/internal/pkg/jwt"
)

type Router struct {
	jobHandler       *handler.JobHandler
	streamHandler    *handler.StreamHandler
	websocketHandler *handler.WebSocketHandler
	chatHandler      *handler.ChatHandler
	exploreHandler   *handler.ExploreHandler
	healthHandler    *handler.HealthHandler
	cfg              *config.Config
}

func NewRouter(
	jobHandler *handler.JobHandler,
	streamHandler *handler.StreamHandler,
	websocketHandler *handler.WebSocketHandler,
	chatHandler *handler.ChatHandler,
	exploreHandler *handler.ExploreHandler,
	healthHandler *handler.HealthHandler,
	cfg *config.Config,
) *Router {
	return &Router{
		jobHandler:       jobHandler,
		streamHandler:    streamHandler,
		websocketHandler: websocketHandler,
		chatHandler:      chatHandler,
		exploreHandler:   exploreHandler,
		healthHandler:    healthHandler,
		cfg:              cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(r.cfg.CORS))

	engine.GET("/health", r.healthHandler.Health)

	tokens := jwt.NewManager(&r.cfg.JWT)

	api := engine.Group("/api/v1")
	{
		api.GET("/health", r.healthHandler.Health)

		// 公开接口 - 任务（可选认证，登录后记录归属）
		jobs := api.Group("/jobs")
		jobs.Use(middleware.OptionalAuth(tokens))
		{
			jobs.POST("", r.jobHandler.Create)
			jobs.GET("/:id", r.jobHandler.Get)
			jobs.POST("/:id/stages/:stage/retry", r.jobHandler.Retry)

			// 事件流
			jobs.GET("/:id/events", r.streamHandler.Events)
			jobs.GET("/:id/ws", r.websocketHandler.Handle)

			// 问答与浏览
			jobs.POST("/:id/chat", r.chatHandler.Chat)
			jobs.GET("/:id/files", r.exploreHandler.Files)
			jobs.GET("/:id/file", r.exploreHandler.File)
			jobs.GET("/:id/grep", r.exploreHandler.Grep)

			// 沙箱
			jobs.POST("/:id/sandbox/resume", r.jobHandler.ResumeSandbox)
			jobs.DELETE("/:id/sandbox", r.jobHandler.DeleteSandbox)
		}

		// 分享
		api.GET("/shared/:token", r.jobHandler.GetShared)

		// 需要认证的接口
		authenticated := api.Group("/jobs")
		authenticated.Use(middleware.Auth(tokens))
		{
			authenticated.GET("", r.jobHandler.List)
			authenticated.DELETE("/:id", r.jobHandler.Delete)
			authenticated.POST("/:id/share", r.jobHandler.Share)
		}
	}

	return engine
}
