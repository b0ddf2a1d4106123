package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/codeatlas/config"
	"github.com/qs3c/codeatlas/internal/pkg/response"
	"github.com/qs3c/codeatlas/internal/pkg/ws"
)

type HealthHandler struct {
	cfg *config.Config
	hub *ws.Hub
}

func NewHealthHandler(cfg *config.Config, hub *ws.Hub) *HealthHandler {
	return &HealthHandler{cfg: cfg, hub: hub}
}

// Health 存活检查，附带运行模式
// GET /api/v1/health
func (h *HealthHandler) Health(c *gin.Context) {
	response.Success(c, gin.H{
		"status":          "ok",
		"queue_mode":      h.cfg.Queue.Mode,
		"storage":         h.cfg.Storage.Driver,
		"agent_available": h.cfg.Agent.AgentAPIKey() != "",
		"ws_connections":  h.hub.ConnectionCount(),
	})
}
