package handler

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/qs3c/codeatlas/internal/api/middleware"
	"github.com/qs3c/codeatlas/internal/pkg/eventbus"
	"github.com/qs3c/codeatlas/internal/pkg/ws"
	"github.com/qs3c/codeatlas/internal/service"
)

type WebSocketHandler struct {
	hub        *ws.Hub
	jobService *service.JobService
	upgrader   websocket.Upgrader
}

// NewWebSocketHandler 浏览器连接按 cors.allowed_origins 校验 Origin，无 Origin 的客户端直接放行
func NewWebSocketHandler(hub *ws.Hub, jobService *service.JobService, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		hub:        hub,
		jobService: jobService,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(allowedOrigins, origin)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

type wsSink struct {
	client *ws.Client
}

func (s wsSink) Send(ev eventbus.Event) error {
	return s.client.WriteJSON(ev)
}

func (s wsSink) Heartbeat() error {
	return s.client.WritePing()
}

// Handle WebSocket 事件流，内容与 SSE 相同
// GET /api/v1/jobs/:id/ws
func (h *WebSocketHandler) Handle(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := h.jobService.Get(jobID); err != nil {
		writeJobError(c, err)
		return
	}

	// 升级连接
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	client := ws.NewClient(jobID, conn)
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// 读取消息只用于检测断开
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := streamEvents(ctx, h.jobService, jobID, wsSink{client: client}); err != nil {
		log.Printf("Job %s: ws stream closed: %v", jobID, err)
	}
	client.Close("stream finished")
}
