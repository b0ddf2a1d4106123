package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/codeatlas/internal/model/dto"
	"github.com/qs3c/codeatlas/internal/pkg/response"
	"github.com/qs3c/codeatlas/internal/service"
)

type ChatHandler struct {
	chatService *service.ChatService
}

func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// Chat 针对已分析仓库提问
// POST /api/v1/jobs/:id/chat
func (h *ChatHandler) Chat(c *gin.Context) {
	var req dto.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	resp, err := h.chatService.Chat(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		writeJobError(c, err)
		return
	}

	response.Success(c, resp)
}
