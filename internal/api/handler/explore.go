package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/codeatlas/internal/pkg/response"
	"github.com/qs3c/codeatlas/internal/service"
)

type ExploreHandler struct {
	exploreService *service.ExploreService
}

func NewExploreHandler(exploreService *service.ExploreService) *ExploreHandler {
	return &ExploreHandler{exploreService: exploreService}
}

// Files 列出目录
// GET /api/v1/jobs/:id/files?path=
func (h *ExploreHandler) Files(c *gin.Context) {
	items, err := h.exploreService.ListDir(c.Request.Context(), c.Param("id"), c.Query("path"))
	if err != nil {
		writeJobError(c, err)
		return
	}

	response.Success(c, items)
}

// File 读取文件
// GET /api/v1/jobs/:id/file?path=
func (h *ExploreHandler) File(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		response.ParamError(c, "缺少 path 参数")
		return
	}

	content, err := h.exploreService.ReadFile(c.Request.Context(), c.Param("id"), path)
	if err != nil {
		writeJobError(c, err)
		return
	}

	response.Success(c, content)
}

// Grep 搜索
// GET /api/v1/jobs/:id/grep?q=&path=
func (h *ExploreHandler) Grep(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		response.ParamError(c, "缺少 q 参数")
		return
	}

	matches, err := h.exploreService.Grep(c.Request.Context(), c.Param("id"), q, c.Query("path"))
	if err != nil {
		writeJobError(c, err)
		return
	}

	response.Success(c, matches)
}
