package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/codeatlas/internal/api/middleware"
	"github.com/qs3c/codeatlas/internal/model/dto"
	"github.com/qs3c/codeatlas/internal/pkg/response"
	"github.com/qs3c/codeatlas/internal/pkg/ws"
	"github.com/qs3c/codeatlas/internal/service"
)

type JobHandler struct {
	jobService *service.JobService
	hub        *ws.Hub
}

func NewJobHandler(jobService *service.JobService, hub *ws.Hub) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		hub:        hub,
	}
}

// writeJobError 把 service 层错误映射为响应
func writeJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		response.NotFoundError(c, service.ErrJobNotFound.Error())
	case errors.Is(err, service.ErrJobPermission):
		response.PermissionError(c, service.ErrJobPermission.Error())
	case errors.Is(err, service.ErrInvalidRepoURL),
		errors.Is(err, service.ErrInvalidStage),
		errors.Is(err, service.ErrInvalidPath),
		errors.Is(err, service.ErrInvalidPattern):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrFileNotFound):
		response.NotFoundError(c, err.Error())
	case errors.Is(err, service.ErrStageNotRetryable),
		errors.Is(err, service.ErrStageNotFailed),
		errors.Is(err, service.ErrJobNotComplete),
		errors.Is(err, service.ErrSandboxNotPaused),
		errors.Is(err, service.ErrStageRunning),
		errors.Is(err, service.ErrSandboxDestroyed):
		response.PreconditionError(c, err.Error())
	case errors.Is(err, service.ErrBusy):
		response.BusyError(c, err.Error())
	case errors.Is(err, service.ErrAgentUnavailable), errors.Is(err, service.ErrAgentFailed):
		response.BusyError(c, err.Error())
	default:
		response.ServerError(c, "")
	}
}

// Create 提交分析任务，匿名用户也可以提交
// POST /api/v1/jobs
func (h *JobHandler) Create(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	resp, err := h.jobService.Create(userID, &req)
	if err != nil {
		writeJobError(c, err)
		return
	}

	response.Accepted(c, resp)
}

// Get 获取任务详情
// GET /api/v1/jobs/:id
func (h *JobHandler) Get(c *gin.Context) {
	detail, err := h.jobService.Get(c.Param("id"))
	if err != nil {
		writeJobError(c, err)
		return
	}

	response.Success(c, detail)
}

// List 获取当前用户的任务列表
// GET /api/v1/jobs
func (h *JobHandler) List(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	status := c.Query("status")

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	items, total, err := h.jobService.List(userID, page, pageSize, status)
	if err != nil {
		response.ServerError(c, "")
		return
	}

	response.SuccessPage(c, total, page, pageSize, items)
}

// Retry 重试单个失败阶段
// POST /api/v1/jobs/:id/stages/:stage/retry
func (h *JobHandler) Retry(c *gin.Context) {
	resp, err := h.jobService.RetryStage(c.Param("id"), c.Param("stage"))
	if err != nil {
		writeJobError(c, err)
		return
	}

	response.Accepted(c, resp)
}

// Delete 软删除任务
// DELETE /api/v1/jobs/:id
func (h *JobHandler) Delete(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	jobID := c.Param("id")
	if err := h.jobService.SoftDelete(userID, jobID); err != nil {
		writeJobError(c, err)
		return
	}
	h.hub.CloseJob(jobID, "job deleted")

	response.SuccessWithMessage(c, "删除成功", nil)
}

// Share 生成分享链接
// POST /api/v1/jobs/:id/share
func (h *JobHandler) Share(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	resp, err := h.jobService.Share(userID, c.Param("id"))
	if err != nil {
		writeJobError(c, err)
		return
	}

	response.Success(c, resp)
}

// GetShared 通过分享 token 查看
// GET /api/v1/shared/:token
func (h *JobHandler) GetShared(c *gin.Context) {
	detail, err := h.jobService.GetShared(c.Param("token"))
	if err != nil {
		writeJobError(c, err)
		return
	}

	response.Success(c, detail)
}

// ResumeSandbox 手动唤醒沙箱
// POST /api/v1/jobs/:id/sandbox/resume
func (h *JobHandler) ResumeSandbox(c *gin.Context) {
	if _, err := h.jobService.ResumeSandbox(c.Request.Context(), c.Param("id")); err != nil {
		writeJobError(c, err)
		return
	}

	response.SuccessWithMessage(c, "沙箱已恢复", nil)
}

// DeleteSandbox 永久删除已暂停的沙箱
// DELETE /api/v1/jobs/:id/sandbox
func (h *JobHandler) DeleteSandbox(c *gin.Context) {
	if err := h.jobService.DeleteSandbox(c.Request.Context(), c.Param("id")); err != nil {
		writeJobError(c, err)
		return
	}

	response.SuccessWithMessage(c, "沙箱已删除", nil)
}
