package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/inbox-autopilot/internal/model"
	"github.com/d60-Lab/inbox-autopilot/pkg/response"
)

// Health 服务探活
// @Summary 健康检查
// @Tags system
// @Produce json
// @Success 200 {object} response.Response
// @Router /api/v1/health [get]
func (h *Handler) Health(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

// ConnectionHealth 单个创作者的接入健康状态：
// token 是否存在/过期、webhook 最近一次到达和错误。
// @Summary 接入健康状态
// @Tags system
// @Produce json
// @Param id path string true "创作者 ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/creators/{id}/connection [get]
func (h *Handler) ConnectionHealth(c *gin.Context) {
	creatorID := c.Param("id")
	if !uuidPattern.MatchString(creatorID) {
		response.BadRequest(c, "invalid creator id")
		return
	}

	status := gin.H{
		"creator_id":         creatorID,
		"connected":          false,
		"token_present":      false,
		"token_expired":      true,
		"expires_at":         nil,
		"last_webhook_at":    nil,
		"last_webhook_error": "",
		"integration_exists": false,
	}

	if in, err := h.creators.GetIntegration(c.Request.Context(), creatorID); err == nil {
		status["integration_exists"] = true
		status["connected"] = in.IsConnected
		status["last_webhook_at"] = in.LastWebhookAt
		status["last_webhook_error"] = in.LastWebhookError
	}

	tok, err := h.creators.GetToken(c.Request.Context(), creatorID)
	if err == nil && tok != nil {
		status["token_present"] = true
		status["token_expired"] = tok.ExpiresAt.Before(time.Now())
		status["expires_at"] = tok.ExpiresAt
	}

	response.Success(c, status)
}

// FailedJobs 拉取 failed 状态的任务，排障用的只读视图
// @Summary 失败任务列表
// @Tags worker
// @Produce json
// @Param creator_id query string false "创作者 ID 过滤"
// @Param limit query int false "数量上限" default(50)
// @Success 200 {object} response.Response
// @Router /api/v1/jobs/failed [get]
func (h *Handler) FailedJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	jobs, err := h.jobs.ListByStatus(c.Request.Context(), c.Query("creator_id"), model.JobStatusFailed, limit)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"count": len(jobs), "jobs": jobs})
}
