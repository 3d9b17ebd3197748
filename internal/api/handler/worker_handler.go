package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/inbox-autopilot/pkg/response"
)

type tickRequest struct {
	BatchSize int `json:"batchSize"`
	MaxMillis int `json:"maxMillis"`
}

// WorkerTick 手动/外部触发一批任务处理
// @Summary 执行一批到期任务
// @Tags worker
// @Accept json
// @Produce json
// @Param request body tickRequest false "批量参数"
// @Success 200 {object} response.Response{data=service.BatchReport}
// @Router /api/v1/worker/tick [post]
func (h *Handler) WorkerTick(c *gin.Context) {
	var req tickRequest
	// body 可选，解析失败全走默认值
	_ = c.ShouldBindJSON(&req)

	rep := h.worker.RunBatch(c.Request.Context(), req.BatchSize, time.Duration(req.MaxMillis)*time.Millisecond)
	response.Success(c, rep)
}

// CronTick 定时调度入口：统计到期任务，有活就内联跑一批
// @Summary 定时触发
// @Tags worker
// @Produce json
// @Success 200 {object} response.Response
// @Router /api/v1/worker/cron [post]
func (h *Handler) CronTick(c *gin.Context) {
	due, err := h.jobs.CountDue(c.Request.Context(), time.Now())
	if err != nil {
		response.InternalError(c, err)
		return
	}

	result := gin.H{"pending_jobs": due}
	if due > 0 {
		rep := h.worker.RunBatch(c.Request.Context(), 0, 0)
		result["worker"] = rep
	}
	response.Success(c, result)
}
