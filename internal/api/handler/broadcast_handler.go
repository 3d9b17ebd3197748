package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/inbox-autopilot/internal/llm"
	"github.com/d60-Lab/inbox-autopilot/internal/model"
	"github.com/d60-Lab/inbox-autopilot/pkg/response"
)

type broadcastRequest struct {
	CreatorID            string   `json:"creator_id" binding:"required"`
	Message              string   `json:"message" binding:"required"`
	TargetAudiences      []string `json:"target_audiences" binding:"required,min=1"`
	TargetAudienceTypes  []string `json:"target_audience_types" binding:"omitempty,dive,audience_kind"`
	ExcludeAudiences     []string `json:"exclude_audiences"`
	ExcludeAudienceTypes []string `json:"exclude_audience_types" binding:"omitempty,dive,audience_kind"`
}

// EnqueueBroadcast 群发入队，受众展开和发送都在 worker 里
// @Summary 创建群发任务
// @Tags broadcast
// @Accept json
// @Produce json
// @Param request body broadcastRequest true "群发内容与受众"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/broadcasts [post]
func (h *Handler) EnqueueBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	jobID, err := h.scheduler.EnqueueBroadcast(c.Request.Context(), req.CreatorID, model.JobPayload{
		MessageText:          req.Message,
		TargetAudiences:      req.TargetAudiences,
		TargetAudienceTypes:  req.TargetAudienceTypes,
		ExcludeAudiences:     req.ExcludeAudiences,
		ExcludeAudienceTypes: req.ExcludeAudienceTypes,
	})
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"job_id": jobID, "message": "broadcast queued"})
}

type generateBroadcastRequest struct {
	CreatorID     string `json:"creator_id" binding:"required"`
	Style         string `json:"style"`
	Topic         string `json:"topic"`
	Language      string `json:"language"`
	Length        string `json:"length"`
	ExcludedWords string `json:"excluded_words"`
	UseEmojis     *bool  `json:"use_emojis"`
}

// GenerateBroadcast 用创作者身份生成群发文案草稿
// @Summary 生成群发文案
// @Tags broadcast
// @Accept json
// @Produce json
// @Param request body generateBroadcastRequest true "文案参数"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/broadcasts/generate [post]
func (h *Handler) GenerateBroadcast(c *gin.Context) {
	var req generateBroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	creator, err := h.creators.GetByID(c.Request.Context(), req.CreatorID)
	if err != nil {
		response.NotFound(c, "creator not found")
		return
	}

	useEmojis := true
	if req.UseEmojis != nil {
		useEmojis = *req.UseEmojis
	}

	text, err := h.llm.GenerateBroadcast(c.Request.Context(), llm.BroadcastParams{
		CreatorName:   creator.DisplayName,
		Style:         req.Style,
		Topic:         req.Topic,
		Language:      req.Language,
		Length:        req.Length,
		ExcludedWords: req.ExcludedWords,
		UseEmojis:     useEmojis,
	})
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"message": text})
}
