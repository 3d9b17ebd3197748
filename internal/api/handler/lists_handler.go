package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/inbox-autopilot/pkg/logger"
	"github.com/d60-Lab/inbox-autopilot/pkg/response"
)

// AudienceList smart/custom 列表的统一视图
type AudienceList struct {
	ID       string `json:"id"` // smart: type，custom: uuid
	Name     string `json:"name"`
	FanCount int    `json:"fan_count"`
	Type     string `json:"type"` // smart | custom
}

// CreatorLists 拉取创作者可用的群发受众列表
// @Summary 受众列表
// @Tags broadcast
// @Produce json
// @Param id path string true "创作者 ID"
// @Success 200 {object} response.Response{data=[]AudienceList}
// @Failure 404 {object} response.Response
// @Router /api/v1/creators/{id}/lists [get]
func (h *Handler) CreatorLists(c *gin.Context) {
	creatorID := c.Param("id")

	creator, err := h.creators.GetByID(c.Request.Context(), creatorID)
	if err != nil {
		response.NotFound(c, "creator not found")
		return
	}

	token, err := h.tokens.AccessToken(c.Request.Context(), creatorID)
	if err != nil {
		response.InternalError(c, err)
		return
	}

	var lists []AudienceList
	for _, sl := range h.fanvue.GetSmartLists(c.Request.Context(), token, creator.FanvueCreatorID) {
		lists = append(lists, AudienceList{ID: sl.Type, Name: sl.Name, FanCount: sl.Count, Type: "smart"})
	}

	custom, err := h.fanvue.GetCustomLists(c.Request.Context(), token, creator.FanvueCreatorID)
	if err != nil {
		// custom 列表失败只降级，smart（或兜底）照样返回
		logger.Warn("custom lists fetch failed", zap.String("creator", creatorID), zap.Error(err))
	}
	for _, cl := range custom {
		lists = append(lists, AudienceList{ID: cl.UUID, Name: cl.Name, FanCount: cl.MembersCount, Type: "custom"})
	}

	response.Success(c, lists)
}
