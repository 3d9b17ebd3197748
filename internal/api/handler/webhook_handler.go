package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/inbox-autopilot/internal/service"
	"github.com/d60-Lab/inbox-autopilot/pkg/logger"
	"github.com/d60-Lab/inbox-autopilot/pkg/response"
)

const signatureHeader = "X-Fanvue-Signature"

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// flexString 兼容数字和字符串两种 JSON 形态（Fanvue 的 id 字段两种都见过）
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = flexString(str)
		return nil
	}
	if string(b) == "null" {
		return nil
	}
	*s = flexString(string(b))
	return nil
}

type uuidRef struct {
	UUID string `json:"uuid"`
}

type webhookMessage struct {
	Text      string            `json:"text"`
	Content   string            `json:"content"`
	UUID      string            `json:"uuid"`
	ID        flexString        `json:"id"`
	Images    []json.RawMessage `json:"images"`
	Videos    []json.RawMessage `json:"videos"`
	HasMedia  bool              `json:"hasMedia"`
	MediaType json.RawMessage   `json:"mediaType"`
}

type webhookSender struct {
	UUID        string     `json:"uuid"`
	ID          flexString `json:"id"`
	Handle      string     `json:"handle"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	Name        string     `json:"name"`
}

type webhookTransaction struct {
	ID            flexString `json:"id"`
	TransactionID flexString `json:"transactionId"`
	UserID        flexString `json:"userId"`
	FanID         flexString `json:"fan_id"`
	SenderID      flexString `json:"senderId"`
	Amount        float64    `json:"amount"`
	Type          string     `json:"type"`
	Timestamp     string     `json:"timestamp"`
	CreatedAt     string     `json:"created_at"`
}

// webhookPayload Fanvue 的事件没有统一 envelope，靠字段形状识别类型
type webhookPayload struct {
	Event         string              `json:"event"`
	RecipientUUID string              `json:"recipientUuid"`
	Recipient     *uuidRef            `json:"recipient"`
	CreatorUUID   string              `json:"creatorUuid"`
	Creator       *uuidRef            `json:"creator"`
	SenderUUID    string              `json:"senderUuid"`
	MessageUUID   string              `json:"messageUuid"`
	Timestamp     string              `json:"timestamp"`
	Message       *webhookMessage     `json:"message"`
	Sender        *webhookSender      `json:"sender"`
	Transaction   *webhookTransaction `json:"transaction"`
}

// WebhookPing 健康探测，Fanvue 配置页用 GET 验证 URL 可达
// @Summary Webhook 探活
// @Tags webhook
// @Produce json
// @Success 200 {object} response.Response
// @Router /api/v1/webhooks/fanvue [get]
func (h *Handler) WebhookPing(c *gin.Context) {
	response.Success(c, gin.H{"message": "webhook endpoint ready"})
}

// Webhook Fanvue 入站事件入口。
// 创作者识别顺序：?creatorId= → payload 里的 recipientUuid → 全量 secret 签名匹配。
// 业务处理异常返回 200 带错误体，避免 Fanvue 无限重投。
// @Summary Fanvue webhook 接收
// @Tags webhook
// @Accept json
// @Produce json
// @Param creatorId query string false "创作者 ID"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 401 {object} response.Response
// @Router /api/v1/webhooks/fanvue [post]
func (h *Handler) Webhook(c *gin.Context) {
	rawBody, err := c.GetRawData()
	if err != nil {
		response.BadRequest(c, "cannot read body")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		response.BadRequest(c, "invalid JSON payload")
		return
	}

	sigHeader := c.GetHeader(signatureHeader)
	creatorID := h.resolveCreator(c, &payload, rawBody, sigHeader)
	if creatorID == "" {
		response.BadRequest(c, "could not determine creator: add ?creatorId= or configure fanvue_creator_id")
		return
	}
	if !uuidPattern.MatchString(creatorID) {
		response.BadRequest(c, "invalid creatorId format")
		return
	}

	integration, err := h.creators.GetIntegration(c.Request.Context(), creatorID)
	if err != nil {
		response.NotFound(c, "creator integration not found")
		return
	}

	if err := h.verifier.Verify(rawBody, sigHeader, integration.WebhookSecret); err != nil {
		cause := fmt.Sprintf("signature validation failed: %v", err)
		if recErr := h.creators.RecordWebhookError(c.Request.Context(), creatorID, cause); recErr != nil {
			logger.Error("record webhook error failed", zap.Error(recErr))
		}
		response.Unauthorized(c, cause)
		return
	}

	if err := h.creators.RecordWebhookOK(c.Request.Context(), creatorID, time.Now()); err != nil {
		logger.Warn("record webhook ok failed", zap.Error(err))
	}

	eventType := "unknown"
	switch {
	case payload.Message != nil:
		eventType = "message.received"
	case payload.Transaction != nil:
		eventType = "transaction.created"
	case payload.Event != "":
		eventType = payload.Event
	}
	logger.Info("webhook event", zap.String("creator", creatorID), zap.String("event", eventType))

	switch {
	case payload.Message != nil:
		h.handleMessageEvent(c, creatorID, &payload)
	case payload.Transaction != nil || strings.HasPrefix(eventType, "transaction"):
		h.handleTransactionEvent(c, creatorID, &payload)
	case eventType == "test" || eventType == "webhook.test":
		response.Success(c, gin.H{"received": true, "event": "test", "creator_id": creatorID})
	default:
		logger.Warn("unknown webhook event", zap.String("event", eventType))
		response.Success(c, gin.H{"received": true, "event": "unknown", "event_type": eventType})
	}
}

func (h *Handler) resolveCreator(c *gin.Context, payload *webhookPayload, rawBody []byte, sigHeader string) string {
	if id := c.Query("creatorId"); id != "" {
		return id
	}

	fanvueCreatorID := payload.RecipientUUID
	if fanvueCreatorID == "" && payload.Recipient != nil {
		fanvueCreatorID = payload.Recipient.UUID
	}
	if fanvueCreatorID == "" {
		fanvueCreatorID = payload.CreatorUUID
	}
	if fanvueCreatorID == "" && payload.Creator != nil {
		fanvueCreatorID = payload.Creator.UUID
	}
	if fanvueCreatorID != "" {
		creator, err := h.creators.GetByFanvueID(c.Request.Context(), fanvueCreatorID)
		if err != nil {
			logger.Error("creator lookup failed", zap.Error(err))
		}
		if creator != nil {
			return creator.ID
		}
	}

	// 最后手段：拿所有配置过 secret 的接入逐个试签名
	if sigHeader == "" {
		return ""
	}
	integrations, err := h.creators.ListIntegrationsWithSecret(c.Request.Context())
	if err != nil {
		logger.Error("integration list failed", zap.Error(err))
		return ""
	}
	for _, in := range integrations {
		if h.verifier.Verify(rawBody, sigHeader, in.WebhookSecret) == nil {
			logger.Info("creator resolved by signature match", zap.String("creator", in.CreatorID))
			return in.CreatorID
		}
	}
	return ""
}

func (h *Handler) handleMessageEvent(c *gin.Context, creatorID string, payload *webhookPayload) {
	msg := payload.Message
	sender := payload.Sender
	if sender == nil {
		sender = &webhookSender{}
	}

	fanID := sender.UUID
	if fanID == "" {
		fanID = string(sender.ID)
	}
	if fanID == "" {
		fanID = payload.SenderUUID
	}
	if fanID == "" {
		logger.Warn("message event without fan id")
		response.Success(c, gin.H{"received": true, "warning": "no fan id in message"})
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Content
	}
	messageID := payload.MessageUUID
	if messageID == "" {
		messageID = msg.UUID
	}
	if messageID == "" {
		messageID = string(msg.ID)
	}

	hasMedia := msg.HasMedia || len(msg.MediaType) > 0 || len(msg.Images) > 0 || len(msg.Videos) > 0
	text = appendMediaHints(text, msg, hasMedia)

	in := service.InboundMessage{
		FanExternalID:     fanID,
		Username:          firstNonEmpty(sender.Handle, sender.Username),
		DisplayName:       firstNonEmpty(sender.DisplayName, sender.Name),
		Text:              text,
		HasMedia:          hasMedia,
		ProviderMessageID: messageID,
		EventTime:         time.Now(),
	}

	res, err := h.ingest.HandleMessage(c.Request.Context(), creatorID, in)
	if err != nil {
		logger.Error("message ingest failed", zap.String("creator", creatorID), zap.Error(err))
		// 200 防止 Fanvue 重投，消息本身可能已经落库
		c.JSON(http.StatusOK, response.Response{Code: 1, Message: err.Error()})
		return
	}
	response.Success(c, gin.H{"received": true, "creator_id": creatorID, "result": res})
}

func (h *Handler) handleTransactionEvent(c *gin.Context, creatorID string, payload *webhookPayload) {
	tx := payload.Transaction
	if tx == nil {
		tx = &webhookTransaction{}
	}

	fanID := firstNonEmpty(string(tx.UserID), string(tx.FanID), string(tx.SenderID), payload.SenderUUID)
	if fanID == "" {
		response.Success(c, gin.H{"received": true, "warning": "no fan id in transaction"})
		return
	}

	txType := tx.Type
	if txType == "" {
		txType = "tip"
	}

	in := service.InboundTransaction{
		FanExternalID: fanID,
		TransactionID: firstNonEmpty(string(tx.ID), string(tx.TransactionID)),
		Amount:        tx.Amount,
		Type:          txType,
		EventTime:     parseEventTime(tx.Timestamp, tx.CreatedAt),
	}

	res, err := h.ingest.HandleTransaction(c.Request.Context(), creatorID, in)
	if err != nil {
		logger.Error("transaction ingest failed", zap.String("creator", creatorID), zap.Error(err))
		c.JSON(http.StatusOK, response.Response{Code: 1, Message: err.Error()})
		return
	}
	response.Success(c, gin.H{"received": true, "creator_id": creatorID, "result": res})
}

// appendMediaHints 给带媒体的消息追加系统提示，纯媒体消息用占位文本。
// 提示文本会进对话历史，生成侧靠它知道"看不到附件"。
func appendMediaHints(text string, msg *webhookMessage, hasMedia bool) string {
	if len(msg.Images) > 0 {
		text += fmt.Sprintf("\n[System: User sent %d image(s). You cannot see them, but acknowledge receiving them playfully.]", len(msg.Images))
	}
	if len(msg.Videos) > 0 {
		text += fmt.Sprintf("\n[System: User sent %d video(s). You cannot see them, but acknowledge receiving them playfully.]", len(msg.Videos))
	}
	if hasMedia && len(msg.Images) == 0 && len(msg.Videos) == 0 && !strings.Contains(text, "[System:") {
		text += "\n[System: User sent media attachment. You cannot see it, but acknowledge receiving it playfully.]"
	}
	if strings.TrimSpace(text) == "" && hasMedia {
		text = "[User sent media]"
	}
	return text
}

func parseEventTime(candidates ...string) time.Time {
	for _, s := range candidates {
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return time.Now()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
