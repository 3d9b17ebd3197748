package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/inbox-autopilot/internal/model"
	"github.com/d60-Lab/inbox-autopilot/internal/repository"
	"github.com/d60-Lab/inbox-autopilot/pkg/logger"
)

// InboundMessage webhook 归一化后的入站消息
type InboundMessage struct {
	FanExternalID     string
	Username          string
	DisplayName       string
	Text              string
	HasMedia          bool
	ProviderMessageID string
	EventTime         time.Time
}

// InboundTransaction webhook 归一化后的交易事件
type InboundTransaction struct {
	FanExternalID string
	TransactionID string
	Amount        float64
	Type          string
	EventTime     time.Time
}

// IngestResult 供 webhook 响应体回显
type IngestResult struct {
	FanID        string         `json:"fan_id"`
	Stage        model.FanStage `json:"fan_stage"`
	JobID        string         `json:"job_id,omitempty"`
	Debounced    bool           `json:"debounced"`
	PendingCount int            `json:"pending_count"`
	DelaySeconds int            `json:"delay_seconds"`
	Skipped      bool           `json:"skipped,omitempty"`
	SkipReason   string         `json:"skip_reason,omitempty"`
}

// Ingest 入站事件处理：粉丝行维护、消息落库、会话状态，然后交给调度器。
// 粉丝计数只在这里递增，worker 永远不碰 fans 行。
type Ingest struct {
	fans      repository.FanRepository
	messages  repository.MessageRepository
	txs       repository.TransactionRepository
	scheduler *Scheduler
}

func NewIngest(fans repository.FanRepository, messages repository.MessageRepository, txs repository.TransactionRepository, scheduler *Scheduler) *Ingest {
	return &Ingest{fans: fans, messages: messages, txs: txs, scheduler: scheduler}
}

// HandleMessage 消息事件主路径
func (s *Ingest) HandleMessage(ctx context.Context, creatorID string, m InboundMessage) (IngestResult, error) {
	now := m.EventTime
	if now.IsZero() {
		now = time.Now()
	}

	fan, err := s.upsertFanForMessage(ctx, creatorID, m)
	if err != nil {
		return IngestResult{}, fmt.Errorf("upsert fan: %w", err)
	}

	// 消息永远先落库，排队失败也不能丢历史
	msg := &model.Message{
		CreatorID:         creatorID,
		FanID:             fan.ID,
		Direction:         model.DirectionInbound,
		Text:              m.Text,
		HasMedia:          m.HasMedia,
		ProviderMessageID: m.ProviderMessageID,
		CreatedAt:         now,
	}
	if err := s.messages.Append(ctx, msg); err != nil {
		return IngestResult{}, fmt.Errorf("append message: %w", err)
	}
	if err := s.messages.TouchInbound(ctx, creatorID, fan.ID, now); err != nil {
		logger.Warn("conversation_state upsert failed", zap.Error(err), zap.String("creator", creatorID))
	}

	res := IngestResult{FanID: fan.ID, Stage: fan.Stage}

	// 无文本无媒体：确认收到但不产生任何下游工作
	if m.Text == "" && !m.HasMedia {
		res.Skipped = true
		res.SkipReason = "empty_message"
		return res, nil
	}

	out, err := s.scheduler.ScheduleReply(ctx, fan, m, now)
	if err != nil {
		return res, fmt.Errorf("schedule reply: %w", err)
	}
	res.JobID = out.JobID
	res.Debounced = out.Debounced
	res.PendingCount = out.PendingCount
	res.DelaySeconds = int(out.Delay / time.Second)
	return res, nil
}

// HandleTransaction 交易路径：记账 + 直接入队 followup
func (s *Ingest) HandleTransaction(ctx context.Context, creatorID string, t InboundTransaction) (IngestResult, error) {
	fan, err := s.fans.UpsertBare(ctx, creatorID, t.FanExternalID)
	if err != nil || fan == nil {
		return IngestResult{}, fmt.Errorf("upsert fan: %w", err)
	}

	createdAt := t.EventTime
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if err := s.txs.Append(ctx, &model.Transaction{
		CreatorID:           creatorID,
		FanID:               fan.ID,
		FanvueTransactionID: t.TransactionID,
		Amount:              t.Amount,
		Type:                t.Type,
		CreatedAt:           createdAt,
	}); err != nil {
		return IngestResult{}, fmt.Errorf("append transaction: %w", err)
	}

	stage := DeriveFanStage(fan.MsgCountInbound, fan.TotalSpend+t.Amount)
	if err := s.fans.AddSpend(ctx, creatorID, fan.ID, t.Amount, stage); err != nil {
		return IngestResult{}, fmt.Errorf("add spend: %w", err)
	}

	jobID, err := s.scheduler.EnqueueFollowup(ctx, creatorID, fan.ID, t.TransactionID, t.Amount)
	if err != nil {
		return IngestResult{}, fmt.Errorf("enqueue followup: %w", err)
	}
	return IngestResult{FanID: fan.ID, Stage: stage, JobID: jobID}, nil
}

func (s *Ingest) upsertFanForMessage(ctx context.Context, creatorID string, m InboundMessage) (*model.Fan, error) {
	fan, err := s.fans.GetByExternalID(ctx, creatorID, m.FanExternalID)
	if err != nil {
		return nil, err
	}

	username := firstNonEmpty(m.Username, m.DisplayName, "unknown")
	displayName := firstNonEmpty(m.DisplayName, m.Username, "Unknown")

	if fan == nil {
		fan = &model.Fan{
			CreatorID:       creatorID,
			FanvueFanID:     m.FanExternalID,
			Username:        username,
			DisplayName:     displayName,
			MsgCountInbound: 1,
			Stage:           model.StageNew,
		}
		if err := s.fans.Create(ctx, fan); err != nil {
			return nil, err
		}
		return fan, nil
	}

	fan.Username = username
	fan.DisplayName = displayName
	fan.MsgCountInbound++
	fan.Stage = DeriveFanStage(fan.MsgCountInbound, fan.TotalSpend)
	if err := s.fans.Update(ctx, fan); err != nil {
		return nil, err
	}
	return fan, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
