package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/inbox-autopilot/internal/model"
)

type MessageRepository interface {
	Append(ctx context.Context, msg *model.Message) error
	// History 按时间倒序取最近 limit 条
	History(ctx context.Context, creatorID, fanID string, limit int) ([]*model.Message, error)
	// HasOutboundSince 重复发送保护：job 创建之后是否已有出站消息
	HasOutboundSince(ctx context.Context, creatorID, fanID string, since time.Time) (bool, error)
	// HasInboundAfter 处理期间是否有新的入站消息
	HasInboundAfter(ctx context.Context, creatorID, fanID string, after time.Time) (bool, error)
	TouchInbound(ctx context.Context, creatorID, fanID string, at time.Time) error
	TouchOutbound(ctx context.Context, creatorID, fanID string, at time.Time) error
}

type messageRepository struct{ db *gorm.DB }

func NewMessageRepository(db *gorm.DB) MessageRepository { return &messageRepository{db: db} }

func (r *messageRepository) Append(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *messageRepository) History(ctx context.Context, creatorID, fanID string, limit int) ([]*model.Message, error) {
	var msgs []*model.Message
	err := r.db.WithContext(ctx).
		Where("creator_id = ? AND fan_id = ?", creatorID, fanID).
		Order("created_at DESC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

func (r *messageRepository) HasOutboundSince(ctx context.Context, creatorID, fanID string, since time.Time) (bool, error) {
	var m model.Message
	err := r.db.WithContext(ctx).
		Where("creator_id = ? AND fan_id = ? AND direction = ? AND created_at >= ?",
			creatorID, fanID, model.DirectionOutbound, since).
		Limit(1).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *messageRepository) HasInboundAfter(ctx context.Context, creatorID, fanID string, after time.Time) (bool, error) {
	var m model.Message
	err := r.db.WithContext(ctx).
		Where("creator_id = ? AND fan_id = ? AND direction = ? AND created_at > ?",
			creatorID, fanID, model.DirectionInbound, after).
		Limit(1).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *messageRepository) TouchInbound(ctx context.Context, creatorID, fanID string, at time.Time) error {
	return r.upsertState(ctx, creatorID, fanID, map[string]any{"last_inbound_at": at, "updated_at": at})
}

func (r *messageRepository) TouchOutbound(ctx context.Context, creatorID, fanID string, at time.Time) error {
	return r.upsertState(ctx, creatorID, fanID, map[string]any{"last_bot_message_at": at, "updated_at": at})
}

func (r *messageRepository) upsertState(ctx context.Context, creatorID, fanID string, set map[string]any) error {
	st := &model.ConversationState{ID: uuid.New().String(), CreatorID: creatorID, FanID: fanID, UpdatedAt: time.Now()}
	if v, ok := set["last_inbound_at"].(time.Time); ok {
		st.LastInboundAt = &v
	}
	if v, ok := set["last_bot_message_at"].(time.Time); ok {
		st.LastBotMessageAt = &v
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "creator_id"}, {Name: "fan_id"}},
			DoUpdates: clause.Assignments(set),
		}).Create(st).Error
}
