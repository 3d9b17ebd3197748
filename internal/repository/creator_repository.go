package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/inbox-autopilot/internal/model"
)

const integrationTypeFanvue = "fanvue"

type CreatorRepository interface {
	GetByID(ctx context.Context, id string) (*model.Creator, error)
	GetByFanvueID(ctx context.Context, fanvueCreatorID string) (*model.Creator, error)

	GetIntegration(ctx context.Context, creatorID string) (*model.CreatorIntegration, error)
	// ListIntegrationsWithSecret 签名反查用：所有配置了 webhook secret 的接入
	ListIntegrationsWithSecret(ctx context.Context) ([]*model.CreatorIntegration, error)
	RecordWebhookOK(ctx context.Context, creatorID string, at time.Time) error
	RecordWebhookError(ctx context.Context, creatorID, cause string) error
	MarkDisconnected(ctx context.Context, creatorID, cause string) error

	GetToken(ctx context.Context, creatorID string) (*model.OAuthToken, error)
	SaveToken(ctx context.Context, tok *model.OAuthToken) error
}

type creatorRepository struct{ db *gorm.DB }

func NewCreatorRepository(db *gorm.DB) CreatorRepository { return &creatorRepository{db: db} }

func (r *creatorRepository) GetByID(ctx context.Context, id string) (*model.Creator, error) {
	var c model.Creator
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *creatorRepository) GetByFanvueID(ctx context.Context, fanvueCreatorID string) (*model.Creator, error) {
	var c model.Creator
	err := r.db.WithContext(ctx).Where("fanvue_creator_id = ?", fanvueCreatorID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *creatorRepository) GetIntegration(ctx context.Context, creatorID string) (*model.CreatorIntegration, error) {
	var in model.CreatorIntegration
	err := r.db.WithContext(ctx).
		Where("creator_id = ? AND integration_type = ?", creatorID, integrationTypeFanvue).
		First(&in).Error
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (r *creatorRepository) ListIntegrationsWithSecret(ctx context.Context) ([]*model.CreatorIntegration, error) {
	var ins []*model.CreatorIntegration
	err := r.db.WithContext(ctx).
		Where("integration_type = ? AND webhook_secret <> ''", integrationTypeFanvue).
		Find(&ins).Error
	return ins, err
}

func (r *creatorRepository) RecordWebhookOK(ctx context.Context, creatorID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.CreatorIntegration{}).
		Where("creator_id = ? AND integration_type = ?", creatorID, integrationTypeFanvue).
		Updates(map[string]any{"last_webhook_at": at, "last_webhook_error": "", "updated_at": at}).Error
}

func (r *creatorRepository) RecordWebhookError(ctx context.Context, creatorID, cause string) error {
	return r.db.WithContext(ctx).Model(&model.CreatorIntegration{}).
		Where("creator_id = ? AND integration_type = ?", creatorID, integrationTypeFanvue).
		Updates(map[string]any{"last_webhook_error": cause, "updated_at": time.Now()}).Error
}

func (r *creatorRepository) MarkDisconnected(ctx context.Context, creatorID, cause string) error {
	return r.db.WithContext(ctx).Model(&model.CreatorIntegration{}).
		Where("creator_id = ? AND integration_type = ?", creatorID, integrationTypeFanvue).
		Updates(map[string]any{"is_connected": false, "last_webhook_error": cause, "updated_at": time.Now()}).Error
}

func (r *creatorRepository) GetToken(ctx context.Context, creatorID string) (*model.OAuthToken, error) {
	var t model.OAuthToken
	err := r.db.WithContext(ctx).Where("creator_id = ?", creatorID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *creatorRepository) SaveToken(ctx context.Context, tok *model.OAuthToken) error {
	if tok.ID == "" {
		tok.ID = uuid.New().String()
	}
	return r.db.WithContext(ctx).Save(tok).Error
}
