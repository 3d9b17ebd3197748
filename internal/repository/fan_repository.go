package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/inbox-autopilot/internal/model"
)

type FanRepository interface {
	GetByExternalID(ctx context.Context, creatorID, fanvueFanID string) (*model.Fan, error)
	GetByID(ctx context.Context, creatorID, fanID string) (*model.Fan, error)
	Create(ctx context.Context, fan *model.Fan) error
	Update(ctx context.Context, fan *model.Fan) error
	// UpsertBare 只保证 (creator, external) 行存在，交易路径使用
	UpsertBare(ctx context.Context, creatorID, fanvueFanID string) (*model.Fan, error)
	AddSpend(ctx context.Context, creatorID, fanID string, amount float64, stage model.FanStage) error
}

type fanRepository struct{ db *gorm.DB }

func NewFanRepository(db *gorm.DB) FanRepository { return &fanRepository{db: db} }

func (r *fanRepository) GetByExternalID(ctx context.Context, creatorID, fanvueFanID string) (*model.Fan, error) {
	var f model.Fan
	err := r.db.WithContext(ctx).
		Where("creator_id = ? AND fanvue_fan_id = ?", creatorID, fanvueFanID).
		First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *fanRepository) GetByID(ctx context.Context, creatorID, fanID string) (*model.Fan, error) {
	var f model.Fan
	err := r.db.WithContext(ctx).
		Where("creator_id = ? AND id = ?", creatorID, fanID).
		First(&f).Error
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *fanRepository) Create(ctx context.Context, fan *model.Fan) error {
	if fan.ID == "" {
		fan.ID = uuid.New().String()
	}
	return r.db.WithContext(ctx).Create(fan).Error
}

func (r *fanRepository) Update(ctx context.Context, fan *model.Fan) error {
	return r.db.WithContext(ctx).Save(fan).Error
}

func (r *fanRepository) UpsertBare(ctx context.Context, creatorID, fanvueFanID string) (*model.Fan, error) {
	f := &model.Fan{ID: uuid.New().String(), CreatorID: creatorID, FanvueFanID: fanvueFanID, Stage: model.StageNew}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "creator_id"}, {Name: "fanvue_fan_id"}},
			DoNothing: true,
		}).Create(f).Error
	if err != nil {
		return nil, err
	}
	// OnConflict DoNothing 时拿不到已有行，重新读一次
	return r.GetByExternalID(ctx, creatorID, fanvueFanID)
}

func (r *fanRepository) AddSpend(ctx context.Context, creatorID, fanID string, amount float64, stage model.FanStage) error {
	return r.db.WithContext(ctx).Model(&model.Fan{}).
		Where("creator_id = ? AND id = ?", creatorID, fanID).
		Updates(map[string]any{
			"total_spend": gorm.Expr("total_spend + ?", amount),
			"stage":       stage,
		}).Error
}
