package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/inbox-autopilot/internal/model"
)

// ErrJobGone 条件更新没有命中任何行（被并发方抢先）
var ErrJobGone = errors.New("job no longer in expected status")

type JobRepository interface {
	Create(ctx context.Context, job *model.Job) error
	GetByID(ctx context.Context, id string) (*model.Job, error)

	// FindQueuedReply 查找 (creator, fan) 当前排队中的 reply 任务
	FindQueuedReply(ctx context.Context, creatorID, fanID string) (*model.Job, error)
	// ExtendQueuedReply 单条条件 UPDATE 完成 debounce 合并；
	// 返回 false 表示没有命中（任务已被认领或不存在）。
	ExtendQueuedReply(ctx context.Context, jobID string, runAt, lastMessageAt time.Time, payload model.JobPayload) (bool, error)

	// NextDue run_at 最早的到期 queued 任务
	NextDue(ctx context.Context, now time.Time) (*model.Job, error)
	// Claim queued → processing，零行受影响 = 认领失败（不是错误）
	Claim(ctx context.Context, jobID string) (bool, error)
	// Complete processing → completed；note 为空时清空 last_error
	Complete(ctx context.Context, jobID, note string) error
	// RetryOrFail 读取 attempts 后决定 processing → queued 或 failed
	RetryOrFail(ctx context.Context, jobID string, cause error, runAt time.Time, maxAttempts int) (model.JobStatus, error)

	UpdatePayload(ctx context.Context, jobID string, payload model.JobPayload) error
	CountDue(ctx context.Context, now time.Time) (int64, error)
	ListByStatus(ctx context.Context, creatorID string, status model.JobStatus, limit int) ([]*model.Job, error)
}

type jobRepository struct{ db *gorm.DB }

func NewJobRepository(db *gorm.DB) JobRepository { return &jobRepository{db: db} }

func (r *jobRepository) Create(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = model.JobStatusQueued
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *jobRepository) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var j model.Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *jobRepository) FindQueuedReply(ctx context.Context, creatorID, fanID string) (*model.Job, error) {
	var j model.Job
	err := r.db.WithContext(ctx).
		Where("creator_id = ? AND fan_id = ? AND job_type = ? AND status = ?",
			creatorID, fanID, model.JobTypeReply, model.JobStatusQueued).
		First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *jobRepository) ExtendQueuedReply(ctx context.Context, jobID string, runAt, lastMessageAt time.Time, payload model.JobPayload) (bool, error) {
	// map 形式的 Updates 不会走 gorm serializer，需手动序列化 payload
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	res := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", jobID, model.JobStatusQueued).
		Updates(map[string]any{
			"pending_count":   gorm.Expr("pending_count + 1"),
			"run_at":          runAt,
			"last_message_at": lastMessageAt,
			"payload":         string(raw),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepository) NextDue(ctx context.Context, now time.Time) (*model.Job, error) {
	var j model.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND run_at <= ?", model.JobStatusQueued, now).
		Order("run_at ASC").
		Limit(1).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *jobRepository) Claim(ctx context.Context, jobID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", jobID, model.JobStatusQueued).
		Update("status", model.JobStatusProcessing)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepository) Complete(ctx context.Context, jobID, note string) error {
	res := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", jobID, model.JobStatusProcessing).
		Updates(map[string]any{"status": model.JobStatusCompleted, "last_error": note})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobGone
	}
	return nil
}

func (r *jobRepository) RetryOrFail(ctx context.Context, jobID string, cause error, runAt time.Time, maxAttempts int) (model.JobStatus, error) {
	var j model.Job
	if err := r.db.WithContext(ctx).Select("attempts").Where("id = ?", jobID).First(&j).Error; err != nil {
		return "", err
	}

	next := model.JobStatusQueued
	if j.Attempts >= maxAttempts {
		next = model.JobStatusFailed
	}
	err := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":     next,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause.Error(),
			"run_at":     runAt,
		}).Error
	if err != nil {
		return "", err
	}
	return next, nil
}

func (r *jobRepository) UpdatePayload(ctx context.Context, jobID string, payload model.JobPayload) error {
	// 单列 Update 同样不会走 gorm serializer，需手动序列化 payload
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", jobID).
		Update("payload", string(raw)).Error
}

func (r *jobRepository) CountDue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("status = ? AND run_at <= ?", model.JobStatusQueued, now).
		Count(&n).Error
	return n, err
}

func (r *jobRepository) ListByStatus(ctx context.Context, creatorID string, status model.JobStatus, limit int) ([]*model.Job, error) {
	var jobs []*model.Job
	q := r.db.WithContext(ctx).Where("status = ?", status)
	if creatorID != "" {
		q = q.Where("creator_id = ?", creatorID)
	}
	err := q.Order("created_at DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}
