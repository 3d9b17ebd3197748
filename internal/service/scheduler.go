package service

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/inbox-autopilot/internal/model"
	"github.com/d60-Lab/inbox-autopilot/internal/repository"
)

// Scheduler 负责把入站消息折叠成延迟回复任务（debounce），
// 以及交易/群发任务的直接入队。
//
// 不变量：每个 (creator, fan) 同时最多一个 queued 状态的 reply 任务。
// 由两层共同保证：先做条件 UPDATE 合并，未命中再插入；
// 插入撞上 jobs_queue 的部分唯一索引时重走合并路径。
type Scheduler struct {
	jobs  repository.JobRepository
	delay *DelayModel
}

func NewScheduler(jobs repository.JobRepository, delay *DelayModel) *Scheduler {
	return &Scheduler{jobs: jobs, delay: delay}
}

// ScheduleOutcome debounce 决策结果
type ScheduleOutcome struct {
	JobID        string
	Debounced    bool
	PendingCount int
	Delay        time.Duration
}

// ScheduleReply 入站消息的 create-or-extend。
// 调用前消息必须已经落库（消息历史不能因排队失败而丢失）。
func (s *Scheduler) ScheduleReply(ctx context.Context, fan *model.Fan, m InboundMessage, now time.Time) (ScheduleOutcome, error) {
	// 两轮足够：第一轮输掉 insert 竞争的话，第二轮必然能合并到赢家的行上
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.jobs.FindQueuedReply(ctx, fan.CreatorID, fan.ID)
		if err != nil {
			return ScheduleOutcome{}, err
		}

		if existing != nil {
			newCount := existing.PendingCount + 1
			d := s.delay.Delay(newCount)

			payload := existing.Payload
			payload.MessageID = m.ProviderMessageID
			payload.HasMedia = payload.HasMedia || m.HasMedia
			payload.FanStage = fan.Stage
			if m.Text != "" {
				payload.FanMessage = m.Text
			}

			ok, err := s.jobs.ExtendQueuedReply(ctx, existing.ID, now.Add(d), now, payload)
			if err != nil {
				return ScheduleOutcome{}, err
			}
			if !ok {
				// worker 在查找和更新之间把任务认领走了，开新的 debounce 周期
				continue
			}
			return ScheduleOutcome{JobID: existing.ID, Debounced: true, PendingCount: newCount, Delay: d}, nil
		}

		d := s.delay.Delay(0)
		lastMsgAt := now
		job := &model.Job{
			CreatorID:     fan.CreatorID,
			FanID:         &fan.ID,
			JobType:       model.JobTypeReply,
			Status:        model.JobStatusQueued,
			RunAt:         now.Add(d),
			LastMessageAt: &lastMsgAt,
			Payload: model.JobPayload{
				MessageID:      m.ProviderMessageID,
				FanMessage:     m.Text,
				FanUsername:    m.Username,
				FanDisplayName: m.DisplayName,
				FanvueFanID:    fan.FanvueFanID,
				HasMedia:       m.HasMedia,
				FanStage:       fan.Stage,
			},
		}
		if err := s.jobs.Create(ctx, job); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// 并发 webhook 抢先插入，合并到它的行上
				continue
			}
			return ScheduleOutcome{}, err
		}
		return ScheduleOutcome{JobID: job.ID, Debounced: false, PendingCount: 0, Delay: d}, nil
	}
	return ScheduleOutcome{}, errors.New("schedule reply: lost create/extend race twice")
}

// EnqueueFollowup 交易感谢任务，不走 debounce（交易没有消息那种突发性）
func (s *Scheduler) EnqueueFollowup(ctx context.Context, creatorID, fanID, transactionID string, amount float64) (string, error) {
	job := &model.Job{
		CreatorID: creatorID,
		FanID:     &fanID,
		JobType:   model.JobTypeFollowup,
		Status:    model.JobStatusQueued,
		RunAt:     time.Now(),
		Payload: model.JobPayload{
			Kind:          "thank_you",
			TransactionID: transactionID,
			Amount:        &amount,
		},
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// EnqueueBroadcast 群发任务入队，受众展开完全交给外部发送方
func (s *Scheduler) EnqueueBroadcast(ctx context.Context, creatorID string, payload model.JobPayload) (string, error) {
	job := &model.Job{
		CreatorID: creatorID,
		JobType:   model.JobTypeBroadcast,
		Status:    model.JobStatusQueued,
		RunAt:     time.Now(),
		Payload:   payload,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}
