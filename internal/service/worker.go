package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/inbox-autopilot/config"
	"github.com/d60-Lab/inbox-autopilot/internal/fanvue"
	"github.com/d60-Lab/inbox-autopilot/internal/llm"
	"github.com/d60-Lab/inbox-autopilot/internal/model"
	"github.com/d60-Lab/inbox-autopilot/internal/repository"
	"github.com/d60-Lab/inbox-autopilot/pkg/logger"
)

// MessageSender Fanvue 出站调用的最小面
type MessageSender interface {
	SendMessage(ctx context.Context, accessToken, recipientUserUUID, text string) (*fanvue.SendResult, error)
	MarkChatRead(ctx context.Context, accessToken, fanUserUUID string) error
	SendMassMessage(ctx context.Context, accessToken, creatorUserUUID string, req fanvue.MassMessageRequest) (*fanvue.MassMessageResult, error)
}

// ReplyGenerator 回复文本生成，慢且可能失败
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, history []llm.ChatMessage, settings model.CreatorSettings, systemOverride string, stage model.FanStage) (string, error)
}

// PermanentError 重试救不回来的配置/数据错误。
// last_error 里带上前缀方便排查；重试预算照常消耗，
// 三次之后和瞬时错误一样落进 failed。
type PermanentError struct{ Cause error }

func (e *PermanentError) Error() string { return "permanent: " + e.Cause.Error() }
func (e *PermanentError) Unwrap() error { return e.Cause }

func permanentf(format string, args ...any) error {
	return &PermanentError{Cause: fmt.Errorf(format, args...)}
}

// Worker 轮询式任务执行器。单次调用内严格串行处理；
// 多个调用可以并行跑，安全性全部来自 jobs_queue 的条件更新。
type Worker struct {
	jobs     repository.JobRepository
	fans     repository.FanRepository
	messages repository.MessageRepository
	creators repository.CreatorRepository

	sender MessageSender
	gen    ReplyGenerator
	tokens TokenProvider
	delay  *DelayModel

	cfg config.WorkerConfig
	now func() time.Time
}

func NewWorker(
	jobs repository.JobRepository,
	fans repository.FanRepository,
	messages repository.MessageRepository,
	creators repository.CreatorRepository,
	sender MessageSender,
	gen ReplyGenerator,
	tokens TokenProvider,
	delay *DelayModel,
	cfg config.WorkerConfig,
) *Worker {
	return &Worker{
		jobs: jobs, fans: fans, messages: messages, creators: creators,
		sender: sender, gen: gen, tokens: tokens, delay: delay,
		cfg: cfg, now: time.Now,
	}
}

// BatchReport 一次 RunBatch 的执行回执
type BatchReport struct {
	Processed       int          `json:"processed"`
	Completed       int          `json:"completed"`
	Failed          int          `json:"failed"`
	Skipped         int          `json:"skipped"`
	ProcessedJobIDs []string     `json:"processed_job_ids"`
	StoppedBecause  string       `json:"stopped_because"`
	Errors          []BatchError `json:"errors,omitempty"`
}

type BatchError struct {
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error"`
}

// RunBatch 认领并处理最多 batchSize 个到期任务，超过 budget 提前收手
// （HTTP 触发的调用方有自己的超时）。
func (w *Worker) RunBatch(ctx context.Context, batchSize int, budget time.Duration) BatchReport {
	if batchSize <= 0 {
		batchSize = w.cfg.BatchSize
	}
	if budget <= 0 {
		budget = w.cfg.TimeBudget
	}
	if budget < 5*time.Second {
		budget = 5 * time.Second
	}
	if budget > 50*time.Second {
		budget = 50 * time.Second
	}
	deadline := w.now().Add(budget)

	var rep BatchReport
	for rep.Processed < batchSize && w.now().Before(deadline) {
		if ctx.Err() != nil {
			rep.StoppedBecause = "context"
			return rep
		}

		job, err := w.jobs.NextDue(ctx, w.now())
		if err != nil {
			rep.Errors = append(rep.Errors, BatchError{Error: err.Error()})
			rep.Failed++
			rep.StoppedBecause = "queue_error"
			return rep
		}
		if job == nil {
			rep.StoppedBecause = "no_more_jobs"
			return rep
		}

		claimed, err := w.jobs.Claim(ctx, job.ID)
		if err != nil {
			rep.Errors = append(rep.Errors, BatchError{JobID: job.ID, Error: err.Error()})
			rep.Failed++
			continue
		}
		if !claimed {
			// 另一个 worker 抢到了，换下一个
			continue
		}

		rep.Processed++
		rep.ProcessedJobIDs = append(rep.ProcessedJobIDs, job.ID)
		logger.Info("processing job", zap.String("job", job.ID), zap.String("type", string(job.JobType)))

		skipped, err := w.process(ctx, job)
		if err != nil {
			w.fail(ctx, job, err, &rep)
			continue
		}
		if skipped {
			rep.Skipped++
		}
		rep.Completed++
	}

	if rep.StoppedBecause == "" {
		if w.now().Before(deadline) {
			rep.StoppedBecause = "batch_limit"
		} else {
			rep.StoppedBecause = "deadline"
		}
	}
	return rep
}

func (w *Worker) fail(ctx context.Context, job *model.Job, cause error, rep *BatchReport) {
	logger.Error("job failed", zap.String("job", job.ID), zap.Error(cause))
	sentry.CaptureException(fmt.Errorf("job %s (%s): %w", job.ID, job.JobType, cause))

	next, err := w.jobs.RetryOrFail(ctx, job.ID, cause, w.now().Add(w.cfg.RetryBackoff), w.cfg.MaxAttempts)
	if err != nil {
		rep.Errors = append(rep.Errors, BatchError{JobID: job.ID, Error: err.Error()})
	} else if next == model.JobStatusFailed {
		rep.Errors = append(rep.Errors, BatchError{JobID: job.ID, Error: cause.Error()})
	}
	rep.Failed++
}

// process 返回 skipped=true 表示任务以 skipped:duplicate 完成
func (w *Worker) process(ctx context.Context, job *model.Job) (bool, error) {
	switch job.JobType {
	case model.JobTypeReply:
		return w.processReply(ctx, job)
	case model.JobTypeFollowup:
		return false, w.processFollowup(ctx, job)
	case model.JobTypeBroadcast:
		return false, w.processBroadcast(ctx, job)
	default:
		return false, permanentf("unknown job type: %s", job.JobType)
	}
}

func (w *Worker) processReply(ctx context.Context, job *model.Job) (bool, error) {
	if job.FanID == nil || *job.FanID == "" {
		return false, permanentf("reply job missing fan_id")
	}
	fanID := *job.FanID

	if job.Payload.FanMessage == "" && !job.Payload.HasMedia {
		return false, permanentf("reply job payload missing fan_message and no media")
	}

	// 重复发送保护：任务创建后已有出站消息说明有人已经回过了
	already, err := w.messages.HasOutboundSince(ctx, job.CreatorID, fanID, job.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("duplicate check: %w", err)
	}
	if already {
		logger.Info("already replied, skipping", zap.String("job", job.ID))
		return true, w.complete(ctx, job.ID, "skipped:duplicate")
	}

	creator, err := w.creators.GetByID(ctx, job.CreatorID)
	if err != nil {
		return false, fmt.Errorf("load creator: %w", err)
	}
	if !creator.IsActive {
		return false, permanentf("creator is not active")
	}

	token, err := w.tokens.AccessToken(ctx, job.CreatorID)
	if err != nil {
		return false, fmt.Errorf("access token: %w", err)
	}

	if job.Payload.FanvueFanID != "" {
		// 已读回执失败不值得重试整个任务
		if err := w.sender.MarkChatRead(ctx, token, job.Payload.FanvueFanID); err != nil {
			logger.Warn("mark chat read failed", zap.String("job", job.ID), zap.Error(err))
		}
	}

	history, err := w.messages.History(ctx, job.CreatorID, fanID, 10)
	if err != nil {
		return false, fmt.Errorf("load history: %w", err)
	}

	fan, err := w.fans.GetByID(ctx, job.CreatorID, fanID)
	if err != nil {
		return false, fmt.Errorf("load fan: %w", err)
	}
	if fan.FanvueFanID == "" {
		return false, permanentf("fan missing fanvue_fan_id")
	}

	var lastInbound *model.Message
	for _, m := range history { // history 倒序，第一个入站即最新
		if m.Direction == model.DirectionInbound {
			lastInbound = m
			break
		}
	}

	var reply string
	if lastInbound != nil && lastInbound.HasMedia && isMediaOnlyText(lastInbound.Text) {
		logger.Info("media-only message, using fallback prompt", zap.String("job", job.ID))
		reply, err = w.gen.GenerateReply(ctx,
			[]llm.ChatMessage{{Role: "user", Content: "[User sent a photo/video without text]"}},
			creator.Settings, llm.MediaFallbackPrompt(creator.Settings), job.Payload.FanStage)
	} else {
		chat := make([]llm.ChatMessage, 0, len(history))
		for i := len(history) - 1; i >= 0; i-- { // 还原成时间正序
			role := "assistant"
			if history[i].Direction == model.DirectionInbound {
				role = "user"
			}
			chat = append(chat, llm.ChatMessage{Role: role, Content: history[i].Text})
		}
		reply, err = w.gen.GenerateReply(ctx, chat, creator.Settings, "", job.Payload.FanStage)
	}
	if err != nil {
		return false, fmt.Errorf("generate reply: %w", err)
	}

	sent, err := w.sender.SendMessage(ctx, token, fan.FanvueFanID, reply)
	if err != nil {
		return false, fmt.Errorf("send message: %w", err)
	}

	now := w.now()
	if err := w.messages.Append(ctx, &model.Message{
		CreatorID:         job.CreatorID,
		FanID:             fanID,
		Direction:         model.DirectionOutbound,
		Text:              reply,
		ProviderMessageID: sent.MessageUUID,
		CreatedAt:         now,
	}); err != nil {
		return false, fmt.Errorf("append outbound: %w", err)
	}
	if err := w.messages.TouchOutbound(ctx, job.CreatorID, fanID, now); err != nil {
		logger.Warn("conversation_state upsert failed", zap.Error(err))
	}

	// 处理期间又来了新消息：本任务照常完成，开一个新的短延迟任务
	if job.LastMessageAt != nil {
		newer, err := w.messages.HasInboundAfter(ctx, job.CreatorID, fanID, *job.LastMessageAt)
		if err != nil {
			return false, fmt.Errorf("mid-flight check: %w", err)
		}
		if newer {
			w.enqueueFreshReply(ctx, job, fan)
		}
	}

	return false, w.complete(ctx, job.ID, "")
}

func (w *Worker) enqueueFreshReply(ctx context.Context, job *model.Job, fan *model.Fan) {
	fanID := fan.ID
	fresh := &model.Job{
		CreatorID: job.CreatorID,
		FanID:     &fanID,
		JobType:   model.JobTypeReply,
		Status:    model.JobStatusQueued,
		RunAt:     w.now().Add(w.delay.Delay(0)),
		Payload: model.JobPayload{
			FanStage:    job.Payload.FanStage,
			FanvueFanID: fan.FanvueFanID,
			FanMessage:  job.Payload.FanMessage,
			HasMedia:    job.Payload.HasMedia,
		},
	}
	if err := w.jobs.Create(ctx, fresh); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// webhook 已经排上了，不需要我们的
			return
		}
		logger.Error("fresh reply enqueue failed", zap.String("job", job.ID), zap.Error(err))
	}
}

func (w *Worker) processFollowup(ctx context.Context, job *model.Job) error {
	if job.FanID == nil || *job.FanID == "" {
		return permanentf("followup job missing fan_id")
	}
	if job.Payload.Amount == nil {
		return permanentf("followup job payload missing amount")
	}
	amount := *job.Payload.Amount

	creator, err := w.creators.GetByID(ctx, job.CreatorID)
	if err != nil {
		return fmt.Errorf("load creator: %w", err)
	}
	if !creator.IsActive {
		return permanentf("creator is not active")
	}

	token, err := w.tokens.AccessToken(ctx, job.CreatorID)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	fan, err := w.fans.GetByID(ctx, job.CreatorID, *job.FanID)
	if err != nil {
		return fmt.Errorf("load fan: %w", err)
	}
	if fan.FanvueFanID == "" {
		return permanentf("fan missing fanvue_fan_id")
	}

	thankYou, err := w.gen.GenerateReply(ctx,
		[]llm.ChatMessage{{Role: "user", Content: fmt.Sprintf("[System: Fan just sent a tip of $%.2f]", amount)}},
		creator.Settings, llm.ThankYouPrompt(amount), model.StagePostPurchase)
	if err != nil {
		return fmt.Errorf("generate thank-you: %w", err)
	}

	sent, err := w.sender.SendMessage(ctx, token, fan.FanvueFanID, thankYou)
	if err != nil {
		return fmt.Errorf("send thank-you: %w", err)
	}

	providerID := sent.MessageUUID
	if providerID == "" {
		providerID = fmt.Sprintf("tip-%d", w.now().UnixMilli())
	}
	if err := w.messages.Append(ctx, &model.Message{
		CreatorID:         job.CreatorID,
		FanID:             *job.FanID,
		Direction:         model.DirectionOutbound,
		Text:              thankYou,
		ProviderMessageID: providerID,
		CreatedAt:         w.now(),
	}); err != nil {
		return fmt.Errorf("append outbound: %w", err)
	}

	return w.complete(ctx, job.ID, "")
}

func (w *Worker) processBroadcast(ctx context.Context, job *model.Job) error {
	p := job.Payload
	if p.MessageText == "" {
		return permanentf("broadcast job missing message_text")
	}
	if len(p.TargetAudiences) == 0 {
		return permanentf("broadcast job missing target_audiences")
	}

	creator, err := w.creators.GetByID(ctx, job.CreatorID)
	if err != nil {
		return fmt.Errorf("load creator: %w", err)
	}
	if !creator.IsActive {
		return permanentf("creator is not active")
	}
	if creator.FanvueCreatorID == "" {
		return permanentf("creator missing fanvue_creator_id")
	}

	token, err := w.tokens.AccessToken(ctx, job.CreatorID)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	included := partitionAudiences(p.TargetAudiences, p.TargetAudienceTypes)
	req := fanvue.MassMessageRequest{Text: p.MessageText, IncludedLists: included}
	if len(p.ExcludeAudiences) > 0 {
		excluded := partitionAudiences(p.ExcludeAudiences, p.ExcludeAudienceTypes)
		req.ExcludedLists = &excluded
	}

	result, err := w.sender.SendMassMessage(ctx, token, creator.FanvueCreatorID, req)
	if err != nil {
		return fmt.Errorf("mass message: %w", err)
	}

	p.Result = &model.BroadcastResult{Sent: result.Sent, Failed: result.Failed, MessageID: result.MessageID}
	if err := w.jobs.UpdatePayload(ctx, job.ID, p); err != nil {
		return fmt.Errorf("write broadcast result: %w", err)
	}

	return w.complete(ctx, job.ID, "")
}

// partitionAudiences 按类型拆分受众：custom 走 uuid，其余按 smart type 处理
func partitionAudiences(ids, types []string) fanvue.ListRefs {
	var refs fanvue.ListRefs
	for i, id := range ids {
		t := "smart"
		if i < len(types) && types[i] != "" {
			t = types[i]
		}
		if t == "custom" {
			refs.CustomListUUIDs = append(refs.CustomListUUIDs, id)
		} else {
			refs.SmartListTypes = append(refs.SmartListTypes, id)
		}
	}
	return refs
}

func (w *Worker) complete(ctx context.Context, jobID, note string) error {
	err := w.jobs.Complete(ctx, jobID, note)
	if errors.Is(err, repository.ErrJobGone) {
		// 状态被并发方改掉了，结果已经落库，不重试
		logger.Warn("job no longer processing at completion", zap.String("job", jobID))
		return nil
	}
	return err
}

func isMediaOnlyText(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" || t == "[User sent media]" {
		return true
	}
	lower := strings.ToLower(t)
	return strings.HasPrefix(lower, "[system:") && strings.Contains(lower, "media") && strings.HasSuffix(lower, "]")
}
