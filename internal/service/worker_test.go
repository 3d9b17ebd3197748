package service

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/inbox-autopilot/config"
	"github.com/d60-Lab/inbox-autopilot/internal/fanvue"
	"github.com/d60-Lab/inbox-autopilot/internal/llm"
	"github.com/d60-Lab/inbox-autopilot/internal/model"
	"github.com/d60-Lab/inbox-autopilot/internal/repository"
)

type sentCall struct {
	Recipient string
	Text      string
}

type fakeSender struct {
	sent     []sentCall
	sendErr  error
	readMark []string

	massReqs   []fanvue.MassMessageRequest
	massResult *fanvue.MassMessageResult
	massErr    error
}

func (f *fakeSender) SendMessage(_ context.Context, _, recipient, text string) (*fanvue.SendResult, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, sentCall{Recipient: recipient, Text: text})
	return &fanvue.SendResult{MessageUUID: "out-1"}, nil
}

func (f *fakeSender) MarkChatRead(_ context.Context, _, fanUUID string) error {
	f.readMark = append(f.readMark, fanUUID)
	return nil
}

func (f *fakeSender) SendMassMessage(_ context.Context, _, _ string, req fanvue.MassMessageRequest) (*fanvue.MassMessageResult, error) {
	f.massReqs = append(f.massReqs, req)
	if f.massErr != nil {
		return nil, f.massErr
	}
	return f.massResult, nil
}

type fakeGen struct {
	reply     string
	err       error
	overrides []string
	histories [][]llm.ChatMessage
	stages    []model.FanStage
}

func (f *fakeGen) GenerateReply(_ context.Context, history []llm.ChatMessage, _ model.CreatorSettings, systemOverride string, stage model.FanStage) (string, error) {
	f.overrides = append(f.overrides, systemOverride)
	f.histories = append(f.histories, history)
	f.stages = append(f.stages, stage)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) AccessToken(context.Context, string) (string, error) {
	return f.token, f.err
}

type workerFixture struct {
	db     *gorm.DB
	worker *Worker
	jobs   repository.JobRepository
	msgs   repository.MessageRepository
	sender *fakeSender
	gen    *fakeGen
}

func newTestWorker(t *testing.T) *workerFixture {
	t.Helper()
	db := setupTestDB(t)
	jobs := repository.NewJobRepository(db)
	msgs := repository.NewMessageRepository(db)
	sender := &fakeSender{massResult: &fanvue.MassMessageResult{Sent: 3, MessageID: "mass-1"}}
	gen := &fakeGen{reply: "heyy how are u 😘"}
	cfg := config.WorkerConfig{BatchSize: 10, TimeBudget: 10 * time.Second, MaxAttempts: 3, RetryBackoff: time.Minute}
	w := NewWorker(jobs, repository.NewFanRepository(db), msgs, repository.NewCreatorRepository(db),
		sender, gen, &fakeTokens{token: "tok-1"},
		NewDelayModelWithRand(testDelayConfig(), rand.New(rand.NewSource(3))), cfg)
	return &workerFixture{db: db, worker: w, jobs: jobs, msgs: msgs, sender: sender, gen: gen}
}

func (f *workerFixture) seedCreator(t *testing.T, active bool) {
	t.Helper()
	require.NoError(t, f.db.Create(&model.Creator{
		ID: "creator-1", DisplayName: "Elara", FanvueCreatorID: "fv-creator-1", IsActive: active,
		Settings: model.CreatorSettings{Name: "Elara", Tone: "playful"},
	}).Error)
}

func (f *workerFixture) seedFan(t *testing.T) {
	t.Helper()
	require.NoError(t, f.db.Create(&model.Fan{
		ID: "fan-1", CreatorID: "creator-1", FanvueFanID: "fv-fan-1",
		Username: "mike92", MsgCountInbound: 1, Stage: model.StageNew,
	}).Error)
}

func (f *workerFixture) seedInbound(t *testing.T, text string, hasMedia bool, at time.Time) {
	t.Helper()
	require.NoError(t, f.msgs.Append(context.Background(), &model.Message{
		CreatorID: "creator-1", FanID: "fan-1", Direction: model.DirectionInbound,
		Text: text, HasMedia: hasMedia, CreatedAt: at,
	}))
}

func (f *workerFixture) seedReplyJob(t *testing.T, payload model.JobPayload) *model.Job {
	t.Helper()
	fanID := "fan-1"
	lastMsg := time.Now().Add(-2 * time.Minute)
	job := &model.Job{
		CreatorID: "creator-1", FanID: &fanID,
		JobType: model.JobTypeReply, Status: model.JobStatusQueued,
		RunAt: time.Now().Add(-time.Minute), LastMessageAt: &lastMsg,
		Payload: payload,
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))
	// CreatedAt 要早于后续种入的出站消息
	require.NoError(t, f.db.Model(job).Update("created_at", time.Now().Add(-2*time.Minute)).Error)
	job.CreatedAt = time.Now().Add(-2 * time.Minute)
	return job
}

func replyPayload() model.JobPayload {
	return model.JobPayload{
		FanMessage:  "hey",
		FanvueFanID: "fv-fan-1",
		FanStage:    model.StageNew,
	}
}

func TestWorkerReplyHappyPath(t *testing.T) {
	f := newTestWorker(t)
	ctx := context.Background()
	f.seedCreator(t, true)
	f.seedFan(t)
	f.seedInbound(t, "hey", false, time.Now().Add(-3*time.Minute))
	job := f.seedReplyJob(t, replyPayload())

	rep := f.worker.RunBatch(ctx, 10, 5*time.Second)
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, 1, rep.Completed)
	assert.Equal(t, 0, rep.Failed)
	assert.Equal(t, "no_more_jobs", rep.StoppedBecause)

	// 已读回执 + 发送都打到 Fanvue 侧的粉丝 uuid
	assert.Equal(t, []string{"fv-fan-1"}, f.sender.readMark)
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "fv-fan-1", f.sender.sent[0].Recipient)
	assert.Equal(t, "heyy how are u 😘", f.sender.sent[0].Text)

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Empty(t, got.LastError)

	// 出站消息落库，会话状态更新
	var out model.Message
	require.NoError(t, f.db.Where("direction = ?", model.DirectionOutbound).First(&out).Error)
	assert.Equal(t, "out-1", out.ProviderMessageID)
	var state model.ConversationState
	require.NoError(t, f.db.Where("fan_id = ?", "fan-1").First(&state).Error)
	assert.NotNil(t, state.LastBotMessageAt)

	// 历史被还原成时间正序传给生成器
	require.Len(t, f.gen.histories, 1)
	require.NotEmpty(t, f.gen.histories[0])
	assert.Equal(t, "user", f.gen.histories[0][len(f.gen.histories[0])-1].Role)
	assert.Equal(t, "", f.gen.overrides[0])
}

func TestWorkerReplyDuplicateSkip(t *testing.T) {
	f := newTestWorker(t)
	ctx := context.Background()
	f.seedCreator(t, true)
	f.seedFan(t)
	f.seedInbound(t, "hey", false, time.Now().Add(-3*time.Minute))
	job := f.seedReplyJob(t, replyPayload())

	// 任务创建之后已经有人工回复
	require.NoError(t, f.msgs.Append(ctx, &model.Message{
		CreatorID: "creator-1", FanID: "fan-1", Direction: model.DirectionOutbound,
		Text: "manual reply", CreatedAt: time.Now().Add(-30 * time.Second),
	}))

	rep := f.worker.RunBatch(ctx, 10, 5*time.Second)
	assert.Equal(t, 1, rep.Completed)
	assert.Equal(t, 1, rep.Skipped)
	assert.Empty(t, f.sender.sent)

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, "skipped:duplicate", got.LastError)
}

func TestWorkerReplyMediaOnlyFallback(t *testing.T) {
	f := newTestWorker(t)
	ctx := context.Background()
	f.seedCreator(t, true)
	f.seedFan(t)
	f.seedInbound(t, "[User sent media]", true, time.Now().Add(-3*time.Minute))
	p := replyPayload()
	p.FanMessage = "[User sent media]"
	p.HasMedia = true
	f.seedReplyJob(t, p)

	rep := f.worker.RunBatch(ctx, 10, 5*time.Second)
	assert.Equal(t, 1, rep.Completed)

	// 走媒体兜底 prompt，而不是普通人设 prompt
	require.Len(t, f.gen.overrides, 1)
	assert.NotEmpty(t, f.gen.overrides[0])
	require.Len(t, f.gen.histories, 1)
	assert.Equal(t, "[User sent a photo/video without text]", f.gen.histories[0][0].Content)
	require.Len(t, f.sender.sent, 1)
}

func TestWorkerReplyRetryThenFail(t *testing.T) {
	f := newTestWorker(t)
	ctx := context.Background()
	f.seedCreator(t, true)
	f.seedFan(t)
	f.seedInbound(t, "hey", false, time.Now().Add(-3*time.Minute))
	job := f.seedReplyJob(t, replyPayload())
	f.gen.err = errors.New("llm timeout")

	// 第一次失败：回到 queued，attempts+1，run_at 推后
	rep := f.worker.RunBatch(ctx, 10, 5*time.Second)
	assert.Equal(t, 1, rep.Failed)
	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "llm timeout")
	assert.True(t, got.RunAt.After(time.Now().Add(30*time.Second)))

	// 重试预算耗尽后落 failed
	require.NoError(t, f.db.Model(&model.Job{}).Where("id = ?", job.ID).
		Updates(map[string]any{"attempts": 3, "run_at": time.Now().Add(-time.Second)}).Error)
	rep = f.worker.RunBatch(ctx, 10, 5*time.Second)
	assert.Equal(t, 1, rep.Failed)
	got, err = f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
}

func TestWorkerReplyPermanentErrorStillConsumesRetries(t *testing.T) {
	f := newTestWorker(t)
	ctx := context.Background()
	f.seedCreator(t, false) // inactive：配置类错误
	f.seedFan(t)
	job := f.seedReplyJob(t, replyPayload())

	rep := f.worker.RunBatch(ctx, 10, 5*time.Second)
	assert.Equal(t, 1, rep.Failed)

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Contains(t, got.LastError, "permanent:")
	assert.Empty(t, f.sender.sent)
}

func TestWorkerReplyMidFlightMessageEnqueuesFresh(t *testing.T) {
	f := newTestWorker(t)
	ctx := context.Background()
	f.seedCreator(t, true)
	f.seedFan(t)
	f.seedInbound(t, "hey", false, time.Now().Add(-3*time.Minute))
	job := f.seedReplyJob(t, replyPayload())

	// LastMessageAt 之后又来了一条入站消息
	f.seedInbound(t, "and one more thing", false, time.Now().Add(-10*time.Second))

	rep := f.worker.RunBatch(ctx, 1, 5*time.Second)
	assert.Equal(t, 1, rep.Completed)

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)

	// 本任务完成之外还排了一个新的短延迟任务
	var queued []model.Job
	require.NoError(t, f.db.Where("status = ? AND job_type = ?", model.JobStatusQueued, model.JobTypeReply).Find(&queued).Error)
	require.Len(t, queued, 1)
	assert.NotEqual(t, job.ID, queued[0].ID)
	assert.Equal(t, "fv-fan-1", queued[0].Payload.FanvueFanID)
}

func TestWorkerFollowup(t *testing.T) {
	f := newTestWorker(t)
	ctx := context.Background()
	f.seedCreator(t, true)
	f.seedFan(t)
	f.gen.reply = "omg thank u so much 🥰"

	fanID := "fan-1"
	amount := 25.0
	job := &model.Job{
		CreatorID: "creator-1", FanID: &fanID,
		JobType: model.JobTypeFollowup, Status: model.JobStatusQueued,
		RunAt:   time.Now().Add(-time.Second),
		Payload: model.JobPayload{Kind: "thank_you", TransactionID: "tx-1", Amount: &amount},
	}
	require.NoError(t, f.jobs.Create(ctx, job))

	rep := f.worker.RunBatch(ctx, 10, 5*time.Second)
	assert.Equal(t, 1, rep.Completed)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "omg thank u so much 🥰", f.sender.sent[0].Text)
	// 感谢语按 post_purchase 口吻生成
	require.Len(t, f.gen.stages, 1)
	assert.Equal(t, model.StagePostPurchase, f.gen.stages[0])
	assert.NotEmpty(t, f.gen.overrides[0])

	var out model.Message
	require.NoError(t, f.db.Where("direction = ?", model.DirectionOutbound).First(&out).Error)
	assert.Equal(t, "omg thank u so much 🥰", out.Text)
}

func TestWorkerBroadcast(t *testing.T) {
	f := newTestWorker(t)
	ctx := context.Background()
	f.seedCreator(t, true)

	job := &model.Job{
		CreatorID: "creator-1",
		JobType:   model.JobTypeBroadcast, Status: model.JobStatusQueued,
		RunAt: time.Now().Add(-time.Second),
		Payload: model.JobPayload{
			MessageText:         "new set just dropped 🔥",
			TargetAudiences:     []string{"ALL_CONTACTS", "123e4567-e89b-12d3-a456-426614174000"},
			TargetAudienceTypes: []string{"smart", "custom"},
			ExcludeAudiences:    []string{"SPENT_MORE_THAN"},
		},
	}
	require.NoError(t, f.jobs.Create(ctx, job))

	rep := f.worker.RunBatch(ctx, 10, 5*time.Second)
	assert.Equal(t, 1, rep.Completed)

	// 受众按类型拆分：smart type 与 custom uuid 各归各
	require.Len(t, f.sender.massReqs, 1)
	req := f.sender.massReqs[0]
	assert.Equal(t, []string{"ALL_CONTACTS"}, req.IncludedLists.SmartListTypes)
	assert.Equal(t, []string{"123e4567-e89b-12d3-a456-426614174000"}, req.IncludedLists.CustomListUUIDs)
	require.NotNil(t, req.ExcludedLists)
	assert.Equal(t, []string{"SPENT_MORE_THAN"}, req.ExcludedLists.SmartListTypes)

	// 发送回执写回 payload
	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	require.NotNil(t, got.Payload.Result)
	assert.Equal(t, 3, got.Payload.Result.Sent)
	assert.Equal(t, "mass-1", got.Payload.Result.MessageID)
}

func TestWorkerBroadcastSendFailureRetries(t *testing.T) {
	f := newTestWorker(t)
	ctx := context.Background()
	f.seedCreator(t, true)
	f.sender.massErr = errors.New("fanvue 503")

	job := &model.Job{
		CreatorID: "creator-1",
		JobType:   model.JobTypeBroadcast, Status: model.JobStatusQueued,
		RunAt:   time.Now().Add(-time.Second),
		Payload: model.JobPayload{MessageText: "hi", TargetAudiences: []string{"ALL_CONTACTS"}},
	}
	require.NoError(t, f.jobs.Create(ctx, job))

	rep := f.worker.RunBatch(ctx, 10, 5*time.Second)
	assert.Equal(t, 1, rep.Failed)

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestWorkerNoDueJobs(t *testing.T) {
	f := newTestWorker(t)
	rep := f.worker.RunBatch(context.Background(), 10, 5*time.Second)
	assert.Equal(t, 0, rep.Processed)
	assert.Equal(t, "no_more_jobs", rep.StoppedBecause)
}

func TestWorkerBatchLimit(t *testing.T) {
	f := newTestWorker(t)
	ctx := context.Background()
	f.seedCreator(t, true)
	f.seedFan(t)
	f.seedInbound(t, "hey", false, time.Now().Add(-3*time.Minute))

	fanID := "fan-1"
	amount := 5.0
	for i := 0; i < 3; i++ {
		require.NoError(t, f.jobs.Create(ctx, &model.Job{
			CreatorID: "creator-1", FanID: &fanID,
			JobType: model.JobTypeFollowup, Status: model.JobStatusQueued,
			RunAt:   time.Now().Add(-time.Second),
			Payload: model.JobPayload{Amount: &amount},
		}))
	}

	rep := f.worker.RunBatch(ctx, 2, 5*time.Second)
	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, "batch_limit", rep.StoppedBecause)
}

func TestIsMediaOnlyText(t *testing.T) {
	assert.True(t, isMediaOnlyText(""))
	assert.True(t, isMediaOnlyText("   "))
	assert.True(t, isMediaOnlyText("[User sent media]"))
	assert.True(t, isMediaOnlyText("[System: User sent media attachment. You cannot see it, but acknowledge receiving it playfully.]"))
	assert.False(t, isMediaOnlyText("check this out"))
	assert.False(t, isMediaOnlyText("[System: something else]"))
}
