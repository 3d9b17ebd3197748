package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/d60-Lab/inbox-autopilot/config"
	"github.com/d60-Lab/inbox-autopilot/internal/model"
	"github.com/d60-Lab/inbox-autopilot/internal/repository"
	"github.com/d60-Lab/inbox-autopilot/internal/service"
	"github.com/d60-Lab/inbox-autopilot/internal/webhook"
)

const (
	testCreatorID     = "11111111-1111-1111-1111-111111111111"
	testWebhookSecret = "whsec_test"
)

type webhookFixture struct {
	db     *gorm.DB
	router *gin.Engine
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Creator{}, &model.CreatorIntegration{}, &model.OAuthToken{},
		&model.Fan{}, &model.Message{}, &model.ConversationState{},
		&model.Transaction{}, &model.Job{},
	))

	jobs := repository.NewJobRepository(db)
	creators := repository.NewCreatorRepository(db)
	delay := service.NewDelayModelWithRand(config.DelayConfig{
		BaseMinSeconds: 30, BaseMaxSeconds: 80, PerPendingSeconds: 5, BonusCapSeconds: 40,
	}, rand.New(rand.NewSource(11)))
	scheduler := service.NewScheduler(jobs, delay)
	ingest := service.NewIngest(
		repository.NewFanRepository(db),
		repository.NewMessageRepository(db),
		repository.NewTransactionRepository(db),
		scheduler,
	)
	verifier := webhook.NewVerifier(300 * time.Second)

	h := New(&config.Config{}, ingest, scheduler, nil, nil, creators, jobs, nil, nil, verifier)

	r := gin.New()
	r.GET("/api/v1/webhooks/fanvue", h.WebhookPing)
	r.POST("/api/v1/webhooks/fanvue", h.Webhook)

	require.NoError(t, db.Create(&model.Creator{
		ID: testCreatorID, DisplayName: "Elara", FanvueCreatorID: "fv-creator-1", IsActive: true,
	}).Error)
	require.NoError(t, db.Create(&model.CreatorIntegration{
		ID: "int-1", CreatorID: testCreatorID, IntegrationType: "fanvue",
		WebhookSecret: testWebhookSecret, IsConnected: true,
	}).Error)

	return &webhookFixture{db: db, router: r}
}

func signWebhook(secret string, body []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v0=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func (f *webhookFixture) post(t *testing.T, path string, payload any, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	if sign {
		req.Header.Set("X-Fanvue-Signature", signWebhook(testWebhookSecret, body))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func messagePayload(text string) map[string]any {
	return map[string]any{
		"message": map[string]any{"text": text, "uuid": "msg-uuid-1"},
		"sender":  map[string]any{"uuid": "fv-fan-1", "handle": "mike92", "displayName": "Mike"},
	}
}

func TestWebhookPing(t *testing.T) {
	f := newWebhookFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/fanvue", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookMessageFlow(t *testing.T) {
	f := newWebhookFixture(t)
	path := "/api/v1/webhooks/fanvue?creatorId=" + testCreatorID

	// 第一条消息：建粉丝、落消息、排任务
	w := f.post(t, path, messagePayload("hey"), true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var fan model.Fan
	require.NoError(t, f.db.Where("fanvue_fan_id = ?", "fv-fan-1").First(&fan).Error)
	assert.Equal(t, 1, fan.MsgCountInbound)
	assert.Equal(t, model.StageNew, fan.Stage)
	assert.Equal(t, "mike92", fan.Username)
	assert.Equal(t, "Mike", fan.DisplayName)

	var job model.Job
	require.NoError(t, f.db.Where("job_type = ?", model.JobTypeReply).First(&job).Error)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.PendingCount)
	assert.Equal(t, "hey", job.Payload.FanMessage)
	delaySecs := time.Until(job.RunAt).Seconds()
	assert.GreaterOrEqual(t, delaySecs, 25.0)
	assert.LessOrEqual(t, delaySecs, 85.0)

	// 第二条消息并入同一任务，pending_count 递增
	w = f.post(t, path, messagePayload("u there?"), true)
	require.Equal(t, http.StatusOK, w.Code)

	var jobs []model.Job
	require.NoError(t, f.db.Where("job_type = ?", model.JobTypeReply).Find(&jobs).Error)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, 1, jobs[0].PendingCount)
	assert.Equal(t, "u there?", jobs[0].Payload.FanMessage)

	var fanAfter model.Fan
	require.NoError(t, f.db.Where("fanvue_fan_id = ?", "fv-fan-1").First(&fanAfter).Error)
	assert.Equal(t, 2, fanAfter.MsgCountInbound)

	var msgCount int64
	require.NoError(t, f.db.Model(&model.Message{}).Count(&msgCount).Error)
	assert.EqualValues(t, 2, msgCount)

	// webhook 健康状态被更新
	var in model.CreatorIntegration
	require.NoError(t, f.db.Where("creator_id = ?", testCreatorID).First(&in).Error)
	assert.NotNil(t, in.LastWebhookAt)
	assert.Empty(t, in.LastWebhookError)
}

func TestWebhookBadSignature(t *testing.T) {
	f := newWebhookFixture(t)
	path := "/api/v1/webhooks/fanvue?creatorId=" + testCreatorID

	body, _ := json.Marshal(messagePayload("hey"))
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(body)))
	req.Header.Set("X-Fanvue-Signature", "t=123,v0=deadbeef")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 签名失败记进接入健康状态，不产生任何业务数据
	var in model.CreatorIntegration
	require.NoError(t, f.db.Where("creator_id = ?", testCreatorID).First(&in).Error)
	assert.Contains(t, in.LastWebhookError, "signature validation failed")

	var jobCount int64
	require.NoError(t, f.db.Model(&model.Job{}).Count(&jobCount).Error)
	assert.EqualValues(t, 0, jobCount)
}

func TestWebhookCreatorFromPayload(t *testing.T) {
	f := newWebhookFixture(t)

	payload := messagePayload("hey")
	payload["recipientUuid"] = "fv-creator-1"
	w := f.post(t, "/api/v1/webhooks/fanvue", payload, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var fan model.Fan
	require.NoError(t, f.db.Where("fanvue_fan_id = ?", "fv-fan-1").First(&fan).Error)
	assert.Equal(t, testCreatorID, fan.CreatorID)
}

func TestWebhookCreatorFromSignatureMatch(t *testing.T) {
	f := newWebhookFixture(t)

	// 没有 query 参数也没有 recipientUuid，只能靠签名反查
	w := f.post(t, "/api/v1/webhooks/fanvue", messagePayload("hey"), true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var fan model.Fan
	require.NoError(t, f.db.Where("fanvue_fan_id = ?", "fv-fan-1").First(&fan).Error)
	assert.Equal(t, testCreatorID, fan.CreatorID)
}

func TestWebhookCreatorUnresolvable(t *testing.T) {
	f := newWebhookFixture(t)
	w := f.post(t, "/api/v1/webhooks/fanvue", messagePayload("hey"), false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookMediaOnlyMessage(t *testing.T) {
	f := newWebhookFixture(t)
	path := "/api/v1/webhooks/fanvue?creatorId=" + testCreatorID

	payload := map[string]any{
		"message": map[string]any{"text": "", "uuid": "msg-uuid-2", "hasMedia": true},
		"sender":  map[string]any{"uuid": "fv-fan-1", "handle": "mike92"},
	}
	w := f.post(t, path, payload, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var msg model.Message
	require.NoError(t, f.db.Where("direction = ?", model.DirectionInbound).First(&msg).Error)
	assert.True(t, msg.HasMedia)
	assert.Equal(t, "[User sent media]", msg.Text)

	var job model.Job
	require.NoError(t, f.db.Where("job_type = ?", model.JobTypeReply).First(&job).Error)
	assert.True(t, job.Payload.HasMedia)
}

func TestWebhookImageHintAppended(t *testing.T) {
	f := newWebhookFixture(t)
	path := "/api/v1/webhooks/fanvue?creatorId=" + testCreatorID

	payload := map[string]any{
		"message": map[string]any{
			"text":   "look",
			"uuid":   "msg-uuid-3",
			"images": []map[string]any{{"url": "a"}, {"url": "b"}},
		},
		"sender": map[string]any{"uuid": "fv-fan-1"},
	}
	w := f.post(t, path, payload, true)
	require.Equal(t, http.StatusOK, w.Code)

	var msg model.Message
	require.NoError(t, f.db.Where("direction = ?", model.DirectionInbound).First(&msg).Error)
	assert.Contains(t, msg.Text, "look")
	assert.Contains(t, msg.Text, "[System: User sent 2 image(s)")
	assert.True(t, msg.HasMedia)
}

func TestWebhookTransactionFlow(t *testing.T) {
	f := newWebhookFixture(t)
	path := "/api/v1/webhooks/fanvue?creatorId=" + testCreatorID

	payload := map[string]any{
		"transaction": map[string]any{
			"id":     "tx-1",
			"userId": "fv-fan-1",
			"amount": 25.5,
			"type":   "tip",
		},
	}
	w := f.post(t, path, payload, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var fan model.Fan
	require.NoError(t, f.db.Where("fanvue_fan_id = ?", "fv-fan-1").First(&fan).Error)
	assert.Equal(t, 25.5, fan.TotalSpend)
	assert.Equal(t, model.StagePostPurchase, fan.Stage)

	var job model.Job
	require.NoError(t, f.db.Where("job_type = ?", model.JobTypeFollowup).First(&job).Error)
	require.NotNil(t, job.Payload.Amount)
	assert.Equal(t, 25.5, *job.Payload.Amount)
	assert.Equal(t, "tx-1", job.Payload.TransactionID)
}

func TestWebhookNumericSenderID(t *testing.T) {
	f := newWebhookFixture(t)
	path := "/api/v1/webhooks/fanvue?creatorId=" + testCreatorID

	// id 字段有时是数字，flexString 要能兜住
	payload := map[string]any{
		"message": map[string]any{"text": "hey", "id": 12345},
		"sender":  map[string]any{"id": 67890, "handle": "mike92"},
	}
	w := f.post(t, path, payload, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var fan model.Fan
	require.NoError(t, f.db.Where("fanvue_fan_id = ?", "67890").First(&fan).Error)
	assert.Equal(t, "mike92", fan.Username)
}

func TestWebhookUnknownEventAccepted(t *testing.T) {
	f := newWebhookFixture(t)
	path := "/api/v1/webhooks/fanvue?creatorId=" + testCreatorID

	w := f.post(t, path, map[string]any{"event": "creator.updated"}, true)
	assert.Equal(t, http.StatusOK, w.Code)

	var jobCount int64
	require.NoError(t, f.db.Model(&model.Job{}).Count(&jobCount).Error)
	assert.EqualValues(t, 0, jobCount)
}

func TestWebhookTestEvent(t *testing.T) {
	f := newWebhookFixture(t)
	path := "/api/v1/webhooks/fanvue?creatorId=" + testCreatorID

	w := f.post(t, path, map[string]any{"event": "test"}, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"event":"test"`)
}

func TestWebhookInvalidJSON(t *testing.T) {
	f := newWebhookFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/fanvue?creatorId="+testCreatorID,
		strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
