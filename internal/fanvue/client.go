// Package fanvue 是 Fanvue REST API 的出站客户端。
//
// Fanvue 不同账号/版本的接口形状不一致（endpoint 路径、分页风格、
// 字段命名），所有探测和兼容逻辑都收在本包内，上层只看到干净的结果。
package fanvue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/inbox-autopilot/config"
	"github.com/d60-Lab/inbox-autopilot/pkg/logger"
)

type Client struct {
	baseURL    string
	apiVersion string
	client     *http.Client
	limiter    *rate.Limiter
}

func NewClient(cfg config.FanvueConfig) *Client {
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 5
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 10
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		apiVersion: cfg.APIVersion,
		client:     &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(perSec), burst),
	}
}

// SendResult 发送结果；Fanvue 叫 messageUuid，部分变体叫 id
type SendResult struct {
	MessageUUID string
}

// SendMessage 给指定 fan 发私信，非 2xx 一律报错
func (c *Client) SendMessage(ctx context.Context, accessToken, recipientUserUUID, text string) (*SendResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/chats/%s/message", c.baseURL, url.PathEscape(recipientUserUUID))
	body, _ := json.Marshal(map[string]string{"text": text})

	status, raw, err := c.do(ctx, http.MethodPost, u, accessToken, body)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("fanvue: send message failed %d: %s", status, truncate(raw, 500))
	}

	var parsed struct {
		MessageUUID string `json:"messageUuid"`
		ID          string `json:"id"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || (parsed.MessageUUID == "" && parsed.ID == "") {
		// 接口偶尔返回空 body，生成稳定占位 id 让消息落库不受影响
		return &SendResult{MessageUUID: fmt.Sprintf("fanvue-ok-%d", time.Now().UnixMilli())}, nil
	}
	if parsed.MessageUUID == "" {
		parsed.MessageUUID = parsed.ID
	}
	return &SendResult{MessageUUID: parsed.MessageUUID}, nil
}

// MarkChatRead PATCH /chats/{uuid}，只影响已读状态，调用方可忽略失败
func (c *Client) MarkChatRead(ctx context.Context, accessToken, fanUserUUID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := fmt.Sprintf("%s/chats/%s", c.baseURL, url.PathEscape(fanUserUUID))
	body, _ := json.Marshal(map[string]bool{"isRead": true})

	status, raw, err := c.do(ctx, http.MethodPatch, u, accessToken, body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("fanvue: mark read failed %d: %s", status, truncate(raw, 200))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, u, accessToken string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Fanvue-API-Version", c.apiVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fanvue: %s %s: %w", method, u, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, raw, nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n]
	}
	return s
}

func logProbe(what, u string, status int) {
	logger.Debug("fanvue endpoint probe", zap.String("what", what), zap.String("url", u), zap.Int("status", status))
}
