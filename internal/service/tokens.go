package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/inbox-autopilot/internal/model"
	"github.com/d60-Lab/inbox-autopilot/internal/repository"
	"github.com/d60-Lab/inbox-autopilot/pkg/logger"
)

// ErrNeedsReconnect token 不可恢复，租户必须重新走 OAuth 授权
var ErrNeedsReconnect = errors.New("integration needs reconnect")

// TokenProvider worker 取 access token 的唯一入口
type TokenProvider interface {
	AccessToken(ctx context.Context, creatorID string) (string, error)
}

// TokenManager 管理每租户的 Fanvue OAuth token：
// redis 缓存 → DB → 过期前 5 分钟主动刷新。
// 刷新失败时把接入标记为断连，后续任务快速失败。
type TokenManager struct {
	creators     repository.CreatorRepository
	rdb          *redis.Client // 可为 nil，降级为纯 DB
	tokenURL     string
	expiryBuffer time.Duration
	httpClient   *http.Client
	now          func() time.Time
}

func NewTokenManager(creators repository.CreatorRepository, rdb *redis.Client, tokenURL string, expiryBuffer time.Duration) *TokenManager {
	return &TokenManager{
		creators:     creators,
		rdb:          rdb,
		tokenURL:     tokenURL,
		expiryBuffer: expiryBuffer,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		now:          time.Now,
	}
}

type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func tokenCacheKey(creatorID string) string { return "fanvue:token:" + creatorID }

// AccessToken 返回当前可用的 access token，必要时先刷新
func (m *TokenManager) AccessToken(ctx context.Context, creatorID string) (string, error) {
	if tok, ok := m.fromCache(ctx, creatorID); ok {
		return tok, nil
	}

	tok, err := m.creators.GetToken(ctx, creatorID)
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	if tok == nil || tok.AccessToken == "" {
		return "", fmt.Errorf("creator %s: no stored token: %w", creatorID, ErrNeedsReconnect)
	}

	if m.now().Add(m.expiryBuffer).Before(tok.ExpiresAt) {
		m.toCache(ctx, creatorID, tok)
		return tok.AccessToken, nil
	}

	refreshed, err := m.refresh(ctx, creatorID, tok)
	if err != nil {
		return "", err
	}
	m.toCache(ctx, creatorID, refreshed)
	return refreshed.AccessToken, nil
}

// Invalidate API 返回 401 后调用，强制下次走刷新
func (m *TokenManager) Invalidate(ctx context.Context, creatorID string) {
	if m.rdb != nil {
		m.rdb.Del(ctx, tokenCacheKey(creatorID))
	}
}

func (m *TokenManager) refresh(ctx context.Context, creatorID string, tok *model.OAuthToken) (*model.OAuthToken, error) {
	if tok.RefreshToken == "" || m.tokenURL == "" {
		_ = m.creators.MarkDisconnected(ctx, creatorID, "token expired, no refresh path")
		return nil, fmt.Errorf("creator %s: token expired without refresh token: %w", creatorID, ErrNeedsReconnect)
	}

	in, err := m.creators.GetIntegration(ctx, creatorID)
	if err != nil {
		return nil, fmt.Errorf("load integration: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", tok.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(in.ClientID, in.ClientSecret)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusOK {
		// 刷新被拒基本意味着 refresh token 已吊销，标记断连
		cause := fmt.Sprintf("token refresh failed: status %d", resp.StatusCode)
		if err := m.creators.MarkDisconnected(ctx, creatorID, cause); err != nil {
			logger.Error("mark disconnected failed", zap.Error(err), zap.String("creator", creatorID))
		}
		return nil, fmt.Errorf("creator %s: %s: %w", creatorID, cause, ErrNeedsReconnect)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.AccessToken == "" {
		return nil, fmt.Errorf("creator %s: bad token response: %w", creatorID, ErrNeedsReconnect)
	}

	tok.AccessToken = payload.AccessToken
	if payload.RefreshToken != "" {
		// Fanvue 轮换 refresh token，必须持久化新值
		tok.RefreshToken = payload.RefreshToken
	}
	tok.ExpiresAt = m.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	if err := m.creators.SaveToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("save refreshed token: %w", err)
	}
	logger.Info("token refreshed", zap.String("creator", creatorID), zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

func (m *TokenManager) fromCache(ctx context.Context, creatorID string) (string, bool) {
	if m.rdb == nil {
		return "", false
	}
	raw, err := m.rdb.Get(ctx, tokenCacheKey(creatorID)).Result()
	if err != nil {
		return "", false
	}
	var c cachedToken
	if json.Unmarshal([]byte(raw), &c) != nil {
		return "", false
	}
	if !m.now().Add(m.expiryBuffer).Before(c.ExpiresAt) {
		return "", false
	}
	return c.AccessToken, true
}

func (m *TokenManager) toCache(ctx context.Context, creatorID string, tok *model.OAuthToken) {
	if m.rdb == nil {
		return
	}
	raw, _ := json.Marshal(cachedToken{AccessToken: tok.AccessToken, ExpiresAt: tok.ExpiresAt})
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		return
	}
	m.rdb.Set(ctx, tokenCacheKey(creatorID), raw, ttl)
}
