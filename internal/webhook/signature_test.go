package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signBody(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v0=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func newTestVerifier(at time.Time) *Verifier {
	v := NewVerifier(300 * time.Second)
	v.Now = func() time.Time { return at }
	return v
}

func TestVerifyValidSignature(t *testing.T) {
	now := time.Now()
	body := []byte(`{"event":"message.received"}`)
	header := signBody("whsec_test", now.Unix(), body)

	v := newTestVerifier(now)
	require.NoError(t, v.Verify(body, header, "whsec_test"))
}

func TestVerifyEmptySecretSkips(t *testing.T) {
	v := newTestVerifier(time.Now())
	// 未配置 secret 的租户（开发模式）不校验
	assert.NoError(t, v.Verify([]byte(`{}`), "", ""))
	assert.NoError(t, v.Verify([]byte(`{}`), "garbage", ""))
}

func TestVerifyMissingHeader(t *testing.T) {
	v := newTestVerifier(time.Now())
	assert.ErrorIs(t, v.Verify([]byte(`{}`), "", "whsec_test"), ErrMissingSignature)
}

func TestVerifyMalformedHeader(t *testing.T) {
	v := newTestVerifier(time.Now())
	assert.ErrorIs(t, v.Verify([]byte(`{}`), "nonsense", "whsec_test"), ErrMalformedHeader)
	assert.ErrorIs(t, v.Verify([]byte(`{}`), "t=123", "whsec_test"), ErrMalformedHeader)
	assert.ErrorIs(t, v.Verify([]byte(`{}`), "v0=abc", "whsec_test"), ErrMalformedHeader)
	assert.ErrorIs(t, v.Verify([]byte(`{}`), "t=notanumber,v0=abc", "whsec_test"), ErrMalformedHeader)
}

func TestVerifyStaleTimestamp(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)
	v := newTestVerifier(now)

	old := now.Add(-301 * time.Second).Unix()
	assert.ErrorIs(t, v.Verify(body, signBody("whsec_test", old, body), "whsec_test"), ErrStaleTimestamp)

	// 未来时间戳同样拒绝
	future := now.Add(301 * time.Second).Unix()
	assert.ErrorIs(t, v.Verify(body, signBody("whsec_test", future, body), "whsec_test"), ErrStaleTimestamp)

	// 边界内放行
	edge := now.Add(-299 * time.Second).Unix()
	assert.NoError(t, v.Verify(body, signBody("whsec_test", edge, body), "whsec_test"))
}

func TestVerifyTamperedBody(t *testing.T) {
	now := time.Now()
	body := []byte(`{"amount":10}`)
	header := signBody("whsec_test", now.Unix(), body)

	v := newTestVerifier(now)
	assert.ErrorIs(t, v.Verify([]byte(`{"amount":9999}`), header, "whsec_test"), ErrBadSignature)
}

func TestVerifyWrongSecret(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)
	header := signBody("whsec_other", now.Unix(), body)

	v := newTestVerifier(now)
	assert.ErrorIs(t, v.Verify(body, header, "whsec_test"), ErrBadSignature)
}

func TestVerifyUppercaseHexAccepted(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)
	mac := hmac.New(sha256.New, []byte("whsec_test"))
	fmt.Fprintf(mac, "%d.", now.Unix())
	mac.Write(body)
	header := fmt.Sprintf("t=%d,v0=%X", now.Unix(), mac.Sum(nil))

	v := newTestVerifier(now)
	assert.NoError(t, v.Verify(body, header, "whsec_test"))
}
