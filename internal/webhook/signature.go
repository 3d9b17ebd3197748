// Package webhook 校验 Fanvue webhook 签名。
//
// Header 格式: X-Fanvue-Signature: t=<unix_ts>,v0=<hex_hmac>
// 被签名内容: "<timestamp>.<rawBody>"，HMAC-SHA256(secret) 的 hex。
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrMalformedHeader  = errors.New("invalid signature header format")
	ErrStaleTimestamp   = errors.New("signature timestamp outside tolerance")
	ErrBadSignature     = errors.New("signature mismatch")
)

// Verifier 无状态签名校验器；now 可注入便于测试
type Verifier struct {
	Tolerance time.Duration
	Now       func() time.Time
}

func NewVerifier(tolerance time.Duration) *Verifier {
	return &Verifier{Tolerance: tolerance, Now: time.Now}
}

// Verify 校验签名。secret 为空时跳过（租户未配置 secret 的开发模式）。
func (v *Verifier) Verify(rawBody []byte, header, secret string) error {
	if secret == "" {
		return nil
	}
	if header == "" {
		return ErrMissingSignature
	}

	ts, sig, err := parseHeader(header)
	if err != nil {
		return err
	}

	tsNum, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrMalformedHeader)
	}

	now := v.Now().Unix()
	diff := now - tsNum
	if diff < 0 {
		diff = -diff
	}
	if time.Duration(diff)*time.Second > v.Tolerance {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))

	// hmac.Equal 常量时间比较
	if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

func parseHeader(header string) (ts, sig string, err error) {
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "t":
			ts = strings.TrimSpace(v)
		case "v0":
			sig = strings.TrimSpace(v)
		}
	}
	if ts == "" || sig == "" {
		return "", "", ErrMalformedHeader
	}
	return ts, sig, nil
}
