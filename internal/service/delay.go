package service

import (
	"math"
	"math/rand"
	"time"

	"github.com/d60-Lab/inbox-autopilot/config"
)

// DelayModel 计算拟人回复延迟：
//
//	delay = uniform(baseMin, baseMax) + min(pendingCount*perPending, bonusCap)
//
// 基础延迟模拟真人不秒回；pending 加成模拟在读积压消息。
// 随机源可注入，测试用固定 seed。
type DelayModel struct {
	baseMin    int
	baseMax    int
	perPending int
	bonusCap   int
	randFloat  func() float64
}

func NewDelayModel(cfg config.DelayConfig) *DelayModel {
	return &DelayModel{
		baseMin:    cfg.BaseMinSeconds,
		baseMax:    cfg.BaseMaxSeconds,
		perPending: cfg.PerPendingSeconds,
		bonusCap:   cfg.BonusCapSeconds,
		randFloat:  rand.Float64,
	}
}

// NewDelayModelWithRand 测试用：注入随机源
func NewDelayModelWithRand(cfg config.DelayConfig, r *rand.Rand) *DelayModel {
	m := NewDelayModel(cfg)
	m.randFloat = r.Float64
	return m
}

// Delay pendingCount 为该任务已并入的后续消息数
func (m *DelayModel) Delay(pendingCount int) time.Duration {
	base := float64(m.baseMin) + m.randFloat()*float64(m.baseMax-m.baseMin)
	bonus := pendingCount * m.perPending
	if bonus > m.bonusCap {
		bonus = m.bonusCap
	}
	secs := int(math.Round(base)) + bonus
	return time.Duration(secs) * time.Second
}
