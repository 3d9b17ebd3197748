package service

import "github.com/d60-Lab/inbox-autopilot/internal/model"

// DeriveFanStage 粉丝阶段推导。
// 消费触发的阶段优先于消息数阶梯，从上到下第一个命中生效：
// vip(>=100) > post_purchase(>0) > sales(>=20) > flirty(>=10) > warmup(>=5) > new
func DeriveFanStage(msgCount int, totalSpend float64) model.FanStage {
	switch {
	case totalSpend >= 100:
		return model.StageVIP
	case totalSpend > 0:
		return model.StagePostPurchase
	case msgCount >= 20:
		return model.StageSales
	case msgCount >= 10:
		return model.StageFlirty
	case msgCount >= 5:
		return model.StageWarmup
	default:
		return model.StageNew
	}
}
