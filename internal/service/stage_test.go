package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/d60-Lab/inbox-autopilot/internal/model"
)

func TestDeriveFanStage(t *testing.T) {
	cases := []struct {
		name     string
		msgCount int
		spend    float64
		want     model.FanStage
	}{
		{"brand new", 0, 0, model.StageNew},
		{"below warmup", 4, 0, model.StageNew},
		{"warmup at 5", 5, 0, model.StageWarmup},
		{"flirty at 10", 10, 0, model.StageFlirty},
		{"sales at 20", 20, 0, model.StageSales},
		{"heavy chatter stays sales", 500, 0, model.StageSales},
		{"any spend beats msg count", 50, 0.01, model.StagePostPurchase},
		{"vip at 100", 3, 100, model.StageVIP},
		{"vip above 100", 0, 250.5, model.StageVIP},
		{"just under vip", 0, 99.99, model.StagePostPurchase},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveFanStage(tc.msgCount, tc.spend))
		})
	}
}
