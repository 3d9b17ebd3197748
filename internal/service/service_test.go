package service

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/d60-Lab/inbox-autopilot/config"
	"github.com/d60-Lab/inbox-autopilot/internal/model"
)

// TranslateError 必须打开，调度器依赖 gorm.ErrDuplicatedKey 识别唯一键冲突
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Creator{},
		&model.CreatorIntegration{},
		&model.OAuthToken{},
		&model.Fan{},
		&model.Message{},
		&model.ConversationState{},
		&model.Transaction{},
		&model.Job{},
	))
	return db
}

func testDelayConfig() config.DelayConfig {
	return config.DelayConfig{
		BaseMinSeconds:    30,
		BaseMaxSeconds:    80,
		PerPendingSeconds: 5,
		BonusCapSeconds:   40,
	}
}
