package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/d60-Lab/inbox-autopilot/config"
	"github.com/d60-Lab/inbox-autopilot/internal/model"
)

// InitDB 按配置打开数据库连接
// TranslateError 打开后 gorm 会把驱动的唯一键冲突翻译成 gorm.ErrDuplicatedKey，
// 调度器的 create-or-extend 依赖这一点。
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{TranslateError: true}

	switch cfg.Database.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.Database.DSN), gcfg)
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.Database.DSN), gcfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

// Migrate 自动建表（开发/测试用，生产走迁移脚本）
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Creator{},
		&model.CreatorIntegration{},
		&model.OAuthToken{},
		&model.Fan{},
		&model.Message{},
		&model.ConversationState{},
		&model.Transaction{},
		&model.Job{},
	)
}
