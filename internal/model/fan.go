package model

import "time"

// FanStage 按互动/消费推导的粉丝阶段
type FanStage string

const (
	StageNew          FanStage = "new"
	StageWarmup       FanStage = "warmup"
	StageFlirty       FanStage = "flirty"
	StageSales        FanStage = "sales"
	StagePostPurchase FanStage = "post_purchase"
	StageVIP          FanStage = "vip"
)

// Fan 某个创作者收件箱里的一个终端用户
type Fan struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	CreatorID   string `gorm:"type:varchar(36);index:idx_fan_creator;uniqueIndex:ux_fan_creator_external;not null"`
	FanvueFanID string `gorm:"type:varchar(64);uniqueIndex:ux_fan_creator_external;not null"`
	Username    string `gorm:"type:varchar(128)"`
	DisplayName string `gorm:"type:varchar(128)"`
	// MsgCountInbound 只由 webhook 入口递增，worker 不写，避免第二个争用点
	MsgCountInbound int      `gorm:"default:0"`
	TotalSpend      float64  `gorm:"type:decimal(10,2);default:0"`
	Stage           FanStage `gorm:"type:varchar(16);default:new"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Fan) TableName() string { return "fans" }
