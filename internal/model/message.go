package model

import "time"

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message 会话日志的一行，append-only
type Message struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	CreatorID string `gorm:"type:varchar(36);index:idx_msg_conv;not null"`
	FanID     string `gorm:"type:varchar(36);index:idx_msg_conv;not null"`
	Direction string `gorm:"type:varchar(8);not null"`
	Text      string `gorm:"type:text"`
	HasMedia  bool
	// ProviderMessageID 平台侧消息 id，用于幂等
	ProviderMessageID string    `gorm:"type:varchar(64);index"`
	CreatedAt         time.Time `gorm:"index"`
}

func (Message) TableName() string { return "messages" }

// ConversationState 每 (creator, fan) 一行，仅做观测用途
type ConversationState struct {
	ID               string `gorm:"primaryKey;type:varchar(36)"`
	CreatorID        string `gorm:"type:varchar(36);uniqueIndex:ux_conv_pair;not null"`
	FanID            string `gorm:"type:varchar(36);uniqueIndex:ux_conv_pair;not null"`
	LastInboundAt    *time.Time
	LastBotMessageAt *time.Time
	UpdatedAt        time.Time
}

func (ConversationState) TableName() string { return "conversation_state" }
