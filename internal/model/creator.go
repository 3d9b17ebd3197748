package model

import "time"

// Creator 租户（创作者），所有数据按 creator_id 隔离
type Creator struct {
	ID              string          `gorm:"primaryKey;type:varchar(36)"`
	DisplayName     string          `gorm:"type:varchar(128)"`
	FanvueCreatorID string          `gorm:"type:varchar(64);uniqueIndex"`
	Settings        CreatorSettings `gorm:"serializer:json;type:text"`
	IsActive        bool            `gorm:"default:true"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Creator) TableName() string { return "creators" }

// CreatorSettings 人设配置，快照进回复生成的 system prompt
type CreatorSettings struct {
	Name              string   `json:"name,omitempty"`
	Age               int      `json:"age,omitempty"`
	Backstory         string   `json:"backstory,omitempty"`
	PersonalityTraits []string `json:"personality_traits,omitempty"`
	Tone              string   `json:"tone,omitempty"`
	PersonaName       string   `json:"persona_name,omitempty"`
	DoRules           []string `json:"do_rules,omitempty"`
	DontRules         []string `json:"dont_rules,omitempty"`
}

// CreatorIntegration 每租户的 Fanvue 接入凭据与 webhook 健康状态
type CreatorIntegration struct {
	ID              string `gorm:"primaryKey;type:varchar(36)"`
	CreatorID       string `gorm:"type:varchar(36);uniqueIndex:ux_integration_creator_type"`
	IntegrationType string `gorm:"type:varchar(32);uniqueIndex:ux_integration_creator_type;default:fanvue"`
	ClientID        string `gorm:"type:varchar(128)"`
	ClientSecret    string `gorm:"type:varchar(256)"`
	WebhookSecret   string `gorm:"type:varchar(256)"`
	IsConnected     bool
	LastWebhookAt    *time.Time
	LastWebhookError string `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (CreatorIntegration) TableName() string { return "creator_integrations" }

// OAuthToken 每租户的 Fanvue OAuth token
type OAuthToken struct {
	ID           string `gorm:"primaryKey;type:varchar(36)"`
	CreatorID    string `gorm:"type:varchar(36);uniqueIndex"`
	AccessToken  string `gorm:"type:text"`
	RefreshToken string `gorm:"type:text"`
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (OAuthToken) TableName() string { return "creator_oauth_tokens" }
