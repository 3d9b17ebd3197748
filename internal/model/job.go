package model

import "time"

type JobType string

const (
	JobTypeReply     JobType = "reply"
	JobTypeFollowup  JobType = "followup"
	JobTypeBroadcast JobType = "broadcast"
)

type JobStatus string

// queued → processing → completed
// processing → queued（重试）/ failed（重试耗尽）
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job 任务队列行。并发安全完全依赖 status 条件更新，不引入任何外部锁。
type Job struct {
	ID        string  `gorm:"primaryKey;type:varchar(36)"`
	CreatorID string  `gorm:"type:varchar(36);index;not null;uniqueIndex:ux_jobs_reply_queued,where:status = 'queued' AND job_type = 'reply'"`
	FanID     *string `gorm:"type:varchar(36);uniqueIndex:ux_jobs_reply_queued,where:status = 'queued' AND job_type = 'reply'"` // broadcast 任务为 NULL
	JobType   JobType `gorm:"type:varchar(16);not null"`
	Status    JobStatus `gorm:"type:varchar(16);index:idx_jobs_due;not null;default:queued"`
	// RunAt 最早可被认领的时间
	RunAt time.Time `gorm:"index:idx_jobs_due;not null"`
	// PendingCount 自任务创建以来并入的后续消息数（debounce 计数）
	PendingCount  int `gorm:"default:0"`
	LastMessageAt *time.Time
	Attempts      int        `gorm:"default:0"`
	LastError     string     `gorm:"type:text"`
	Payload       JobPayload `gorm:"serializer:json;type:text"`
	CreatedAt     time.Time
}

func (Job) TableName() string { return "jobs_queue" }

// JobPayload 各任务类型的载荷字段并集
type JobPayload struct {
	// reply
	MessageID      string   `json:"message_id,omitempty"`
	FanMessage     string   `json:"fan_message,omitempty"`
	FanUsername    string   `json:"fan_username,omitempty"`
	FanDisplayName string   `json:"fan_display_name,omitempty"`
	FanvueFanID    string   `json:"fanvue_fan_id,omitempty"`
	HasMedia       bool     `json:"has_media,omitempty"`
	FanStage       FanStage `json:"fan_stage,omitempty"`

	// followup
	Kind          string   `json:"type,omitempty"`
	TransactionID string   `json:"transaction_id,omitempty"`
	Amount        *float64 `json:"amount,omitempty"`

	// broadcast
	MessageText          string           `json:"message_text,omitempty"`
	TargetAudiences      []string         `json:"target_audiences,omitempty"`
	TargetAudienceTypes  []string         `json:"target_audience_types,omitempty"`
	ExcludeAudiences     []string         `json:"exclude_audiences,omitempty"`
	ExcludeAudienceTypes []string         `json:"exclude_audience_types,omitempty"`
	Result               *BroadcastResult `json:"result,omitempty"`
}

// BroadcastResult 群发完成后的回执，写回 payload 供排查
type BroadcastResult struct {
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	MessageID string `json:"message_id,omitempty"`
}
