package model

import "time"

// Transaction 粉丝付费记录（tip / ppv / subscription）
type Transaction struct {
	ID                  string `gorm:"primaryKey;type:varchar(36)"`
	CreatorID           string `gorm:"type:varchar(36);index;not null"`
	FanID               string `gorm:"type:varchar(36);index;not null"`
	FanvueTransactionID string `gorm:"type:varchar(64);index"`
	Amount              float64 `gorm:"type:decimal(10,2)"`
	Type                string  `gorm:"type:varchar(32);default:tip"`
	CreatedAt           time.Time
}

func (Transaction) TableName() string { return "transactions" }
