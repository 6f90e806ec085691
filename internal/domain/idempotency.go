package domain

import "time"

// Idempotency records the outcome of a non-streaming chat turn keyed by
// (user_id, key). A retry with the same key gets the stored assistant message
// back instead of running the turn again.
type Idempotency struct {
	ID             string    `gorm:"size:36;primaryKey"`
	UserID         string    `gorm:"size:128;not null;uniqueIndex:ux_user_key,priority:1"`
	Key            string    `gorm:"size:128;not null;uniqueIndex:ux_user_key,priority:2"`
	ConversationID string    `gorm:"size:36;not null"`
	MessageID      int64     `gorm:"not null"`
	Status         int       `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt      time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
