// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-moderated-chat/internal/domain"
)

// MessagesStats returns the number of messages in a conversation, the newest
// message id and its CreatedAt. Messages are append-only, so the pair
// (count, lastID) changes whenever the history does. For an empty
// conversation lastID is 0 and lastAt is nil.
func MessagesStats(ctx context.Context, db *gorm.DB, conversationID string) (count, lastID int64, lastAt *time.Time, err error) {
	scope := func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.Message{}).Where("conversation_id = ?", conversationID)
	}

	if err = scope().Count(&count).Error; err != nil {
		return 0, 0, nil, err
	}
	if count == 0 {
		return 0, 0, nil, nil
	}

	// Avoid MAX() on timestamps, which SQLite returns as TEXT.
	var row struct {
		ID        int64
		CreatedAt time.Time
	}
	if err = scope().Select("id", "created_at").Order("id DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, 0, nil, err
	}
	return count, row.ID, &row.CreatedAt, nil
}
