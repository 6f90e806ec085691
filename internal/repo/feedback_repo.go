// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Feedback model.
//
// Feedback is unique per (message_id, user_id); a second submission replaces
// rating, tags and rewrite text of the first.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-moderated-chat/internal/domain"
)

// UpsertFeedback inserts fb or updates the existing row for the same
// (message_id, user_id).
func UpsertFeedback(ctx context.Context, db *gorm.DB, fb *domain.Feedback) error {
	now := time.Now().UTC()
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = now
	}
	fb.UpdatedAt = now
	return db.WithContext(ctx).
		Omit("Message").
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"rating", "tags", "rewrite_text", "updated_at"}),
		}).
		Create(fb).Error
}

// GetFeedback returns the entry a user left on a message.
func GetFeedback(ctx context.Context, db *gorm.DB, messageID int64, userID string) (*domain.Feedback, error) {
	var fb domain.Feedback
	err := db.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		First(&fb).Error
	if err != nil {
		return nil, err
	}
	return &fb, nil
}
