// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file covers the per-conversation companion state:
// relationship state, rolling summary and extracted memories.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-moderated-chat/internal/domain"
)

// EnsureRelationshipState returns the state for a conversation, creating the
// low/low default when none exists.
func EnsureRelationshipState(ctx context.Context, db *gorm.DB, conversationID string) (*domain.RelationshipState, error) {
	st := domain.RelationshipState{
		ConversationID: conversationID,
		TrustLevel:     domain.LevelLow,
		IntimacyLevel:  domain.LevelLow,
		UpdatedAt:      time.Now().UTC(),
	}
	err := db.WithContext(ctx).
		Omit("Conversation").
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&st).Error
	if err != nil {
		return nil, err
	}
	return GetRelationshipState(ctx, db, conversationID)
}

// GetRelationshipState fetches the state or ErrNotFound.
func GetRelationshipState(ctx context.Context, db *gorm.DB, conversationID string) (*domain.RelationshipState, error) {
	var st domain.RelationshipState
	if err := db.WithContext(ctx).Where("conversation_id = ?", conversationID).First(&st).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

// TouchRelationshipState marks the state as seen on the current turn.
func TouchRelationshipState(ctx context.Context, db *gorm.DB, conversationID string) error {
	res := db.WithContext(ctx).
		Model(&domain.RelationshipState{}).
		Where("conversation_id = ?", conversationID).
		Update("updated_at", time.Now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSummary returns the conversation summary, or "" when none was written.
func GetSummary(ctx context.Context, db *gorm.DB, conversationID string) (string, error) {
	var s domain.ConversationSummary
	err := db.WithContext(ctx).Where("conversation_id = ?", conversationID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.Summary, nil
}

// UpsertSummary replaces the conversation summary.
func UpsertSummary(ctx context.Context, db *gorm.DB, conversationID, summary string) error {
	s := domain.ConversationSummary{ConversationID: conversationID, Summary: summary, UpdatedAt: time.Now().UTC()}
	return db.WithContext(ctx).
		Omit("Conversation").
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conversation_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"summary", "updated_at"}),
		}).
		Create(&s).Error
}

// InsertMemories stores extracted memories in one statement.
func InsertMemories(ctx context.Context, db *gorm.DB, mems []domain.Memory) error {
	if len(mems) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range mems {
		if mems[i].CreatedAt.IsZero() {
			mems[i].CreatedAt = now
		}
	}
	return db.WithContext(ctx).Omit("Conversation").Create(&mems).Error
}

// ListMemories returns memories of a conversation, most important first.
func ListMemories(ctx context.Context, db *gorm.DB, conversationID string, limit int) ([]domain.Memory, error) {
	var out []domain.Memory
	q := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("importance DESC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
