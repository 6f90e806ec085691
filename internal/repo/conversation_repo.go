// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: persistence and query composition only.
//
// Error semantics:
//   - When a conversation is not found (or belongs to another identity),
//     functions return ErrNotFound (alias of gorm.ErrRecordNotFound).
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-moderated-chat/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateConversation inserts a conversation with the caller-chosen id.
func CreateConversation(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	c := &domain.Conversation{ID: id, UserID: userID, CreatedAt: now, UpdatedAt: now}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		if isDuplicate(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a conversation by id and owner.
func GetConversation(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// EnsureConversation returns the conversation owned by userID, creating it
// when no row with that id exists. A row owned by someone else yields
// ErrNotFound.
func EnsureConversation(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error) {
	c, err := GetConversation(ctx, db, id, userID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	c, err = CreateConversation(ctx, db, id, userID)
	if errors.Is(err, ErrDuplicate) {
		// Lost a create race, or the id belongs to another identity.
		return GetConversation(ctx, db, id, userID)
	}
	return c, err
}

// TouchConversation bumps UpdatedAt so listings and ETags move.
func TouchConversation(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("updated_at", time.Now().UTC()).Error
}
