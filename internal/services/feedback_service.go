// Package services – FeedbackService
//
// FeedbackService records a user's rating of an assistant reply. A rating is
// thumbs_up or thumbs_down with optional tags and a suggested rewrite. Each
// identity holds at most one entry per message; resubmitting replaces it.
package services

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-moderated-chat/internal/domain"
	"github.com/tbourn/go-moderated-chat/internal/repo"
)

const (
	maxFeedbackTags = 16
	maxTagLen       = 64
)

// FeedbackInput is one feedback submission.
type FeedbackInput struct {
	MessageID   int64
	Rating      string
	Tags        []string
	RewriteText *string
}

// FeedbackService implements the feedback use-case.
type FeedbackService struct {
	DB *gorm.DB
}

// Leave validates and stores feedback from identity.
//
//   - Rating must be thumbs_up or thumbs_down; otherwise ErrInvalidFeedback.
//   - The message must exist; otherwise ErrMessageNotFound.
//   - The message must be an assistant reply in a conversation owned by
//     identity; otherwise ErrForbiddenFeedback.
//
// The lookup and the write share one transaction.
func (s *FeedbackService) Leave(ctx context.Context, identity string, in FeedbackInput) (*domain.Feedback, error) {
	rating := strings.ToLower(strings.TrimSpace(in.Rating))
	if rating != domain.RatingThumbsUp && rating != domain.RatingThumbsDown {
		return nil, ErrInvalidFeedback
	}
	if in.MessageID <= 0 {
		return nil, ErrMessageNotFound
	}

	fb := &domain.Feedback{
		MessageID:   in.MessageID,
		UserID:      identity,
		Rating:      rating,
		Tags:        normalizeTags(in.Tags),
		RewriteText: normalizeRewrite(in.RewriteText),
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg, err := repo.GetMessage(ctx, tx, in.MessageID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrMessageNotFound
			}
			return err
		}
		if _, err := repo.GetConversation(ctx, tx, msg.ConversationID, identity); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrForbiddenFeedback
			}
			return err
		}
		if msg.Role != domain.RoleAssistant {
			return ErrForbiddenFeedback
		}
		return repo.UpsertFeedback(ctx, tx, fb)
	})
	if err != nil {
		return nil, err
	}
	return fb, nil
}

// normalizeTags trims, drops blanks and duplicates, and caps count and length.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if r := []rune(t); len(r) > maxTagLen {
			t = string(r[:maxTagLen])
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == maxFeedbackTags {
			break
		}
	}
	return out
}

func normalizeRewrite(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
