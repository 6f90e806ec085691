// Package services – MessageService
//
// MessageService serves the persisted history of a conversation: paginated
// listing and the cheap stats used to build a weak ETag. Every call checks
// that the conversation belongs to the calling identity.
package services

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-moderated-chat/internal/domain"
	"github.com/tbourn/go-moderated-chat/internal/repo"
)

// MessageService reads conversation history.
type MessageService struct {
	DB *gorm.DB
}

// ListPage returns one page of messages in chronological order and the total.
func (s *MessageService) ListPage(ctx context.Context, identity, conversationID string, page, pageSize int) ([]domain.Message, int64, error) {
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	if err := s.owned(ctx, identity, conversationID); err != nil {
		return nil, 0, err
	}

	total, err := repo.CountMessages(ctx, s.DB, conversationID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := repo.ListMessagesPage(ctx, s.DB, conversationID, (page-1)*pageSize, pageSize)
	return items, total, err
}

// ETag returns a weak validator that changes whenever a message is added.
func (s *MessageService) ETag(ctx context.Context, identity, conversationID string) (string, error) {
	if err := s.owned(ctx, identity, conversationID); err != nil {
		return "", err
	}
	count, lastID, lastAt, err := repo.MessagesStats(ctx, s.DB, conversationID)
	if err != nil {
		return "", err
	}
	var ts int64
	if lastAt != nil {
		ts = lastAt.UnixNano()
	}
	return fmt.Sprintf(`W/"messages:%s:%d:%d:%d"`, conversationID, count, lastID, ts), nil
}

func (s *MessageService) owned(ctx context.Context, identity, conversationID string) error {
	if _, err := repo.GetConversation(ctx, s.DB, conversationID, identity); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	return nil
}
