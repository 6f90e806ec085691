// Package services – IdempotencyService
//
// IdempotencyService remembers which assistant message answered a blocking
// chat turn sent with an Idempotency-Key, so a retry gets the same reply
// without running the turn (or charging the limiters) again.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-moderated-chat/internal/domain"
	"github.com/tbourn/go-moderated-chat/internal/repo"
)

const defaultIdempotencyTTL = 24 * time.Hour

// IdempotencyService stores and resolves idempotency records.
type IdempotencyService struct {
	DB  *gorm.DB
	TTL time.Duration
	Now func() time.Time
}

func (s *IdempotencyService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Exists reports whether a live record is stored for (identity, key).
func (s *IdempotencyService) Exists(ctx context.Context, identity, key string, now time.Time) (bool, error) {
	_, err := repo.GetIdempotency(ctx, s.DB, identity, key, now)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repo.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Find returns the live record for (identity, key), or nil when none exists.
func (s *IdempotencyService) Find(ctx context.Context, identity, key string) (*domain.Idempotency, error) {
	rec, err := repo.GetIdempotency(ctx, s.DB, identity, key, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// Record stores the outcome of a turn. A concurrent retry that already
// recorded the same key is not an error.
func (s *IdempotencyService) Record(ctx context.Context, identity, key, conversationID string, messageID int64, status int) error {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	_, err := repo.CreateIdempotency(ctx, s.DB, identity, key, conversationID, messageID, status, ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

// Sweep purges expired records. It satisfies janitor.Sweeper.
func (s *IdempotencyService) Sweep() int {
	n, err := repo.PurgeExpiredIdempotency(context.Background(), s.DB, s.now())
	if err != nil {
		log.Warn().Err(err).Msg("idempotency purge failed")
		return 0
	}
	return int(n)
}
