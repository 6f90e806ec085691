package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-moderated-chat/internal/domain"
)

func TestUpsertFeedback_InsertThenReplace(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, true)
	seedConversation(t, db, "c1", "u1")
	m := &domain.Message{ConversationID: "c1", Role: domain.RoleAssistant, Content: "hi"}
	if err := InsertMessage(ctx, db, m); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	first := &domain.Feedback{MessageID: m.ID, UserID: "u1", Rating: domain.RatingThumbsDown, Tags: []string{"too_long"}}
	if err := UpsertFeedback(ctx, db, first); err != nil {
		t.Fatalf("UpsertFeedback first: %v", err)
	}

	rewrite := "shorter please"
	second := &domain.Feedback{MessageID: m.ID, UserID: "u1", Rating: domain.RatingThumbsUp, Tags: []string{"fixed"}, RewriteText: &rewrite}
	if err := UpsertFeedback(ctx, db, second); err != nil {
		t.Fatalf("UpsertFeedback second: %v", err)
	}

	var count int64
	db.Model(&domain.Feedback{}).Where("message_id = ?", m.ID).Count(&count)
	if count != 1 {
		t.Fatalf("expected a single row per (message,user), got %d", count)
	}
	got, err := GetFeedback(ctx, db, m.ID, "u1")
	if err != nil {
		t.Fatalf("GetFeedback: %v", err)
	}
	if got.Rating != domain.RatingThumbsUp || len(got.Tags) != 1 || got.Tags[0] != "fixed" || got.RewriteText == nil || *got.RewriteText != rewrite {
		t.Fatalf("row not replaced: %+v", got)
	}
}

func TestUpsertFeedback_UnknownMessageFails(t *testing.T) {
	db := newTestDB(t, true)
	err := UpsertFeedback(context.Background(), db, &domain.Feedback{MessageID: 404, UserID: "u1", Rating: domain.RatingThumbsUp})
	if err == nil {
		t.Fatalf("expected foreign key violation")
	}
}

func TestGetFeedback_NotFound(t *testing.T) {
	db := newTestDB(t, true)
	if _, err := GetFeedback(context.Background(), db, 1, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
