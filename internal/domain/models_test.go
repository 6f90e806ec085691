package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:domain_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Enforce FKs so cascades actually execute.
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := db.AutoMigrate(All()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		(Conversation{}).TableName():        "conversations",
		(Message{}).TableName():             "messages",
		(Feedback{}).TableName():            "feedback",
		(ConversationSummary{}).TableName(): "conversation_summary",
		(RelationshipState{}).TableName():   "relationship_state",
		(Memory{}).TableName():              "memories",
		(Idempotency{}).TableName():         "idempotency",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("TableName() = %q; want %q", got, want)
		}
	}
}

func TestMigrations_Indexes_Defaults_AndCascades(t *testing.T) {
	db := newDomainDB(t)
	m := db.Migrator()

	for _, tbl := range All() {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
	if !m.HasIndex(&Conversation{}, "idx_user_conversations") {
		t.Fatalf("expected index idx_user_conversations")
	}
	if !m.HasIndex(&Message{}, "idx_conversation_msgs") {
		t.Fatalf("expected index idx_conversation_msgs")
	}
	if !m.HasIndex(&Feedback{}, "ux_feedback_message_user") {
		t.Fatalf("expected unique index ux_feedback_message_user")
	}

	now := time.Now().UTC()
	if err := db.Create(&Conversation{ID: "c1", UserID: "u1", CreatedAt: now}).Error; err != nil {
		t.Fatalf("insert conversation: %v", err)
	}

	model, temp := "llama", 0.8
	u := &Message{ConversationID: "c1", Role: RoleUser, Content: "hello", CreatedAt: now}
	a := &Message{ConversationID: "c1", Role: RoleAssistant, Content: "hi", ModelName: &model, Temperature: &temp, CreatedAt: now.Add(time.Second)}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("insert user msg: %v", err)
	}
	if err := db.Create(a).Error; err != nil {
		t.Fatalf("insert assistant msg: %v", err)
	}
	if u.ID == 0 || a.ID <= u.ID {
		t.Fatalf("expected increasing autoincrement ids, got %d then %d", u.ID, a.ID)
	}
	var stored Message
	if err := db.First(&stored, a.ID).Error; err != nil {
		t.Fatalf("read back: %v", err)
	}
	if stored.SafetyState != SafetyAllow || stored.ModelName == nil || *stored.ModelName != "llama" {
		t.Fatalf("unexpected stored row: %+v", stored)
	}

	if err := db.Create(&Message{ConversationID: "c1", Role: "tool", Content: "x"}).Error; err == nil {
		t.Fatalf("expected role check constraint violation")
	}

	fb := &Feedback{MessageID: a.ID, UserID: "u1", Rating: RatingThumbsUp, Tags: []string{"funny", "warm"}}
	if err := db.Create(fb).Error; err != nil {
		t.Fatalf("insert feedback: %v", err)
	}
	var gotFb Feedback
	if err := db.First(&gotFb, fb.ID).Error; err != nil {
		t.Fatalf("read feedback: %v", err)
	}
	if len(gotFb.Tags) != 2 || gotFb.Tags[1] != "warm" {
		t.Fatalf("tags did not round-trip: %#v", gotFb.Tags)
	}
	if err := db.Create(&Feedback{MessageID: a.ID, UserID: "u1", Rating: "meh"}).Error; err == nil {
		t.Fatalf("expected rating check constraint violation")
	}

	rel := &RelationshipState{ConversationID: "c1"}
	if err := db.Create(rel).Error; err != nil {
		t.Fatalf("insert relationship: %v", err)
	}
	var gotRel RelationshipState
	if err := db.First(&gotRel, "conversation_id = ?", "c1").Error; err != nil {
		t.Fatalf("read relationship: %v", err)
	}
	if gotRel.TrustLevel != LevelLow || gotRel.IntimacyLevel != LevelLow || gotRel.AffinityScore != 0 {
		t.Fatalf("relationship defaults unexpected: %+v", gotRel)
	}

	if err := db.Create(&ConversationSummary{ConversationID: "c1", Summary: "s"}).Error; err != nil {
		t.Fatalf("insert summary: %v", err)
	}
	if err := db.Create(&Memory{ConversationID: "c1", Type: "profile", Content: "Sam", Importance: 0.6}).Error; err != nil {
		t.Fatalf("insert memory: %v", err)
	}

	// CASCADE: deleting a message deletes its feedback.
	if err := db.Delete(&Message{}, a.ID).Error; err != nil {
		t.Fatalf("delete message: %v", err)
	}
	var cnt int64
	db.Model(&Feedback{}).Where("message_id = ?", a.ID).Count(&cnt)
	if cnt != 0 {
		t.Fatalf("expected feedback to cascade-delete, got count=%d", cnt)
	}

	// CASCADE: deleting the conversation deletes everything hanging off it.
	if err := db.Delete(&Conversation{}, "id = ?", "c1").Error; err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	for _, tbl := range []any{&Message{}, &ConversationSummary{}, &RelationshipState{}, &Memory{}} {
		db.Model(tbl).Where("conversation_id = ?", "c1").Count(&cnt)
		if cnt != 0 {
			t.Fatalf("expected %T rows to cascade-delete, got %d", tbl, cnt)
		}
	}
}

func TestMessage_ChatMessage(t *testing.T) {
	cm := Message{ID: 7, Role: RoleAssistant, Content: "x"}.ChatMessage()
	if cm.ID == nil || *cm.ID != 7 || cm.Role != RoleAssistant || cm.Content != "x" {
		t.Fatalf("unexpected conversion: %+v", cm)
	}
}
