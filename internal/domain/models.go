// Package domain defines the persistence models for conversations, messages,
// feedback and the per-conversation companion state (relationship, summary,
// memories). These types are mapped with GORM and shared by the repository,
// service and HTTP layers.
package domain

import (
	"time"
)

// Safety states recorded on persisted messages.
const (
	SafetyAllow      = "ALLOW"
	SafetyRefuseHard = "REFUSE_HARD"
)

// Feedback ratings.
const (
	RatingThumbsUp   = "thumbs_up"
	RatingThumbsDown = "thumbs_down"
)

// LevelLow is the starting trust and intimacy level of a relationship.
const LevelLow = "low"

// Conversation is a thread owned by one identity.
//
// Fields:
//   - ID: UUID primary key.
//   - UserID: owning identity (user id, or client address for anonymous callers).
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type Conversation struct {
	ID        string    `json:"id"         gorm:"size:36;primaryKey"`
	UserID    string    `json:"user_id"    gorm:"size:128;not null;index:idx_user_conversations"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Message is a persisted turn. Assistant rows carry the model name and
// temperature that produced them; every row carries the safety state it was
// stored under.
type Message struct {
	ID             int64     `json:"id"                    gorm:"primaryKey;autoIncrement"`
	ConversationID string    `json:"conversation_id"       gorm:"size:36;not null;index:idx_conversation_msgs,priority:1"`
	Role           string    `json:"role"                  gorm:"size:16;not null;check:role IN ('system','user','assistant')"`
	Content        string    `json:"content"               gorm:"type:text;not null"`
	ModelName      *string   `json:"model_name,omitempty"  gorm:"size:128"`
	Temperature    *float64  `json:"temperature,omitempty"`
	SafetyState    string    `json:"safety_state"          gorm:"size:16;not null;default:'ALLOW'"`
	CreatedAt      time.Time `json:"created_at"            gorm:"index:idx_conversation_msgs,priority:2"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// ChatMessage converts the row to its wire form.
func (m Message) ChatMessage() ChatMessage {
	id := m.ID
	return ChatMessage{Role: m.Role, Content: m.Content, ID: &id}
}

// Feedback is a rating left by a user on a message. One entry per
// (message, user); a second submission replaces the first.
type Feedback struct {
	ID          int64     `json:"id"                     gorm:"primaryKey;autoIncrement"`
	MessageID   int64     `json:"message_id"             gorm:"not null;index;uniqueIndex:ux_feedback_message_user"`
	UserID      string    `json:"user_id"                gorm:"size:128;not null;uniqueIndex:ux_feedback_message_user"`
	Rating      string    `json:"rating"                 gorm:"size:16;not null;check:rating IN ('thumbs_up','thumbs_down')"`
	Tags        []string  `json:"tags"                   gorm:"serializer:json"`
	RewriteText *string   `json:"rewrite_text,omitempty" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Message Message `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Feedback.
func (Feedback) TableName() string { return "feedback" }

// ConversationSummary is a rolling plain-text summary injected into prompts.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id" gorm:"size:36;primaryKey"`
	Summary        string    `json:"summary"         gorm:"type:text;not null"`
	UpdatedAt      time.Time `json:"updated_at"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ConversationSummary.
func (ConversationSummary) TableName() string { return "conversation_summary" }

// RelationshipState tracks how the persona relates to the user in one
// conversation.
type RelationshipState struct {
	ConversationID string    `json:"conversation_id" gorm:"size:36;primaryKey"`
	AffinityScore  float64   `json:"affinity_score"  gorm:"not null;default:0"`
	TrustLevel     string    `json:"trust_level"     gorm:"size:16;not null;default:'low'"`
	IntimacyLevel  string    `json:"intimacy_level"  gorm:"size:16;not null;default:'low'"`
	Nicknames      string    `json:"nicknames"       gorm:"type:text;not null;default:''"`
	UpdatedAt      time.Time `json:"updated_at"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for RelationshipState.
func (RelationshipState) TableName() string { return "relationship_state" }

// Memory is a fact about the user extracted from their messages.
type Memory struct {
	ID             int64     `json:"id"              gorm:"primaryKey;autoIncrement"`
	ConversationID string    `json:"conversation_id" gorm:"size:36;not null;index"`
	Type           string    `json:"type"            gorm:"size:32;not null"`
	Content        string    `json:"content"         gorm:"type:text;not null"`
	Importance     float64   `json:"importance"      gorm:"not null;default:0.5"`
	CreatedAt      time.Time `json:"created_at"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Memory.
func (Memory) TableName() string { return "memories" }

// All lists every model for auto-migration, parents first.
func All() []any {
	return []any{
		&Conversation{},
		&Message{},
		&Feedback{},
		&ConversationSummary{},
		&RelationshipState{},
		&Memory{},
		&Idempotency{},
	}
}
