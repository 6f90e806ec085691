package services

import (
	"context"

	"github.com/tbourn/go-moderated-chat/internal/conversation"
	"github.com/tbourn/go-moderated-chat/internal/domain"
	"github.com/tbourn/go-moderated-chat/internal/llm"
	"github.com/tbourn/go-moderated-chat/internal/safety"
)

// Limiter admits or rejects one turn for a key.
type Limiter interface {
	Allow(key string) bool
}

// ConversationStore is the short-lived per-identity history cache.
type ConversationStore interface {
	Get(identity, id string) (*conversation.Entry, bool)
	Upsert(identity, id string, msgs []domain.ChatMessage) *conversation.Entry
}

// Classifier moderates a piece of text.
type Classifier interface {
	Classify(text string) safety.Verdict
}

// PromptBuilder assembles the upstream message list for a turn.
type PromptBuilder interface {
	Build(history []domain.ChatMessage, rel *domain.RelationshipState, summary, latest string) []domain.ChatMessage
}

// EventStream yields upstream events until done, error or close.
type EventStream interface {
	Next() (llm.Event, bool)
	Err() error
	Close() error
}

// Generator produces assistant text, either in one piece or as a stream.
type Generator interface {
	Complete(ctx context.Context, msgs []domain.ChatMessage) (string, error)
	Stream(ctx context.Context, msgs []domain.ChatMessage) (EventStream, error)
	Model() string
	Temperature() float64
}

// EventSink receives the client-facing frames of a streamed turn. Any error
// it returns means the caller is gone.
type EventSink interface {
	Meta(conversationID string) error
	Delta(text string) error
	Blocked(code, message string) error
	Done() error
}

// Codes carried by blocked frames and refusal responses.
const (
	CodeBlockedInput  = "blocked_input"
	CodeBlockedOutput = "blocked_output"
)

// BlockedCode maps a refusal stage to its client-facing code.
func BlockedCode(stage safety.Stage) string {
	if stage == safety.StagePre {
		return CodeBlockedInput
	}
	return CodeBlockedOutput
}

type clientGenerator struct{ *llm.Client }

// FromClient adapts an llm.Client to Generator.
func FromClient(c *llm.Client) Generator { return clientGenerator{c} }

func (g clientGenerator) Stream(ctx context.Context, msgs []domain.ChatMessage) (EventStream, error) {
	rs, err := g.Client.Stream(ctx, msgs)
	if err != nil {
		return nil, err
	}
	return rs, nil
}
