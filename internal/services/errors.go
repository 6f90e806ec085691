// Package services holds the chat turn pipeline and the use-cases around
// history and feedback. This file centralizes the sentinel errors returned by
// service methods; handlers translate them into HTTP status codes.
package services

import (
	"errors"
	"fmt"

	"github.com/tbourn/go-moderated-chat/internal/llm"
	"github.com/tbourn/go-moderated-chat/internal/safety"
)

// Turn admission and validation errors.
var (
	// ErrEmptyMessages is returned when a request carries no user message
	// with non-blank content.
	ErrEmptyMessages = errors.New("messages required")

	// ErrTooLong is returned when the latest user message exceeds the
	// configured rune limit.
	ErrTooLong = errors.New("message too long")

	// ErrModelNotConfigured is returned when no upstream model name is set.
	ErrModelNotConfigured = errors.New("llm model not configured")

	// ErrRateLimited is returned when the identity exhausted its window.
	ErrRateLimited = errors.New("rate limited")

	// ErrConversationNotFound indicates that the conversation does not exist
	// or belongs to another identity.
	ErrConversationNotFound = errors.New("conversation not found")
)

// Turn execution errors.
var (
	// ErrUpstreamUnavailable is the llm sentinel re-exported so handlers need
	// not import the client package.
	ErrUpstreamUnavailable = llm.ErrUpstreamUnavailable

	// ErrPersistence wraps any failure to store a message. A turn whose
	// messages could not be stored is never reported as successful.
	ErrPersistence = errors.New("persistence failed")

	// ErrPolicyRefused matches any *PolicyRefusedError under errors.Is.
	ErrPolicyRefused = errors.New("refused by safety policy")
)

// Feedback errors.
var (
	// ErrInvalidFeedback is returned when the rating is neither thumbs_up
	// nor thumbs_down.
	ErrInvalidFeedback = errors.New("rating must be thumbs_up or thumbs_down")

	// ErrMessageNotFound indicates that the message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrForbiddenFeedback is returned when the message belongs to another
	// identity's conversation or is not an assistant message.
	ErrForbiddenFeedback = errors.New("cannot leave feedback on this message")
)

// PolicyRefusedError reports a turn that ended in a refusal. The refusal
// itself has already been persisted and cached when this error is returned.
type PolicyRefusedError struct {
	Stage          safety.Stage
	Verdict        safety.Verdict
	ConversationID string
	MessageID      int64
}

func (e *PolicyRefusedError) Error() string {
	return fmt.Sprintf("blocked by safety policy at %s-check (%s)", e.Stage, e.Verdict.Category)
}

// Is makes errors.Is(err, ErrPolicyRefused) true.
func (e *PolicyRefusedError) Is(target error) bool { return target == ErrPolicyRefused }

// Code returns the client-facing code for the refusal stage.
func (e *PolicyRefusedError) Code() string { return BlockedCode(e.Stage) }

// IsPolicyRefusal unwraps err into a *PolicyRefusedError.
func IsPolicyRefusal(err error) (*PolicyRefusedError, bool) {
	var pe *PolicyRefusedError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
