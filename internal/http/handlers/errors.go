// Package handlers defines the error codes returned by the chat API.
//
// Clients branch on these codes; messages are for humans. The two refusal
// codes, blocked_input and blocked_output, are owned by the services package
// because the streaming surfaces emit them too.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Chat turn:
	ErrCodeMessagesRequired    = "messages_required"
	ErrCodeMessageTooLong      = "message_too_long"
	ErrCodeModelNotConfigured  = "llm_model_not_configured"
	ErrCodeUpstreamUnavailable = "upstream_unavailable"
	ErrCodePersistenceFailed   = "persistence_failed"

	// History and feedback:
	ErrCodeListFailed    = "list_failed"
	ErrCodeInvalidRating = "invalid_rating"
)
