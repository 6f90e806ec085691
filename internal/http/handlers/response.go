// Package handlers provides the HTTP handlers of the chat API.
//
// This file holds the response helpers shared by every endpoint. Failures use
// one envelope with a stable code; turn errors from the chat service are
// mapped to status and code in a single place so the JSON, SSE and websocket
// surfaces agree.
//
// Example error response:
//
//	HTTP/1.1 429 Too Many Requests
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "too_many_requests",
//	  "message": "rate limit exceeded"
//	}
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-moderated-chat/internal/http/middleware"
	"github.com/tbourn/go-moderated-chat/internal/safety"
	"github.com/tbourn/go-moderated-chat/internal/services"
)

// ErrorResponse is the error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go)
	Code string `json:"code" example:"blocked_input"`
	// Human-readable message; for refusals this is the refusal text
	Message string `json:"message" example:"I can't help with that."`
}

// fail aborts with the envelope. 5xx responses are logged with the
// request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get(middleware.HeaderRequestID),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail for the router's fallback handlers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// turnError maps a chat service error to status, code and message.
func turnError(err error, maxRunes int) (int, string, string) {
	if pe, isRefusal := services.IsPolicyRefusal(err); isRefusal {
		msg := pe.Verdict.Refusal
		if msg == "" {
			msg = safety.DefaultRefusal
		}
		return http.StatusBadRequest, pe.Code(), msg
	}
	switch {
	case errors.Is(err, services.ErrEmptyMessages):
		return http.StatusBadRequest, ErrCodeMessagesRequired, "at least one user message with content is required"
	case errors.Is(err, services.ErrTooLong):
		if maxRunes > 0 {
			return http.StatusBadRequest, ErrCodeMessageTooLong, fmt.Sprintf("message too long: max %d runes", maxRunes)
		}
		return http.StatusBadRequest, ErrCodeMessageTooLong, "message too long"
	case errors.Is(err, services.ErrConversationNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "conversation not found"
	case errors.Is(err, services.ErrRateLimited):
		return http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded"
	case errors.Is(err, services.ErrModelNotConfigured):
		return http.StatusInternalServerError, ErrCodeModelNotConfigured, "llm model not configured"
	case errors.Is(err, services.ErrUpstreamUnavailable):
		return http.StatusBadGateway, ErrCodeUpstreamUnavailable, "model server unavailable"
	case errors.Is(err, services.ErrPersistence):
		return http.StatusInternalServerError, ErrCodePersistenceFailed, "could not store the conversation"
	default:
		return http.StatusInternalServerError, ErrCodeInternal, "internal server error"
	}
}

// writeTurnError answers a failed blocking turn. Nothing is written when the
// client has already gone away.
func (h *Handlers) writeTurnError(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) && c.Request.Context().Err() != nil {
		c.Abort()
		return
	}
	status, code, msg := turnError(err, h.opts.MaxPromptRunes)
	if status == http.StatusTooManyRequests {
		c.Header("Retry-After", "60")
	}
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().Err(err).Str("code", code).Msg("chat turn failed")
	}
	fail(c, status, code, msg)
}
