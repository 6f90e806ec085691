// Chat HTTP handlers.
//
// This file exposes the chat turn endpoint:
//   - POST /chat   (blocking JSON reply, or an SSE stream when "stream": true)
//
// The websocket surface lives in stream.go. Handlers stay transport-thin:
// they bind and normalize the request, resolve the caller identity, serve
// idempotent replays, and translate turn results into responses.
package handlers

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"

	"github.com/tbourn/go-moderated-chat/internal/domain"
	"github.com/tbourn/go-moderated-chat/internal/http/middleware"
	"github.com/tbourn/go-moderated-chat/internal/services"
	"github.com/tbourn/go-moderated-chat/internal/utils"
)

//
// Service contracts (context-aware)
//

// ChatTurns runs chat turns.
type ChatTurns interface {
	Chat(ctx context.Context, req services.TurnRequest) (*services.TurnResult, error)
	Stream(ctx context.Context, req services.TurnRequest, sink services.EventSink) (*services.TurnResult, error)
	Replay(ctx context.Context, identity string, rec *domain.Idempotency) (*services.TurnResult, error)
}

// HistoryService reads persisted conversation history.
type HistoryService interface {
	ListPage(ctx context.Context, identity, conversationID string, page, pageSize int) ([]domain.Message, int64, error)
	ETag(ctx context.Context, identity, conversationID string) (string, error)
}

// FeedbackService records ratings of assistant replies.
type FeedbackService interface {
	Leave(ctx context.Context, identity string, in services.FeedbackInput) (*domain.Feedback, error)
}

// IdempotencyStore resolves and records Idempotency-Key outcomes.
type IdempotencyStore interface {
	Find(ctx context.Context, identity, key string) (*domain.Idempotency, error)
	Record(ctx context.Context, identity, key, conversationID string, messageID int64, status int) error
}

//
// Handler wiring
//

// Options tunes transport behaviour.
type Options struct {
	// MaxPromptRunes is quoted in message_too_long errors.
	MaxPromptRunes int
	// WSOriginPatterns authorizes cross-origin websocket upgrades.
	WSOriginPatterns []string
	// WSWriteTimeout bounds each websocket frame write.
	WSWriteTimeout time.Duration
	// WSReadLimit caps an incoming websocket request frame in bytes.
	WSReadLimit int64
}

// Handlers groups the HTTP endpoints of the chat API.
type Handlers struct {
	chat ChatTurns
	hist HistoryService
	fb   FeedbackService
	idem IdempotencyStore
	opts Options
}

// New constructs Handlers. idem may be nil to disable idempotent replays.
// It registers the custom binding validators the request types rely on.
func New(chat ChatTurns, hist HistoryService, fb FeedbackService, idem IdempotencyStore, opts Options) *Handlers {
	if err := RegisterValidators(); err != nil {
		panic(err)
	}
	if opts.WSWriteTimeout <= 0 {
		opts.WSWriteTimeout = 5 * time.Second
	}
	if opts.WSReadLimit <= 0 {
		opts.WSReadLimit = 1 << 20
	}
	return &Handlers{chat: chat, hist: hist, fb: fb, idem: idem, opts: opts}
}

//
// DTOs
//

// ChatRequest is the payload of POST /chat and of a websocket request frame.
type ChatRequest struct {
	// UserID optionally names the caller; the client address is used otherwise.
	UserID string `json:"user_id,omitempty" binding:"omitempty,max=128" example:"user123"`
	// ConversationID continues an existing conversation; omit to start one.
	ConversationID string `json:"conversation_id,omitempty" binding:"omitempty,max=64" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	// Messages are appended to the conversation; the last user message is the prompt.
	Messages []domain.ChatMessage `json:"messages" binding:"dive"`
	// Stream selects an SSE response.
	Stream bool `json:"stream,omitempty" example:"false"`
}

// ChatResponse is the blocking reply.
type ChatResponse struct {
	ConversationID string             `json:"conversation_id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	Response       domain.ChatMessage `json:"response"`
	Status         string             `json:"status" example:"ok"`
	MessageID      *int64             `json:"message_id,omitempty" example:"42"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes line endings, collapses blank-line runs and
// trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// turnRequest builds the service request. A user_id in the payload wins over
// the identity resolved by middleware.
func turnRequest(c *gin.Context, req ChatRequest) services.TurnRequest {
	identity := strings.TrimSpace(req.UserID)
	if identity == "" {
		identity = middleware.IdentityFrom(c)
	}
	msgs := make([]domain.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, domain.ChatMessage{Role: m.Role, Content: sanitizeContent(m.Content)})
	}
	return services.TurnRequest{
		Identity:       identity,
		ConversationID: req.ConversationID,
		Messages:       msgs,
	}
}

func chatResponse(res *services.TurnResult) ChatResponse {
	status := "ok"
	if res.State == services.TurnIncomplete {
		status = "incomplete"
	}
	return ChatResponse{
		ConversationID: res.ConversationID,
		Response:       res.Reply,
		Status:         status,
		MessageID:      res.Reply.ID,
	}
}

//
// Handlers
//

// PostChat godoc
// @ID          postChat
// @Summary     Run a chat turn
// @Description Appends the messages to the conversation and returns the assistant reply.
// @Description With "stream": true the reply is sent as server-sent events: meta, data deltas, then blocked or done.
// @Description Blocking turns support Idempotency-Key; a replay returns the stored reply without being rate limited.
// @Tags        Chat
// @Accept      json
// @Produce     json
// @Produce     text/event-stream
//
// @Param       X-User-ID        header  string  false "Caller identity when user_id is not in the body"  example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.ChatRequest  true  "Chat turn"
//
// @Success     200  {object}  handlers.ChatResponse   "Assistant reply"
// @Header      200  {string}  Idempotency-Replayed    "true when served from a stored turn"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid request, messages_required, blocked_input or blocked_output"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     500  {object}  handlers.ErrorResponse  "Model not configured or persistence failure"
// @Failure     502  {object}  handlers.ErrorResponse  "Model server unavailable"
// @Router      /chat [post]
func (h *Handlers) PostChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid chat request: "+err.Error())
		return
	}
	if req.ConversationID != "" {
		if _, err := uuid.Parse(req.ConversationID); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation_id must be a UUID")
			return
		}
	}
	turn := turnRequest(c, req)

	if req.Stream {
		h.streamSSE(c, turn)
		return
	}

	ctx := c.Request.Context()
	key, hasKey := middleware.GetIdempotencyKey(c)
	if hasKey && h.idem != nil {
		if res := h.replay(c, turn.Identity, key); res != nil {
			c.Header("Idempotency-Replayed", "true")
			ok(c, http.StatusOK, chatResponse(res))
			return
		}
	}

	res, err := h.chat.Chat(ctx, turn)
	if err != nil {
		h.writeTurnError(c, err)
		return
	}

	if hasKey && h.idem != nil && res.Reply.ID != nil {
		if err := h.idem.Record(ctx, turn.Identity, key, res.ConversationID, *res.Reply.ID, http.StatusOK); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency record not stored")
		}
	}
	ok(c, http.StatusOK, chatResponse(res))
}

// replay returns the stored turn for key, or nil when the turn must run.
func (h *Handlers) replay(c *gin.Context, identity, key string) *services.TurnResult {
	ctx := c.Request.Context()
	rec, err := h.idem.Find(ctx, identity, key)
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency lookup failed")
		return nil
	}
	if rec == nil {
		return nil
	}
	res, err := h.chat.Replay(ctx, identity, rec)
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Int64("message_id", rec.MessageID).Msg("idempotent replay failed")
		return nil
	}
	return res
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(p utils.Page, total int64) Pagination {
	pages := p.TotalPages(total)
	return Pagination{
		Page:       p.Number,
		PageSize:   p.Size,
		Total:      total,
		TotalPages: pages,
		HasNext:    p.Number < pages,
	}
}
