// Conversation history HTTP handlers.
//
// This file exposes the persisted history of a conversation:
//   - GET /conversations/{id}/messages   (paginated, weak ETag)
//
// Only the owning identity can read a conversation; anyone else gets 404 so
// conversation ids cannot be probed.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-moderated-chat/internal/domain"
	"github.com/tbourn/go-moderated-chat/internal/http/middleware"
	"github.com/tbourn/go-moderated-chat/internal/services"
	"github.com/tbourn/go-moderated-chat/internal/utils"
)

const (
	defaultHistoryPageSize = 20
	maxHistoryPageSize     = 100
)

// ListMessagesResponse contains a page of messages and pagination metadata.
type ListMessagesResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []domain.Message `json:"messages"`
	Pagination     Pagination       `json:"pagination"`
}

// etagMatches implements If-None-Match for weak validators, including "*"
// and comma-separated lists.
func etagMatches(header, etag string) bool {
	if header == "" || etag == "" {
		return false
	}
	for _, cand := range strings.Split(header, ",") {
		cand = strings.TrimSpace(cand)
		if cand == "*" || cand == etag || strings.TrimPrefix(cand, "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a conversation
// @Description Returns a page of the conversation's stored messages, oldest first. Refusals are included.
// @Description Supports a weak ETag via If-None-Match and may return 304.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID      header  string  false "Caller identity"             example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"messages:abc:3:12:0\")
// @Param       id             path    string  true  "Conversation ID (UUID)"      format(uuid)
// @Param       page           query   int     false "Page number"                 minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"              minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Header      200  {string} ETag  "Weak ETag for the conversation"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	convID := c.Param("id")
	if _, err := uuid.Parse(convID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}
	identity := middleware.IdentityFrom(c)

	etag, err := h.hist.ETag(ctx, identity, convID)
	if err != nil {
		h.historyError(c, err)
		return
	}
	c.Header("ETag", etag)
	if etagMatches(c.GetHeader("If-None-Match"), etag) {
		c.Status(http.StatusNotModified)
		return
	}

	pg := utils.ParsePage(c.Query("page"), c.Query("page_size"), defaultHistoryPageSize, maxHistoryPageSize)
	items, total, err := h.hist.ListPage(ctx, identity, convID, pg.Number, pg.Size)
	if err != nil {
		h.historyError(c, err)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		ConversationID: convID,
		Messages:       items,
		Pagination:     newPagination(pg, total),
	})
}

func (h *Handlers) historyError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrConversationNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		return
	}
	middleware.LoggerFrom(c).Error().Err(err).Msg("history lookup failed")
	fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list messages")
}
