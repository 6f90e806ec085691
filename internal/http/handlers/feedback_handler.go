// Feedback HTTP handlers.
//
// This file exposes the endpoint for rating assistant replies:
//   - POST /feedback
//
// A rating is thumbs_up or thumbs_down with optional tags and a suggested
// rewrite. Resubmitting feedback for the same message replaces it.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/tbourn/go-moderated-chat/internal/http/middleware"
	"github.com/tbourn/go-moderated-chat/internal/services"
)

// FeedbackRequest is the JSON payload of POST /feedback.
type FeedbackRequest struct {
	// UserID optionally names the caller, as on POST /chat.
	UserID string `json:"user_id,omitempty" binding:"omitempty,max=128" example:"user123"`
	// MessageID is the id of an assistant message.
	MessageID int64 `json:"message_id" binding:"required,gt=0" example:"42"`
	// Rating is thumbs_up or thumbs_down.
	Rating string `json:"rating" binding:"required" example:"thumbs_down"`
	// Tags are free-form labels; at most 16 of 64 characters are kept.
	Tags []string `json:"tags,omitempty" example:"too_long,off_topic"`
	// RewriteText is the reply the user would have preferred.
	RewriteText *string `json:"rewrite_text,omitempty" binding:"omitempty,max=8000" example:"A shorter answer."`
}

// FeedbackResponse acknowledges stored feedback.
type FeedbackResponse struct {
	Status string `json:"status" example:"ok"`
	ID     int64  `json:"id" example:"7"`
}

// LeaveFeedback godoc
// @ID          leaveFeedback
// @Summary     Rate an assistant reply
// @Description Stores thumbs_up or thumbs_down feedback, optional tags and a suggested rewrite.
// @Description Submitting again for the same message replaces the previous entry.
// @Tags        Feedback
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "Caller identity when user_id is not in the body"  example(user123)
// @Param       body       body    handlers.FeedbackRequest true "Feedback payload"
//
// @Success     200  {object} handlers.FeedbackResponse
// @Failure     400  {object} handlers.ErrorResponse "Invalid payload or rating"
// @Failure     403  {object} handlers.ErrorResponse "Not allowed to rate this message"
// @Failure     404  {object} handlers.ErrorResponse "Message not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal server error"
// @Router      /feedback [post]
func (h *Handlers) LeaveFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message_id and rating are required")
		return
	}
	identity := req.UserID
	if identity == "" {
		identity = middleware.IdentityFrom(c)
	}

	fb, err := h.fb.Leave(c.Request.Context(), identity, services.FeedbackInput{
		MessageID:   req.MessageID,
		Rating:      req.Rating,
		Tags:        req.Tags,
		RewriteText: req.RewriteText,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidFeedback):
			fail(c, http.StatusBadRequest, ErrCodeInvalidRating, err.Error())
		case errors.Is(err, services.ErrMessageNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
		case errors.Is(err, services.ErrForbiddenFeedback):
			fail(c, http.StatusForbidden, ErrCodeForbidden, err.Error())
		default:
			middleware.LoggerFrom(c).Error().Err(err).Msg("feedback not stored")
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not store feedback")
		}
		return
	}
	ok(c, http.StatusOK, FeedbackResponse{Status: "ok", ID: fb.ID})
}
