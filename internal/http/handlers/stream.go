// Streaming chat surfaces.
//
// Both surfaces receive the same frames from the chat service: meta, then
// deltas, then blocked or done. SSE writes them as text/event-stream events
// on the POST /chat response; the websocket at GET /chat/ws writes them as
// JSON frames of the form {type, conversation_id?, content?, code?, message?}.
//
// A failure before meta is answered like a blocking turn (status code and
// error envelope on SSE, an error frame on the socket). A failure after meta
// ends the stream with an error frame instead.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"

	"github.com/tbourn/go-moderated-chat/internal/http/middleware"
	"github.com/tbourn/go-moderated-chat/internal/services"
)

// Frame types shared by both surfaces.
const (
	FrameMeta    = "meta"
	FrameDelta   = "delta"
	FrameBlocked = "blocked"
	FrameDone    = "done"
	FrameError   = "error"
)

// doneData is the payload of the SSE done event.
const doneData = "[DONE]"

type metaPayload struct {
	ConversationID string `json:"conversation_id"`
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

//
// Server-sent events
//

// sseSink writes frames to a gin response. Headers are sent with the first
// frame so errors raised before meta can still use a status code.
type sseSink struct {
	c       *gin.Context
	started bool
}

func (s *sseSink) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.c.Status(200)
	s.c.Writer.WriteHeaderNow()
}

// event writes one SSE event. Multi-line data is split over several data
// lines, which clients join back with "\n".
func (s *sseSink) event(name, data string) error {
	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}
	s.start()

	var b strings.Builder
	if name != "" {
		b.WriteString("event: ")
		b.WriteString(name)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	if _, err := s.c.Writer.WriteString(b.String()); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}

func (s *sseSink) eventJSON(name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.event(name, string(b))
}

func (s *sseSink) Meta(conversationID string) error {
	return s.eventJSON(FrameMeta, metaPayload{ConversationID: conversationID})
}

// Delta frames carry no event name, so EventSource clients see them as
// plain messages.
func (s *sseSink) Delta(text string) error { return s.event("", text) }

func (s *sseSink) Blocked(code, message string) error {
	return s.eventJSON(FrameBlocked, errorPayload{Error: code, Message: message})
}

func (s *sseSink) Done() error { return s.event(FrameDone, doneData) }

func (s *sseSink) Error(code, message string) error {
	return s.eventJSON(FrameError, errorPayload{Error: code, Message: message})
}

// streamSSE runs a streamed turn on the current response.
func (h *Handlers) streamSSE(c *gin.Context, turn services.TurnRequest) {
	sink := &sseSink{c: c}
	_, err := h.chat.Stream(c.Request.Context(), turn, sink)
	if err == nil {
		return
	}
	if !sink.started {
		h.writeTurnError(c, err)
		return
	}
	lg := middleware.LoggerFrom(c)
	if c.Request.Context().Err() != nil {
		lg.Info().Err(err).Msg("client left during stream")
		return
	}
	_, code, msg := turnError(err, h.opts.MaxPromptRunes)
	lg.Warn().Err(err).Str("code", code).Msg("stream ended early")
	_ = sink.Error(code, msg)
}

//
// Websocket
//

// WSFrame is one websocket message in either direction's event stream.
type WSFrame struct {
	Type           string `json:"type" example:"delta"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
}

func writeFrame(parent context.Context, conn *websocket.Conn, f WSFrame, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type wsSink struct {
	ctx     context.Context
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsSink) send(f WSFrame) error { return writeFrame(s.ctx, s.conn, f, s.timeout) }

func (s *wsSink) Meta(conversationID string) error {
	return s.send(WSFrame{Type: FrameMeta, ConversationID: conversationID})
}

func (s *wsSink) Delta(text string) error {
	return s.send(WSFrame{Type: FrameDelta, Content: text})
}

func (s *wsSink) Blocked(code, message string) error {
	return s.send(WSFrame{Type: FrameBlocked, Code: code, Message: message})
}

func (s *wsSink) Done() error { return s.send(WSFrame{Type: FrameDone}) }

func (s *wsSink) Error(code, message string) error {
	return s.send(WSFrame{Type: FrameError, Code: code, Message: message})
}

// decodeWSRequest parses and validates a request frame with the same rules
// as the POST /chat body.
func decodeWSRequest(data []byte) (ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, err
	}
	if err := binding.Validator.ValidateStruct(&req); err != nil {
		return req, err
	}
	if req.ConversationID != "" {
		if _, err := uuid.Parse(req.ConversationID); err != nil {
			return req, errors.New("conversation_id must be a UUID")
		}
	}
	return req, nil
}

// ChatWS godoc
// @ID          chatWebsocket
// @Summary     Stream chat turns over a websocket
// @Description Upgrades to a websocket. Each text frame sent by the client is a ChatRequest; the server answers
// @Description with JSON frames: meta, delta..., then blocked or done (or error). Several turns may share one socket.
// @Tags        Chat
//
// @Param       X-User-ID  header  string  false "Caller identity when user_id is not in the frame"  example(user123)
//
// @Success     101  {object}  handlers.WSFrame  "Switching protocols"
// @Router      /chat/ws [get]
func (h *Handlers) ChatWS(c *gin.Context) {
	lg := middleware.LoggerFrom(c)
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.opts.WSOriginPatterns,
	})
	if err != nil {
		lg.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(h.opts.WSReadLimit)

	ctx := c.Request.Context()
	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				lg.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		if mt != websocket.MessageText {
			_ = writeFrame(ctx, conn, WSFrame{Type: FrameError, Code: ErrCodeBadRequest, Message: "text frames only"}, h.opts.WSWriteTimeout)
			continue
		}
		req, err := decodeWSRequest(data)
		if err != nil {
			_ = writeFrame(ctx, conn, WSFrame{Type: FrameError, Code: ErrCodeBadRequest, Message: "invalid chat request: " + err.Error()}, h.opts.WSWriteTimeout)
			continue
		}

		sink := &wsSink{ctx: ctx, conn: conn, timeout: h.opts.WSWriteTimeout}
		if _, err := h.chat.Stream(ctx, turnRequest(c, req), sink); err != nil {
			if ctx.Err() != nil {
				return
			}
			_, code, msg := turnError(err, h.opts.MaxPromptRunes)
			if werr := sink.Error(code, msg); werr != nil {
				lg.Debug().Err(werr).Msg("websocket write failed")
				return
			}
		}
	}
}
