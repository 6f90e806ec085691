package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-moderated-chat/internal/domain"
	"github.com/tbourn/go-moderated-chat/internal/http/middleware"
	"github.com/tbourn/go-moderated-chat/internal/services"
)

// ---------- fakes ----------

// streamStep is one scripted sink call.
type streamStep struct {
	kind string // meta|delta|blocked|done
	text string
	code string
}

type fakeTurns struct {
	mu sync.Mutex

	chatRes *services.TurnResult
	chatErr error

	steps     []streamStep
	streamErr error

	replayRes *services.TurnResult
	replayErr error

	chatCalls   int
	streamCalls int
	replayCalls int
	lastReq     services.TurnRequest
}

func (f *fakeTurns) Chat(_ context.Context, req services.TurnRequest) (*services.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	f.lastReq = req
	return f.chatRes, f.chatErr
}

func (f *fakeTurns) Stream(_ context.Context, req services.TurnRequest, sink services.EventSink) (*services.TurnResult, error) {
	f.mu.Lock()
	f.streamCalls++
	f.lastReq = req
	steps, streamErr := f.steps, f.streamErr
	f.mu.Unlock()

	for _, s := range steps {
		var err error
		switch s.kind {
		case "meta":
			err = sink.Meta(s.text)
		case "delta":
			err = sink.Delta(s.text)
		case "blocked":
			err = sink.Blocked(s.code, s.text)
		case "done":
			err = sink.Done()
		}
		if err != nil {
			return nil, err
		}
	}
	if streamErr != nil {
		return nil, streamErr
	}
	return &services.TurnResult{State: services.TurnComplete}, nil
}

func (f *fakeTurns) Replay(_ context.Context, _ string, _ *domain.Idempotency) (*services.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replayCalls++
	return f.replayRes, f.replayErr
}

type fakeHistory struct {
	etag     string
	etagErr  error
	items    []domain.Message
	total    int64
	listErr  error
	gotPage  int
	gotSize  int
	gotIdent string
}

func (f *fakeHistory) ListPage(_ context.Context, identity, _ string, page, size int) ([]domain.Message, int64, error) {
	f.gotIdent, f.gotPage, f.gotSize = identity, page, size
	return f.items, f.total, f.listErr
}

func (f *fakeHistory) ETag(_ context.Context, identity, _ string) (string, error) {
	f.gotIdent = identity
	return f.etag, f.etagErr
}

type fakeFeedback struct {
	err      error
	got      services.FeedbackInput
	identity string
}

func (f *fakeFeedback) Leave(_ context.Context, identity string, in services.FeedbackInput) (*domain.Feedback, error) {
	f.identity, f.got = identity, in
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Feedback{ID: 9, MessageID: in.MessageID, UserID: identity, Rating: in.Rating}, nil
}

type fakeIdem struct {
	rec       *domain.Idempotency
	findErr   error
	recordErr error
	recorded  []string
}

func (f *fakeIdem) Find(context.Context, string, string) (*domain.Idempotency, error) {
	return f.rec, f.findErr
}

func (f *fakeIdem) Record(_ context.Context, identity, key, _ string, _ int64, _ int) error {
	f.recorded = append(f.recorded, identity+"|"+key)
	return f.recordErr
}

// ---------- wiring ----------

type fixture struct {
	turns *fakeTurns
	hist  *fakeHistory
	fb    *fakeFeedback
	idem  *fakeIdem
	r     *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{
		turns: &fakeTurns{},
		hist:  &fakeHistory{},
		fb:    &fakeFeedback{},
		idem:  &fakeIdem{},
	}
	h := New(f.turns, f.hist, f.fb, f.idem, Options{MaxPromptRunes: 100})

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Identity(), middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	r.POST("/chat", h.PostChat)
	r.GET("/chat/ws", h.ChatWS)
	r.POST("/feedback", h.LeaveFeedback)
	r.GET("/conversations/:id/messages", h.ListMessages)
	f.r = r
	return f
}

func (f *fixture) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var rdr *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = "203.0.113.5:4000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return e
}

func ptr[T any](v T) *T { return &v }

func userTurn(content string) map[string]any {
	return map[string]any{"messages": []map[string]string{{"role": "user", "content": content}}}
}
