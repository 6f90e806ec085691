package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tbourn/go-moderated-chat/internal/conversation"
	"github.com/tbourn/go-moderated-chat/internal/domain"
	"github.com/tbourn/go-moderated-chat/internal/llm"
	"github.com/tbourn/go-moderated-chat/internal/persona"
	"github.com/tbourn/go-moderated-chat/internal/prompt"
	"github.com/tbourn/go-moderated-chat/internal/repo"
	"github.com/tbourn/go-moderated-chat/internal/safety"
)

// ---------- test helpers ----------

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fakeLimiter struct {
	mu    sync.Mutex
	deny  bool
	calls int
}

func (l *fakeLimiter) Allow(string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return !l.deny
}

type fakeStream struct {
	events []llm.Event
	err    error
	i      int
	closed int
}

func (s *fakeStream) Next() (llm.Event, bool) {
	if s.closed > 0 || s.i >= len(s.events) {
		return llm.Event{}, false
	}
	ev := s.events[s.i]
	s.i++
	return ev, true
}

func (s *fakeStream) Err() error {
	if s.i >= len(s.events) {
		return s.err
	}
	return nil
}

func (s *fakeStream) Close() error { s.closed++; return nil }

type fakeGen struct {
	model   string
	reply   string
	err     error
	stream  *fakeStream
	openErr error

	calls   int
	prompts [][]domain.ChatMessage
}

func (g *fakeGen) Complete(_ context.Context, msgs []domain.ChatMessage) (string, error) {
	g.calls++
	g.prompts = append(g.prompts, msgs)
	return g.reply, g.err
}

func (g *fakeGen) Stream(_ context.Context, msgs []domain.ChatMessage) (EventStream, error) {
	g.calls++
	g.prompts = append(g.prompts, msgs)
	if g.openErr != nil {
		return nil, g.openErr
	}
	return g.stream, nil
}

func (g *fakeGen) Model() string        { return g.model }
func (g *fakeGen) Temperature() float64 { return 0.7 }

func deltas(parts ...string) []llm.Event {
	out := make([]llm.Event, 0, len(parts))
	for _, p := range parts {
		out = append(out, llm.Event{Kind: llm.EventDelta, Text: p})
	}
	return out
}

var errGone = errors.New("client gone")

// recordingSink captures frames as "kind:payload" strings.
type recordingSink struct {
	frames    []string
	failDelta int // fail the Nth delta (1-based); 0 never fails
	nDelta    int
}

func (r *recordingSink) Meta(id string) error {
	r.frames = append(r.frames, "meta:"+id)
	return nil
}

func (r *recordingSink) Delta(text string) error {
	r.nDelta++
	if r.failDelta > 0 && r.nDelta == r.failDelta {
		return errGone
	}
	r.frames = append(r.frames, "delta:"+text)
	return nil
}

func (r *recordingSink) Blocked(code, _ string) error {
	r.frames = append(r.frames, "blocked:"+code)
	return nil
}

func (r *recordingSink) Done() error {
	r.frames = append(r.frames, "done:")
	return nil
}

func (r *recordingSink) count(prefix string) int {
	n := 0
	for _, f := range r.frames {
		if len(f) >= len(prefix) && f[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

type harness struct {
	svc   *ChatService
	db    *gorm.DB
	lim   *fakeLimiter
	gen   *fakeGen
	cache *conversation.Cache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	p, err := persona.Default()
	if err != nil {
		t.Fatalf("default persona: %v", err)
	}
	h := &harness{
		db:    newSvcDB(t),
		lim:   &fakeLimiter{},
		gen:   &fakeGen{model: "test-model", reply: "hello there"},
		cache: conversation.NewCache(time.Hour),
	}
	h.svc = NewChatService(h.db, h.lim, h.cache, safety.New(safety.WithRefusal("Not going there.")), prompt.NewBuilder(p, 0), h.gen)
	return h
}

func userMsg(content string) []domain.ChatMessage {
	return []domain.ChatMessage{{Role: domain.RoleUser, Content: content}}
}

func storedMessages(t *testing.T, db *gorm.DB, convID string) []domain.Message {
	t.Helper()
	msgs, err := repo.ListRecentMessages(context.Background(), db, convID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return msgs
}
