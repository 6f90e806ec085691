// Package services – ChatService
//
// ChatService runs one chat turn end to end: admission, history assembly,
// input moderation, generation, output moderation and persistence. A turn
// moves through ADMITTED, PRECHECKED and GENERATING and ends in exactly one
// of COMPLETE, ABORTED_UNSAFE or INCOMPLETE.
//
// Chat serves the blocking JSON surface. Stream serves SSE and WebSocket
// callers through an EventSink and moderates the cumulative reply before
// every delta is forwarded, so text that trips the policy never reaches the
// client.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/tbourn/go-moderated-chat/internal/domain"
	"github.com/tbourn/go-moderated-chat/internal/llm"
	"github.com/tbourn/go-moderated-chat/internal/memory"
	"github.com/tbourn/go-moderated-chat/internal/observability"
	"github.com/tbourn/go-moderated-chat/internal/repo"
	"github.com/tbourn/go-moderated-chat/internal/safety"
)

// TurnState is the lifecycle position of a chat turn.
type TurnState string

const (
	TurnAdmitted      TurnState = "ADMITTED"
	TurnPrechecked    TurnState = "PRECHECKED"
	TurnGenerating    TurnState = "GENERATING"
	TurnComplete      TurnState = "COMPLETE"
	TurnAbortedUnsafe TurnState = "ABORTED_UNSAFE"
	TurnIncomplete    TurnState = "INCOMPLETE"
)

// Turn modes used as metric labels.
const (
	modeJSON   = "json"
	modeStream = "stream"
)

const defaultPersistTimeout = 5 * time.Second

// TurnRequest is one inbound chat turn.
type TurnRequest struct {
	// Identity keys rate limiting, the cache and conversation ownership.
	Identity string
	// ConversationID is optional; a fresh one is generated when empty.
	ConversationID string
	// Messages are appended to the cached history in order.
	Messages []domain.ChatMessage
}

// TurnResult describes how a turn ended.
type TurnResult struct {
	ConversationID string
	State          TurnState
	// Reply is the persisted assistant message (refusal text on ABORTED_UNSAFE).
	Reply   domain.ChatMessage
	Verdict safety.Verdict
	// Replayed is set when the result was served from an idempotency record.
	Replayed bool
}

// ChatService orchestrates chat turns.
type ChatService struct {
	DB      *gorm.DB
	Limiter Limiter
	Cache   ConversationStore
	Safety  Classifier
	Prompt  PromptBuilder
	LLM     Generator

	// MaxPromptRunes caps the latest user message; <= 0 disables the check.
	MaxPromptRunes int
	// HydrateLimit is how many stored messages seed history when the cache
	// has no entry for an existing conversation; <= 0 disables hydration.
	HydrateLimit int
	// PersistTimeout bounds best-effort writes after the caller has gone.
	PersistTimeout time.Duration

	companions singleflight.Group
}

// NewChatService wires a ChatService with default limits.
func NewChatService(db *gorm.DB, lim Limiter, cache ConversationStore, cls Classifier, pb PromptBuilder, gen Generator) *ChatService {
	return &ChatService{
		DB:             db,
		Limiter:        lim,
		Cache:          cache,
		Safety:         cls,
		Prompt:         pb,
		LLM:            gen,
		MaxPromptRunes: 8000,
		HydrateLimit:   20,
		PersistTimeout: defaultPersistTimeout,
	}
}

// turn carries the state assembled during admission.
type turn struct {
	identity string
	convID   string
	merged   []domain.ChatMessage
	latest   string
	prompt   []domain.ChatMessage
}

// Chat runs a blocking turn. Refusals are persisted and reported as a
// *PolicyRefusedError alongside the result.
func (s *ChatService) Chat(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, span := tracer().Start(ctx, "Chat", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
	))
	defer span.End()

	t, err := s.admit(ctx, req)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("conversation.id", t.convID))

	if v := s.classify(ctx, safety.StagePre, t.latest); !v.Allowed() {
		return s.refused(ctx, t, modeJSON, safety.StagePre, v)
	}

	text, err := s.LLM.Complete(ctx, t.prompt)
	if err != nil {
		countTurn(modeJSON, TurnIncomplete)
		recordErr(span, err)
		return nil, err
	}

	if v := s.classify(ctx, safety.StagePost, text); !v.Allowed() {
		return s.refused(ctx, t, modeJSON, safety.StagePost, v)
	}

	res, err := s.commit(ctx, t, text, TurnComplete)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	countTurn(modeJSON, TurnComplete)
	return res, nil
}

// Stream runs a streamed turn, writing frames to sink in the order meta,
// delta..., then blocked or done. It returns a non-nil error only when the
// turn could not end with a blocked or done frame. An upstream that stops
// early after allowed text still ends with done; the result state is then
// INCOMPLETE.
func (s *ChatService) Stream(ctx context.Context, req TurnRequest, sink EventSink) (*TurnResult, error) {
	ctx, span := tracer().Start(ctx, "Stream", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
	))
	defer span.End()

	t, err := s.admit(ctx, req)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("conversation.id", t.convID))

	if err := sink.Meta(t.convID); err != nil {
		return nil, err
	}

	if v := s.classify(ctx, safety.StagePre, t.latest); !v.Allowed() {
		res, err := s.refused(ctx, t, modeStream, safety.StagePre, v)
		if res == nil {
			return nil, err
		}
		_ = sink.Blocked(CodeBlockedInput, res.Reply.Content)
		return res, nil
	}

	es, err := s.LLM.Stream(ctx, t.prompt)
	if err != nil {
		countTurn(modeStream, TurnIncomplete)
		recordErr(span, err)
		return nil, err
	}
	defer es.Close()

	var (
		buf    strings.Builder
		done   bool
		deltas int
	)
	for {
		ev, ok := es.Next()
		if !ok {
			break
		}
		if ev.Kind == llm.EventDone {
			done = true
			break
		}
		if ev.Text == "" {
			continue
		}
		buf.WriteString(ev.Text)

		if v := s.classify(ctx, safety.StagePost, buf.String()); !v.Allowed() {
			_ = es.Close()
			res, err := s.refused(ctx, t, modeStream, safety.StagePost, v)
			if res == nil {
				return nil, err
			}
			_ = sink.Blocked(CodeBlockedOutput, res.Reply.Content)
			return res, nil
		}

		if err := sink.Delta(ev.Text); err != nil {
			_ = es.Close()
			s.salvage(ctx, t, buf.String())
			return nil, err
		}
		deltas++
	}
	_ = es.Close()
	span.SetAttributes(attribute.Int("stream.deltas", deltas))

	if ctx.Err() != nil {
		s.salvage(ctx, t, buf.String())
		return nil, ctx.Err()
	}

	if !done {
		return s.incomplete(ctx, t, buf.String(), es.Err(), sink)
	}

	res, err := s.commit(ctx, t, buf.String(), TurnComplete)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	countTurn(modeStream, TurnComplete)
	_ = sink.Done()
	return res, nil
}

// admit validates the request, charges the rate limit and assembles the
// prompt. Validation runs first so malformed requests are never charged.
func (s *ChatService) admit(ctx context.Context, req TurnRequest) (*turn, error) {
	latest, ok := domain.LatestUserContent(req.Messages)
	if !ok || strings.TrimSpace(latest) == "" {
		return nil, ErrEmptyMessages
	}
	if s.MaxPromptRunes > 0 && utf8.RuneCountInString(latest) > s.MaxPromptRunes {
		return nil, ErrTooLong
	}
	if strings.TrimSpace(s.LLM.Model()) == "" {
		return nil, ErrModelNotConfigured
	}

	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		identity = "anonymous"
	}
	if !s.Limiter.Allow(identity) {
		observability.RateLimited.Inc()
		return nil, ErrRateLimited
	}

	convID := strings.TrimSpace(req.ConversationID)
	fresh := convID == ""
	if fresh {
		convID = uuid.NewString()
	}
	if _, err := repo.EnsureConversation(ctx, s.DB, convID, identity); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("%w: ensure conversation: %v", ErrPersistence, err)
	}

	var prior []domain.ChatMessage
	if e, ok := s.Cache.Get(identity, convID); ok {
		prior = e.Messages
	} else if !fresh {
		prior = s.hydrate(ctx, convID)
	}
	merged := make([]domain.ChatMessage, 0, len(prior)+len(req.Messages))
	merged = append(merged, prior...)
	merged = append(merged, req.Messages...)

	rel, summary := s.companion(ctx, convID)
	t := &turn{
		identity: identity,
		convID:   convID,
		merged:   merged,
		latest:   latest,
		prompt:   s.Prompt.Build(withoutLatestUser(merged), rel, summary, latest),
	}
	logger(ctx).Debug().
		Str("conversation_id", convID).
		Int("history", len(merged)).
		Int("prompt_messages", len(t.prompt)).
		Msg("turn admitted")
	return t, nil
}

// hydrate seeds history from storage after a cache miss.
func (s *ChatService) hydrate(ctx context.Context, convID string) []domain.ChatMessage {
	if s.HydrateLimit <= 0 {
		return nil
	}
	msgs, err := repo.ListRecentMessages(ctx, s.DB, convID, s.HydrateLimit)
	if err != nil {
		logger(ctx).Warn().Err(err).Str("conversation_id", convID).Msg("history hydrate failed")
		return nil
	}
	out := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		// Refused input is kept for audit but never replayed to the model.
		if m.Role == domain.RoleUser && m.SafetyState == domain.SafetyRefuseHard {
			continue
		}
		out = append(out, m.ChatMessage())
	}
	return out
}

// companion loads relationship state and summary. Failures degrade to the
// builder's defaults rather than failing the turn.
func (s *ChatService) companion(ctx context.Context, convID string) (*domain.RelationshipState, string) {
	v, err, _ := s.companions.Do(convID, func() (any, error) {
		return repo.EnsureRelationshipState(ctx, s.DB, convID)
	})
	var rel *domain.RelationshipState
	if err != nil {
		logger(ctx).Warn().Err(err).Str("conversation_id", convID).Msg("relationship state unavailable")
	} else {
		st := *v.(*domain.RelationshipState)
		rel = &st
	}

	summary, err := repo.GetSummary(ctx, s.DB, convID)
	if err != nil {
		logger(ctx).Warn().Err(err).Str("conversation_id", convID).Msg("summary unavailable")
	}
	return rel, summary
}

func (s *ChatService) classify(ctx context.Context, stage safety.Stage, text string) safety.Verdict {
	v := s.Safety.Classify(text)
	observability.SafetyVerdicts.WithLabelValues(string(stage), string(v.State), string(v.Category)).Inc()
	if !v.Allowed() {
		logger(ctx).Info().
			Str("stage", string(stage)).
			Str("category", string(v.Category)).
			Str("rule", v.Rule).
			Msg("safety refusal")
	}
	return v
}

// refused persists and caches the refusal for stage. Input that tripped a
// pre-check is stored tagged REFUSE_HARD but left out of the cached history.
func (s *ChatService) refused(ctx context.Context, t *turn, mode string, stage safety.Stage, v safety.Verdict) (*TurnResult, error) {
	refusal := v.Refusal
	if refusal == "" {
		refusal = safety.DefaultRefusal
	}

	history := withoutLatestUser(t.merged)
	user := &domain.Message{Role: domain.RoleUser, Content: t.latest, SafetyState: domain.SafetyRefuseHard}
	if stage == safety.StagePost {
		user.SafetyState = domain.SafetyAllow
		history = t.merged
	}
	rows := []*domain.Message{user}
	reply := &domain.Message{
		Role:        domain.RoleAssistant,
		Content:     refusal,
		SafetyState: domain.SafetyRefuseHard,
	}
	rows = append(rows, reply)

	if err := s.persist(ctx, t.convID, rows...); err != nil {
		countTurn(mode, TurnAbortedUnsafe)
		return nil, err
	}

	out := reply.ChatMessage()
	s.Cache.Upsert(t.identity, t.convID, append(domain.CloneMessages(history), domain.ChatMessage{Role: out.Role, Content: out.Content}))
	countTurn(mode, TurnAbortedUnsafe)

	res := &TurnResult{ConversationID: t.convID, State: TurnAbortedUnsafe, Reply: out, Verdict: v}
	return res, &PolicyRefusedError{Stage: stage, Verdict: v, ConversationID: t.convID, MessageID: reply.ID}
}

// incomplete handles a stream that ended without a done event. Allowed
// partial text is persisted and the turn still ends with done; unsafe
// partial text becomes a refusal. With nothing generated the upstream
// failure is returned.
func (s *ChatService) incomplete(ctx context.Context, t *turn, partial string, cause error, sink EventSink) (*TurnResult, error) {
	if cause == nil {
		cause = errors.New("stream ended without completion")
	}
	if !errors.Is(cause, ErrUpstreamUnavailable) {
		cause = fmt.Errorf("%w: %v", ErrUpstreamUnavailable, cause)
	}

	if strings.TrimSpace(partial) == "" {
		countTurn(modeStream, TurnIncomplete)
		return nil, cause
	}
	if v := s.classify(ctx, safety.StagePost, partial); !v.Allowed() {
		res, err := s.refused(ctx, t, modeStream, safety.StagePost, v)
		if res == nil {
			return nil, err
		}
		_ = sink.Blocked(CodeBlockedOutput, res.Reply.Content)
		return res, nil
	}

	res, err := s.commit(ctx, t, partial, TurnIncomplete)
	countTurn(modeStream, TurnIncomplete)
	if err != nil {
		return nil, err
	}
	logger(ctx).Warn().Err(cause).
		Str("conversation_id", t.convID).
		Int("runes", utf8.RuneCountInString(partial)).
		Msg("upstream ended early; partial reply saved")
	_ = sink.Done()
	return res, nil
}

// salvage stores allowed partial text after the caller disconnected.
func (s *ChatService) salvage(ctx context.Context, t *turn, partial string) {
	countTurn(modeStream, TurnIncomplete)
	if strings.TrimSpace(partial) == "" {
		return
	}
	if v := s.classify(ctx, safety.StagePost, partial); !v.Allowed() {
		return
	}
	timeout := s.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if _, err := s.commit(pctx, t, partial, TurnIncomplete); err != nil {
		logger(ctx).Warn().Err(err).Str("conversation_id", t.convID).Msg("partial reply not saved")
	}
}

// commit persists the user message and the allowed assistant reply, then
// replaces the cache entry with the extended history.
func (s *ChatService) commit(ctx context.Context, t *turn, text string, state TurnState) (*TurnResult, error) {
	model := s.LLM.Model()
	temp := s.LLM.Temperature()
	user := &domain.Message{Role: domain.RoleUser, Content: t.latest, SafetyState: domain.SafetyAllow}
	reply := &domain.Message{
		Role:        domain.RoleAssistant,
		Content:     text,
		ModelName:   &model,
		Temperature: &temp,
		SafetyState: domain.SafetyAllow,
	}
	if err := s.persist(ctx, t.convID, user, reply); err != nil {
		return nil, err
	}

	out := reply.ChatMessage()
	s.Cache.Upsert(t.identity, t.convID, append(domain.CloneMessages(t.merged), domain.ChatMessage{Role: out.Role, Content: out.Content}))
	s.afterTurn(ctx, t)

	return &TurnResult{
		ConversationID: t.convID,
		State:          state,
		Reply:          out,
		Verdict:        safety.Verdict{State: safety.StateAllow, Reason: safety.ReasonAllowed},
	}, nil
}

// persist stores rows in order inside one transaction and touches the
// conversation.
func (s *ChatService) persist(ctx context.Context, convID string, rows ...*domain.Message) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range rows {
			m.ConversationID = convID
			if err := repo.InsertMessage(ctx, tx, m); err != nil {
				return err
			}
		}
		return repo.TouchConversation(ctx, tx, convID)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// afterTurn records extracted memories and bumps the relationship state.
// Both are best effort.
func (s *ChatService) afterTurn(ctx context.Context, t *turn) {
	if found := memory.Extract(t.latest); len(found) > 0 {
		mems := make([]domain.Memory, 0, len(found))
		for _, c := range found {
			mems = append(mems, domain.Memory{ConversationID: t.convID, Type: c.Type, Content: c.Content, Importance: c.Importance})
		}
		if err := repo.InsertMemories(ctx, s.DB, mems); err != nil {
			logger(ctx).Warn().Err(err).Str("conversation_id", t.convID).Msg("memories not saved")
		}
	}
	if err := repo.TouchRelationshipState(ctx, s.DB, t.convID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		logger(ctx).Warn().Err(err).Str("conversation_id", t.convID).Msg("relationship state not touched")
	}
}

// Replay returns the turn recorded for an idempotency key.
func (s *ChatService) Replay(ctx context.Context, identity string, rec *domain.Idempotency) (*TurnResult, error) {
	if rec == nil {
		return nil, ErrMessageNotFound
	}
	if _, err := repo.GetConversation(ctx, s.DB, rec.ConversationID, identity); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	m, err := repo.GetMessage(ctx, s.DB, rec.MessageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	state := TurnComplete
	if m.SafetyState == domain.SafetyRefuseHard {
		state = TurnAbortedUnsafe
	}
	return &TurnResult{
		ConversationID: rec.ConversationID,
		State:          state,
		Reply:          m.ChatMessage(),
		Replayed:       true,
	}, nil
}

// withoutLatestUser drops the last user message from msgs; the builder
// appends it separately.
func withoutLatestUser(msgs []domain.ChatMessage) []domain.ChatMessage {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			out := make([]domain.ChatMessage, 0, len(msgs)-1)
			out = append(out, msgs[:i]...)
			return append(out, msgs[i+1:]...)
		}
	}
	return domain.CloneMessages(msgs)
}

func tracer() trace.Tracer { return otel.Tracer("services/ChatService") }

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func countTurn(mode string, state TurnState) {
	observability.Turns.WithLabelValues(mode, string(state)).Inc()
}

// logger returns the request logger stored in ctx, or the global one.
func logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}
