package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/tbourn/go-moderated-chat/internal/domain"
	"github.com/tbourn/go-moderated-chat/internal/observability"
)

// ErrUpstreamUnavailable reports that the model server could not be reached
// or answered with a non-2xx status.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Defaults applied by NewClient to zero-valued Config fields.
const (
	DefaultMaxTokens   = 512
	DefaultTemperature = 0.8
	DefaultConcurrency = 8
	DefaultTimeout     = 90 * time.Second
)

// Config describes how to reach the upstream server.
type Config struct {
	BaseURL     string
	Model       string
	Dialect     Dialect
	APIKey      string
	MaxTokens   int
	Temperature float64
	Concurrency int
	Timeout     time.Duration
}

// Client issues blocking and streaming chat calls. A counting gate bounds
// the number of calls in flight; a slot is held from request start until
// the blocking call returns or the stream is closed.
type Client struct {
	cfg    Config
	hc     *http.Client
	oa     *openai.Client
	gate   *semaphore.Weighted
	tracer trace.Tracer
}

// NewClient builds a Client. hc may be nil, in which case a client with a
// response-header timeout of cfg.Timeout is used. Streams are not bounded
// by a whole-request timeout; callers cancel them through the context.
func NewClient(cfg Config, hc *http.Client) *Client {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature < 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Dialect == "" {
		cfg.Dialect = DialectOpenAI
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ResponseHeaderTimeout = cfg.Timeout
		hc = &http.Client{Transport: tr}
	}

	oaCfg := openai.DefaultConfig(cfg.APIKey)
	oaCfg.BaseURL = cfg.BaseURL
	oaCfg.HTTPClient = hc

	return &Client{
		cfg:    cfg,
		hc:     hc,
		oa:     openai.NewClientWithConfig(oaCfg),
		gate:   semaphore.NewWeighted(int64(cfg.Concurrency)),
		tracer: otel.Tracer("llm/Client"),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Temperature returns the sampling temperature sent upstream.
func (c *Client) Temperature() float64 { return c.cfg.Temperature }

// Dialect returns the configured wire dialect.
func (c *Client) Dialect() Dialect { return c.cfg.Dialect }

// Complete performs one blocking chat completion and returns the reply text.
func (c *Client) Complete(ctx context.Context, msgs []domain.ChatMessage) (string, error) {
	ctx, span := c.tracer.Start(ctx, "Complete", trace.WithAttributes(
		attribute.String("llm.dialect", string(c.cfg.Dialect)),
		attribute.String("llm.model", c.cfg.Model),
		attribute.Int("llm.messages", len(msgs)),
	))
	defer span.End()

	release, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var text string
	if c.cfg.Dialect == DialectOllama {
		text, err = c.completeOllama(ctx, msgs)
	} else {
		text, err = c.completeOpenAI(ctx, msgs)
	}
	observability.UpstreamLatency.WithLabelValues(string(c.cfg.Dialect), "complete").Observe(time.Since(start).Seconds())
	c.record("complete", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return text, nil
}

// ResponseStream is an open upstream stream. Close must be called to free
// the connection and the concurrency slot; it is safe to call more than once.
type ResponseStream struct {
	*Stream
	body    io.ReadCloser
	release func()
	span    trace.Span
	once    sync.Once
}

// Close closes the body and releases the concurrency slot.
func (r *ResponseStream) Close() error {
	var err error
	r.once.Do(func() {
		err = r.body.Close()
		r.release()
		if serr := r.Stream.Err(); serr != nil {
			r.span.RecordError(serr)
		}
		r.span.SetAttributes(attribute.Int("llm.malformed_frames", r.Stream.Malformed()))
		r.span.End()
	})
	return err
}

// Stream opens a streaming chat call and returns once response headers have
// arrived. The returned stream stops when ctx is cancelled.
func (c *Client) Stream(ctx context.Context, msgs []domain.ChatMessage) (*ResponseStream, error) {
	ctx, span := c.tracer.Start(ctx, "Stream", trace.WithAttributes(
		attribute.String("llm.dialect", string(c.cfg.Dialect)),
		attribute.String("llm.model", c.cfg.Model),
		attribute.Int("llm.messages", len(msgs)),
	))

	release, err := c.acquire(ctx)
	if err != nil {
		span.End()
		return nil, err
	}

	start := time.Now()
	resp, err := c.post(ctx, c.chatPath(), c.payload(msgs, true))
	observability.UpstreamLatency.WithLabelValues(string(c.cfg.Dialect), "stream").Observe(time.Since(start).Seconds())
	c.record("stream", err)
	if err != nil {
		release()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	return &ResponseStream{
		Stream:  NewStream(resp.Body, c.cfg.Dialect),
		body:    resp.Body,
		release: release,
		span:    span,
	}, nil
}

func (c *Client) acquire(ctx context.Context) (func(), error) {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	observability.UpstreamInflight.Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			observability.UpstreamInflight.Dec()
			c.gate.Release(1)
		})
	}, nil
}

func (c *Client) completeOpenAI(ctx context.Context, msgs []domain.ChatMessage) (string, error) {
	req := c.payload(msgs, false).(openai.ChatCompletionRequest)
	resp, err := c.oa.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", c.wrap(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) completeOllama(ctx context.Context, msgs []domain.ChatMessage) (string, error) {
	resp, err := c.post(ctx, c.chatPath(), c.payload(msgs, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out ollamaChunk
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", c.wrap(ctx, fmt.Errorf("decode ollama reply: %w", err))
	}
	return out.Message.Content, nil
}

// ollamaChatRequest is the body of POST /api/chat.
type ollamaChatRequest struct {
	Model    string               `json:"model"`
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
	Options  map[string]any       `json:"options,omitempty"`
}

func (c *Client) chatPath() string {
	if c.cfg.Dialect == DialectOllama {
		return "/api/chat"
	}
	return "/chat/completions"
}

func (c *Client) payload(msgs []domain.ChatMessage, stream bool) any {
	if c.cfg.Dialect == DialectOllama {
		wire := make([]domain.ChatMessage, len(msgs))
		for i, m := range msgs {
			wire[i] = domain.ChatMessage{Role: m.Role, Content: m.Content}
		}
		return ollamaChatRequest{
			Model:    c.cfg.Model,
			Messages: wire,
			Stream:   stream,
			Options:  map[string]any{"temperature": c.cfg.Temperature},
		}
	}
	wire := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		wire[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    wire,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: float32(c.cfg.Temperature),
		Stream:      stream,
	}
}

// post sends body as JSON and returns the response when the status is 2xx.
// The caller closes the body.
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, c.wrap(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstreamUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

// wrap classifies err. Caller cancellation passes through untouched so it is
// not mistaken for an upstream outage.
func (c *Client) wrap(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, ErrUpstreamUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}

func (c *Client) record(mode string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = "error"
	}
	observability.UpstreamRequests.WithLabelValues(string(c.cfg.Dialect), mode, outcome).Inc()
}
