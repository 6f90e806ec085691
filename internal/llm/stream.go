// Package llm talks to the upstream language-model server.
//
// Two wire dialects are supported. The OpenAI-compatible dialect streams
// Server-Sent Events whose "data:" payloads are chat-completion chunks and
// ends with "data: [DONE]". The Ollama dialect streams newline-delimited JSON
// objects and ends with an object carrying "done": true. Stream normalizes
// both into a single sequence of delta and done events.
package llm

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/tbourn/go-moderated-chat/internal/observability"
)

// Dialect selects the upstream API shape.
type Dialect string

const (
	DialectOpenAI Dialect = "openai"
	DialectOllama Dialect = "ollama"
)

// ParseDialect maps a config value to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(s))) {
	case DialectOpenAI, "":
		return DialectOpenAI, nil
	case DialectOllama:
		return DialectOllama, nil
	}
	return "", fmt.Errorf("unknown llm api mode %q (want openai or ollama)", s)
}

// EventKind distinguishes stream events.
type EventKind string

const (
	EventDelta EventKind = "delta"
	EventDone  EventKind = "done"
)

// Event is one normalized stream event. Text is empty for done events and
// may be empty for deltas.
type Event struct {
	Kind EventKind
	Text string
}

const (
	maxLineBytes   = 1 << 20
	logPayloadSize = 256
	sseDataPrefix  = "data:"
	sseDoneMarker  = "[DONE]"
)

// ollamaChunk is one NDJSON object of an Ollama /api/chat stream, and also
// the body of a non-streaming Ollama reply.
type ollamaChunk struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// Stream lazily decodes an upstream response body. It yields at most one
// done event and never restarts. It is not safe for concurrent use.
type Stream struct {
	sc        *bufio.Scanner
	dialect   Dialect
	finished  bool
	err       error
	malformed int
}

// NewStream wraps r. The caller still owns r and must close it.
func NewStream(r io.Reader, d Dialect) *Stream {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Stream{sc: sc, dialect: d}
}

// Next returns the next event. ok is false once the stream has produced its
// done event, reached end of input, or failed; Err distinguishes the last case.
func (s *Stream) Next() (ev Event, ok bool) {
	if s.finished {
		return Event{}, false
	}
	for s.sc.Scan() {
		line := bytes.TrimSpace(s.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		e, valid := s.decode(line)
		if !valid {
			continue
		}
		if e.Kind == EventDone {
			s.finished = true
		}
		return e, true
	}
	s.finished = true
	s.err = s.sc.Err()
	return Event{}, false
}

// Err returns the transport error that ended the stream, if any. A stream
// that ends at EOF without a done event reports nil.
func (s *Stream) Err() error { return s.err }

// Malformed returns how many frames were skipped because they failed to decode.
func (s *Stream) Malformed() int { return s.malformed }

func (s *Stream) decode(line []byte) (Event, bool) {
	if s.dialect == DialectOllama {
		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			s.skip(line, err)
			return Event{}, false
		}
		if chunk.Done {
			return Event{Kind: EventDone}, true
		}
		return Event{Kind: EventDelta, Text: chunk.Message.Content}, true
	}

	if !bytes.HasPrefix(line, []byte(sseDataPrefix)) {
		// event:, id:, retry: and comment lines carry nothing for us.
		return Event{}, false
	}
	data := bytes.TrimSpace(line[len(sseDataPrefix):])
	if string(data) == sseDoneMarker {
		return Event{Kind: EventDone}, true
	}
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		s.skip(data, err)
		return Event{}, false
	}
	var text string
	if len(chunk.Choices) > 0 {
		text = chunk.Choices[0].Delta.Content
	}
	return Event{Kind: EventDelta, Text: text}, true
}

func (s *Stream) skip(payload []byte, err error) {
	s.malformed++
	observability.MalformedFrames.WithLabelValues(string(s.dialect)).Inc()
	p := string(payload)
	if len(p) > logPayloadSize {
		p = p[:logPayloadSize] + "…"
	}
	log.Warn().
		Str("dialect", string(s.dialect)).
		Str("payload", p).
		Err(err).
		Msg("llm stream frame malformed, skipping")
}
