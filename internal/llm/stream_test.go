package llm

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(s *Stream) []Event {
	var out []Event
	for {
		ev, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestStream_OpenAI_DeltasThenDone(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	got := collect(NewStream(strings.NewReader(body), DialectOpenAI))
	assert.Equal(t, []Event{
		{Kind: EventDelta, Text: "Hel"},
		{Kind: EventDelta, Text: "lo"},
		{Kind: EventDone},
	}, got)
}

func TestStream_OpenAI_SkipsMalformedAndForeignLines(t *testing.T) {
	body := strings.Join([]string{
		`: keep-alive comment`,
		`event: message`,
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		`data: {not json`,
		`id: 7`,
		`data: {"choices":[{"delta":{"content":"b"}}]}`,
		`data:[DONE]`,
	}, "\n")

	s := NewStream(strings.NewReader(body), DialectOpenAI)
	got := collect(s)
	assert.Equal(t, []Event{
		{Kind: EventDelta, Text: "a"},
		{Kind: EventDelta, Text: "b"},
		{Kind: EventDone},
	}, got)
	assert.Equal(t, 1, s.Malformed())
	assert.NoError(t, s.Err())
}

func TestStream_OpenAI_EmptyChoicesYieldEmptyDelta(t *testing.T) {
	body := "data: {\"choices\":[]}\ndata: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\ndata: [DONE]\n"
	got := collect(NewStream(strings.NewReader(body), DialectOpenAI))
	require.Len(t, got, 3)
	assert.Equal(t, Event{Kind: EventDelta}, got[0])
	assert.Equal(t, Event{Kind: EventDelta}, got[1])
	assert.Equal(t, EventDone, got[2].Kind)
}

func TestStream_Ollama_DoneFlag(t *testing.T) {
	body := strings.Join([]string{
		`{"message":{"role":"assistant","content":"Hi"},"done":false}`,
		`garbage`,
		`{"message":{"role":"assistant","content":" there"},"done":false}`,
		`{"done":true}`,
	}, "\n")

	s := NewStream(strings.NewReader(body), DialectOllama)
	got := collect(s)
	assert.Equal(t, []Event{
		{Kind: EventDelta, Text: "Hi"},
		{Kind: EventDelta, Text: " there"},
		{Kind: EventDone},
	}, got)
	assert.Equal(t, 1, s.Malformed())
}

func TestStream_StopsAtFirstDone(t *testing.T) {
	body := "data: [DONE]\ndata: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\ndata: [DONE]\n"
	s := NewStream(strings.NewReader(body), DialectOpenAI)

	got := collect(s)
	require.Len(t, got, 1)
	assert.Equal(t, EventDone, got[0].Kind)

	// Not restartable.
	_, ok := s.Next()
	assert.False(t, ok)
}

func TestStream_EOFWithoutDone(t *testing.T) {
	body := `{"message":{"content":"partial"},"done":false}`
	s := NewStream(strings.NewReader(body), DialectOllama)

	got := collect(s)
	assert.Equal(t, []Event{{Kind: EventDelta, Text: "partial"}}, got)
	assert.NoError(t, s.Err())
}

type failingReader struct {
	data string
	read bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.read {
		f.read = true
		return copy(p, f.data), nil
	}
	return 0, errors.New("connection reset")
}

func TestStream_TransportErrorSurfaces(t *testing.T) {
	r := &failingReader{data: "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n"}
	s := NewStream(r, DialectOpenAI)

	got := collect(s)
	assert.Equal(t, []Event{{Kind: EventDelta, Text: "x"}}, got)
	require.Error(t, s.Err())
	assert.Contains(t, s.Err().Error(), "connection reset")
}

func TestStream_EmptyBody(t *testing.T) {
	s := NewStream(io.MultiReader(), DialectOpenAI)
	_, ok := s.Next()
	assert.False(t, ok)
	assert.NoError(t, s.Err())
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect(" Ollama ")
	require.NoError(t, err)
	assert.Equal(t, DialectOllama, d)

	d, err = ParseDialect("")
	require.NoError(t, err)
	assert.Equal(t, DialectOpenAI, d)

	_, err = ParseDialect("anthropic")
	assert.Error(t, err)
}
