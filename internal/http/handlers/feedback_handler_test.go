package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/tbourn/go-moderated-chat/internal/services"
)

func TestLeaveFeedback_OK(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{
		"user_id":      "erin",
		"message_id":   42,
		"rating":       "thumbs_down",
		"tags":         []string{"too_long"},
		"rewrite_text": "Shorter please.",
	}
	w := f.do(http.MethodPost, "/feedback", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	var resp FeedbackResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Status != "ok" || resp.ID != 9 {
		t.Fatalf("resp=%+v", resp)
	}
	got := f.fb.got
	if f.fb.identity != "erin" || got.MessageID != 42 || got.Rating != "thumbs_down" ||
		len(got.Tags) != 1 || got.RewriteText == nil || *got.RewriteText != "Shorter please." {
		t.Fatalf("service input identity=%q %+v", f.fb.identity, got)
	}
}

func TestLeaveFeedback_IdentityFromHeader(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/feedback", map[string]any{"message_id": 1, "rating": "thumbs_up"}, map[string]string{"X-User-ID": "frank"})
	if f.fb.identity != "frank" {
		t.Fatalf("identity=%q", f.fb.identity)
	}
}

func TestLeaveFeedback_BadPayload(t *testing.T) {
	f := newFixture(t)
	for _, body := range []map[string]any{
		{"rating": "thumbs_up"},
		{"message_id": 0, "rating": "thumbs_up"},
		{"message_id": 3},
	} {
		w := f.do(http.MethodPost, "/feedback", body, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%v: code=%d", body, w.Code)
		}
		if e := decodeError(t, w); e.Code != ErrCodeBadRequest {
			t.Fatalf("%v: code=%q", body, e.Code)
		}
	}
}

func TestLeaveFeedback_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: got \"meh\"", services.ErrInvalidFeedback), http.StatusBadRequest, ErrCodeInvalidRating},
		{services.ErrMessageNotFound, http.StatusNotFound, ErrCodeNotFound},
		{services.ErrForbiddenFeedback, http.StatusForbidden, ErrCodeForbidden},
		{errors.New("db down"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			f := newFixture(t)
			f.fb.err = tc.err
			w := f.do(http.MethodPost, "/feedback", map[string]any{"message_id": 5, "rating": "thumbs_up"}, nil)
			if w.Code != tc.status {
				t.Fatalf("code=%d want %d", w.Code, tc.status)
			}
			if e := decodeError(t, w); e.Code != tc.code {
				t.Fatalf("code=%q want %q", e.Code, tc.code)
			}
		})
	}
}
