package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

func TestIdentity_Precedence(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name   string
		method string
		body   string
		header string
		want   string
	}{
		{"body wins", http.MethodPost, `{"user_id":"alice"}`, "bob", "alice"},
		{"header when body has none", http.MethodPost, `{"messages":[]}`, "bob", "bob"},
		{"header on GET", http.MethodGet, "", "carol", "carol"},
		{"ip fallback", http.MethodGet, "", "", "203.0.113.9"},
		{"blank body id falls through", http.MethodPost, `{"user_id":"   "}`, "", "203.0.113.9"},
		{"oversized id falls back to ip", http.MethodGet, "", strings.Repeat("x", maxUserIDLen+1), "203.0.113.9"},
		{"malformed body ignored", http.MethodPost, `{"user_id":`, "dave", "dave"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(Identity())
			var got string
			h := func(c *gin.Context) {
				got = IdentityFrom(c)
				c.Status(http.StatusNoContent)
			}
			r.POST("/x", h)
			r.GET("/x", h)

			var req *http.Request
			if tc.body != "" {
				req = httptest.NewRequest(tc.method, "/x", strings.NewReader(tc.body))
				req.Header.Set("Content-Type", "application/json")
			} else {
				req = httptest.NewRequest(tc.method, "/x", nil)
			}
			if tc.header != "" {
				req.Header.Set(HeaderUserID, tc.header)
			}
			req.RemoteAddr = "203.0.113.9:1234"
			r.ServeHTTP(httptest.NewRecorder(), req)

			if got != tc.want {
				t.Fatalf("identity=%q want %q", got, tc.want)
			}
		})
	}
}

func TestIdentity_BodyStillBindable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Identity())
	r.POST("/x", func(c *gin.Context) {
		var body struct {
			UserID  string `json:"user_id"`
			Message string `json:"message"`
		}
		if err := c.ShouldBindBodyWith(&body, binding.JSON); err != nil {
			t.Fatalf("rebind: %v", err)
		}
		c.JSON(http.StatusOK, body)
	})

	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"user_id":"u1","message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"message":"hi"`) {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
}

func TestIdentityFrom_WithoutMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "198.51.100.4:80"
	if got := IdentityFrom(c); got != "198.51.100.4" {
		t.Fatalf("got %q", got)
	}
	c.Set(ctxKeyUserID, 42)
	if got := IdentityFrom(c); got != "198.51.100.4" {
		t.Fatalf("wrong-type value should fall back, got %q", got)
	}
}

func TestHelpers_GetIdempotencyKey_IsReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	if k, ok := GetIdempotencyKey(c); k != "" || ok {
		t.Fatalf("expected no key")
	}
	if IsReplay(c) || IsRateBypass(c) {
		t.Fatalf("expected no flags by default")
	}
	c.Set(ctxKeyIdemKey, 123)
	if _, ok := GetIdempotencyKey(c); ok {
		t.Fatalf("non-string key must be absent")
	}
	c.Set(ctxKeyIdemReplay, "yes")
	if IsReplay(c) {
		t.Fatalf("non-bool replay must be false")
	}
	c.Set(ctxKeyIdemReplay, true)
	if !IsReplay(c) {
		t.Fatalf("expected replay")
	}
}

func TestIdempotencyValidator_NoHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	called := false
	lookup := func(context.Context, string, string, time.Time) (bool, error) {
		called = true
		return true, nil
	}
	r := gin.New()
	r.Use(IdempotencyValidator(IdempotencyOptions{}, lookup))
	r.POST("/chat", func(c *gin.Context) {
		if _, ok := GetIdempotencyKey(c); ok || IsReplay(c) {
			t.Fatalf("no key expected")
		}
		c.Status(http.StatusNoContent)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/chat", nil))

	if w.Code != http.StatusNoContent || called {
		t.Fatalf("code=%d lookupCalled=%v", w.Code, called)
	}
}

func TestIdempotencyValidator_RejectsInvalidKeys(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.Use(IdempotencyValidator(IdempotencyOptions{MaxLen: 8}, nil))
	r.POST("/chat", func(c *gin.Context) { t.Fatalf("handler must not run") })

	for _, key := range []string{"has space", "toolong-key", "bad/slash"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/chat", nil)
		req.Header.Set(HeaderIdempotencyKey, key)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("%q: code=%d", key, w.Code)
		}
		var body map[string]string
		_ = json.Unmarshal(w.Body.Bytes(), &body)
		if body["code"] != "bad_idempotency_key" || body["request_id"] == "" {
			t.Fatalf("%q: body=%v", key, body)
		}
	}
}

func TestIdempotencyValidator_CustomPattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(IdempotencyValidator(IdempotencyOptions{Pattern: regexp.MustCompile(`^[0-9]+$`)}, nil))
	r.POST("/chat", func(c *gin.Context) {
		k, _ := GetIdempotencyKey(c)
		c.String(http.StatusOK, k)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.Header.Set(HeaderIdempotencyKey, "12345")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "12345" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.Header.Set(HeaderIdempotencyKey, "abc")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestIdempotencyValidator_LookupOutcomes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name       string
		exists     bool
		err        error
		wantReplay bool
	}{
		{"stored", true, nil, true},
		{"fresh", false, nil, false},
		{"lookup error ignored", true, errors.New("db down"), true},
		{"lookup error without hit", false, errors.New("db down"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotIdentity, gotKey string
			lookup := func(_ context.Context, identity, key string, now time.Time) (bool, error) {
				gotIdentity, gotKey = identity, key
				if now.Location() != time.UTC {
					t.Fatalf("now must be UTC")
				}
				return tc.exists, tc.err
			}
			r := gin.New()
			r.Use(Identity())
			r.Use(IdempotencyValidator(IdempotencyOptions{}, lookup))
			r.POST("/chat", func(c *gin.Context) {
				if IsReplay(c) != tc.wantReplay || IsRateBypass(c) != tc.wantReplay {
					t.Fatalf("replay=%v bypass=%v", IsReplay(c), IsRateBypass(c))
				}
				c.Status(http.StatusNoContent)
			})

			req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"user_id":"u1"}`))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(HeaderIdempotencyKey, "  key-1  ")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != http.StatusNoContent {
				t.Fatalf("code=%d", w.Code)
			}
			if gotIdentity != "u1" || gotKey != "key-1" {
				t.Fatalf("lookup got (%q,%q)", gotIdentity, gotKey)
			}
		})
	}
}
