// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the caller identity for a request and implements
// Idempotency-Key handling for non-streaming chat turns. A request whose key
// already maps to a stored turn is flagged as a replay so the handler can
// return the stored reply and both limiters let it through uncharged.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

// HeaderIdempotencyKey carries the client's idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderUserID lets non-JSON callers (history, websocket) name their identity.
const HeaderUserID = "X-User-ID"

const (
	ctxKeyUserID     = "userID"
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

const maxUserIDLen = 128

// identityPeek reads only the identity field of a JSON body.
type identityPeek struct {
	UserID string `json:"user_id"`
}

// Identity resolves who is calling and stores it under "userID".
//
// Precedence: user_id in a JSON body, then the X-User-ID header, then the
// client IP. The body is read through ShouldBindBodyWith so handlers can bind
// it again from the cached copy.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := ""
		if c.Request.Method == http.MethodPost && c.ContentType() == binding.MIMEJSON {
			var peek identityPeek
			if err := c.ShouldBindBodyWith(&peek, binding.JSON); err == nil {
				id = peek.UserID
			}
		}
		if strings.TrimSpace(id) == "" {
			id = c.GetHeader(HeaderUserID)
		}
		id = strings.TrimSpace(id)
		if id == "" || len(id) > maxUserIDLen {
			id = c.ClientIP()
		}
		c.Set(ctxKeyUserID, id)
		c.Next()
	}
}

// IdentityFrom returns the identity set by Identity, or the client IP when the
// middleware did not run.
func IdentityFrom(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyUserID); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return c.ClientIP()
}

// GetIdempotencyKey returns the validated key, if any.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether a stored turn exists for this request's key.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures key validation.
type IdempotencyOptions struct {
	// MaxLen caps the key length. Values <= 0 default to 128, the column size.
	MaxLen int
	// Pattern restricts allowed characters; nil means ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
}

// IdempotencyLookup reports whether a still-valid turn is stored for
// (identity, key). TTL is enforced by the implementation.
type IdempotencyLookup func(ctx context.Context, identity, key string, now time.Time) (bool, error)

// IdempotencyValidator validates the Idempotency-Key header, stashes it, and
// marks the request as a replay when lookup finds a stored turn.
//
// A missing header is a no-op. An invalid key is rejected with 400
// bad_idempotency_key. Lookup errors are ignored and the request runs
// normally.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 128
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(HeaderRequestID),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			if exists, _ := lookup(c.Request.Context(), IdentityFrom(c), key, time.Now().UTC()); exists {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}
