// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// EdgeLimiter is a per-identity token bucket (golang.org/x/time/rate) that
// sits in front of the chat pipeline. It absorbs request floods cheaply; the
// per-minute turn budget is enforced later by the chat service's sliding
// window. Idle buckets are dropped by Sweep, which a janitor calls on a
// fixed interval.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc maps a request to a bucket key.
type KeyFunc func(*gin.Context) string

// KeyByIdentity keys buckets by the resolved identity, falling back to the
// client IP. Prefixes keep the two namespaces apart.
func KeyByIdentity() KeyFunc {
	return func(c *gin.Context) string {
		if v, ok := c.Get(ctxKeyUserID); ok {
			if s, ok := v.(string); ok && s != "" && s != c.ClientIP() {
				return "user:" + s
			}
		}
		return "ip:" + c.ClientIP()
	}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// EdgeLimiter is safe for concurrent use.
type EdgeLimiter struct {
	rps   rate.Limit
	burst int
	keyFn KeyFunc
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewEdgeLimiter returns a limiter refilling rps tokens per second up to
// burst (coerced to at least 1). Buckets idle for longer than idle are
// removed by Sweep; idle <= 0 means ten minutes.
func NewEdgeLimiter(rps float64, burst int, idle time.Duration, keyFn KeyFunc) *EdgeLimiter {
	if burst <= 0 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	if keyFn == nil {
		keyFn = KeyByIdentity()
	}
	return &EdgeLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		keyFn:   keyFn,
		idle:    idle,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *EdgeLimiter) limiter(key string) *rate.Limiter {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim
}

// Sweep drops buckets idle for at least the idle duration and reports how
// many were removed. It satisfies janitor.Sweeper.
func (l *EdgeLimiter) Sweep() int {
	cutoff := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if !b.lastSeen.After(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Len reports the number of live buckets.
func (l *EdgeLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// IsRateBypass reports whether IdempotencyValidator marked the request as a
// replay, which neither limiter charges.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler rejects requests over the bucket with 429 too_many_requests and
// Retry-After: 1. Replays pass without taking a token.
func (l *EdgeLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) || l.limiter(l.keyFn(c)).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(HeaderRequestID),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
