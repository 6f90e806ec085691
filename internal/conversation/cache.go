// Package conversation holds ephemeral per-session message history.
//
// Entries are keyed by (identity, conversation id) and replaced wholesale on
// every turn. When a TTL is configured, every Get and Upsert first evicts
// entries untouched for longer than the TTL. A single map-wide mutex guards
// the store; concurrent upserts to the same key are last-write-wins.
package conversation

import (
	"sync"
	"time"

	"github.com/tbourn/go-moderated-chat/internal/domain"
)

// Entry is a snapshot of one session's history.
type Entry struct {
	Identity       string
	ConversationID string
	Messages       []domain.ChatMessage
	UpdatedAt      time.Time
}

type key struct {
	identity string
	id       string
}

// Cache is an in-memory, TTL-bounded session store. Safe for concurrent use.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[key]*Entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache returns an empty cache. ttl <= 0 disables eviction.
func NewCache(ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[key]*Entry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns a copy of the entry for (identity, id), if present and live.
func (c *Cache) Get(identity, id string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked()
	e, ok := c.entries[key{identity, id}]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Upsert replaces the entry for (identity, id) with a copy of msgs stamped
// with the current time, and returns a copy of the stored entry.
func (c *Cache) Upsert(identity, id string, msgs []domain.ChatMessage) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked()
	e := &Entry{
		Identity:       identity,
		ConversationID: id,
		Messages:       domain.CloneMessages(msgs),
		UpdatedAt:      c.now(),
	}
	c.entries[key{identity, id}] = e
	return e.clone()
}

// Sweep evicts expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked()
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked drops entries last updated before now-ttl. Caller holds mu.
func (c *Cache) evictLocked() int {
	if c.ttl <= 0 {
		return 0
	}
	cutoff := c.now().Add(-c.ttl)
	n := 0
	for k, e := range c.entries {
		if e.UpdatedAt.Before(cutoff) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.Messages = domain.CloneMessages(e.Messages)
	return &cp
}
