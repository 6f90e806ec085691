// Package ratelimit implements the per-identity admission control used by
// the chat pipeline.
//
// SlidingWindow keeps, per key, the timestamps of calls admitted during the
// trailing window and admits a new call only while that count is below
// maxPerMinute + burst. Pruning, the limit check and the append happen in a
// single critical section, so two callers can never both take the last slot.
//
// The limiter is process-local. Keys whose windows have fully drained are
// removed by Sweep, which the janitor package runs on an interval.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the length of the trailing admission window.
const Window = time.Minute

// SlidingWindow is a per-key sliding-window counter. Safe for concurrent use.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	calls map[string][]time.Time
}

// Option configures a SlidingWindow.
type Option func(*SlidingWindow)

// WithClock injects the time source. Tests use it to move time forward.
func WithClock(now func() time.Time) Option {
	return func(s *SlidingWindow) {
		if now != nil {
			s.now = now
		}
	}
}

// WithWindow overrides the window length. Values <= 0 are ignored.
func WithWindow(d time.Duration) Option {
	return func(s *SlidingWindow) {
		if d > 0 {
			s.window = d
		}
	}
}

// NewSlidingWindow builds a limiter admitting maxPerMinute+burst calls per
// key per window. Negative inputs are treated as zero, which rejects
// everything.
func NewSlidingWindow(maxPerMinute, burst int, opts ...Option) *SlidingWindow {
	if maxPerMinute < 0 {
		maxPerMinute = 0
	}
	if burst < 0 {
		burst = 0
	}
	s := &SlidingWindow{
		limit:  maxPerMinute + burst,
		window: Window,
		now:    time.Now,
		calls:  make(map[string][]time.Time),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Limit returns the effective number of admissions per window.
func (s *SlidingWindow) Limit() int { return s.limit }

// Allow reports whether a call for key is admitted now, recording it if so.
// A rejected call leaves no trace in the window.
func (s *SlidingWindow) Allow(key string) bool {
	now := s.now()
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := prune(s.calls[key], cutoff)
	if len(ts) >= s.limit {
		s.calls[key] = ts
		return false
	}
	s.calls[key] = append(ts, now)
	return true
}

// Remaining returns how many more calls key may make in the current window.
func (s *SlidingWindow) Remaining(key string) int {
	cutoff := s.now().Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := prune(s.calls[key], cutoff)
	s.calls[key] = ts
	if n := s.limit - len(ts); n > 0 {
		return n
	}
	return 0
}

// Sweep drops keys whose windows no longer hold any admitted call and
// returns how many were removed.
func (s *SlidingWindow) Sweep() int {
	cutoff := s.now().Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, ts := range s.calls {
		ts = prune(ts, cutoff)
		if len(ts) == 0 {
			delete(s.calls, k)
			removed++
			continue
		}
		s.calls[k] = ts
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *SlidingWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// prune drops timestamps strictly older than cutoff. Timestamps are appended
// in order, so the first in-window entry marks the split point.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	out := make([]time.Time, len(ts)-i)
	copy(out, ts[i:])
	return out
}
