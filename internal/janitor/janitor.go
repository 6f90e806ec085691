// Package janitor runs periodic sweeps over in-memory stores so idle entries
// do not accumulate for the lifetime of the process.
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultInterval is used when no positive interval is supplied.
const DefaultInterval = time.Minute

// Sweeper is anything that can drop its idle entries and report how many
// were removed.
type Sweeper interface {
	Sweep() int
}

// Service sweeps a target on a fixed interval until stopped.
type Service struct {
	name     string
	target   Sweeper
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New returns a stopped Service. name labels log lines.
func New(name string, target Sweeper, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{name: name, target: target, interval: interval}
}

// Start launches the sweep loop. Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.run(loopCtx, s.done)
}

// Stop cancels the loop and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		close(done)
		s.mu.Unlock()
	}()

	lg := log.With().Str("component", "janitor").Str("target", s.name).Logger()
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			lg.Debug().Msg("sweeper stopping")
			return
		case <-t.C:
			start := time.Now()
			if n := s.target.Sweep(); n > 0 {
				lg.Info().Int("removed", n).Dur("took", time.Since(start)).Msg("swept idle entries")
			}
		}
	}
}
