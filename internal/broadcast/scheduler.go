package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/usagepulse/internal/adapter/metrics"
	"github.com/pscheid92/usagepulse/internal/domain"
)

// Publisher fans a payload out to open sessions.
type Publisher interface {
	Broadcast(payload []byte) int
	Send(sessionID string, payload []byte) error
}

// Scheduler periodically computes the live count and pushes it to every open
// session. There is one per process.
type Scheduler struct {
	counter   domain.LiveCounter
	publisher Publisher
	clock     clockwork.Clock
	interval  time.Duration
	ttl       time.Duration
	metrics   *metrics.PresenceMetrics
	running   atomic.Bool
}

// NewScheduler creates a scheduler. m may be nil.
func NewScheduler(counter domain.LiveCounter, publisher Publisher, clock clockwork.Clock, interval, ttl time.Duration, m *metrics.PresenceMetrics) *Scheduler {
	return &Scheduler{
		counter:   counter,
		publisher: publisher,
		clock:     clock,
		interval:  interval,
		ttl:       ttl,
		metrics:   m,
	}
}

// Run ticks until ctx is cancelled. Every tick counts, and therefore prunes,
// even when no session is open.
func (s *Scheduler) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("Broadcast scheduler started", "interval", s.interval, "ttl", s.ttl)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Broadcast scheduler stopped")
			return
		case <-ticker.Chan():
			s.Tick()
		}
	}
}

// Running reports whether Run is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Tick computes the current count and broadcasts it once.
func (s *Scheduler) Tick() {
	start := s.clock.Now()

	payload, count, err := s.payload(start)
	if err != nil {
		slog.Error("Failed to marshal count update", "error", err)
		return
	}
	delivered := s.publisher.Broadcast(payload)

	if s.metrics != nil {
		s.metrics.TickDuration.Observe(s.clock.Since(start).Seconds())
	}
	slog.Debug("Broadcast count", "active_users", count, "sessions", delivered)
}

// Greet sends the current count to a freshly accepted session so it does not
// wait a full interval for its first update.
func (s *Scheduler) Greet(sessionID string) error {
	payload, _, err := s.payload(s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to marshal count update: %w", err)
	}
	if err := s.publisher.Send(sessionID, payload); err != nil {
		return fmt.Errorf("failed to send initial count: %w", err)
	}
	return nil
}

func (s *Scheduler) payload(now time.Time) ([]byte, int, error) {
	count := s.counter.LiveCount(now, s.ttl)
	data, err := json.Marshal(domain.NewCountUpdate(count, now))
	if err != nil {
		return nil, count, err
	}
	return data, count, nil
}
