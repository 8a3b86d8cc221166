// Package scheduler coordinates polling: which users are reachable right
// now, how many connections are up, and how much API budget remains.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/birdwatch-im/birdwatch/internal/telemetry"
)

// Poller runs one poll cycle over the due tracks.
type Poller interface {
	Poll(ctx context.Context)
}

// Scheduler tracks connection and user availability and gates the poll
// loop on both being present.
type Scheduler struct {
	mu          sync.Mutex
	connections int
	available   map[string]bool
	budget      int
}

// New creates a scheduler with an initial API request budget. The budget is
// corrected from live API responses as soon as the first call reports it.
func New(initialBudget int) *Scheduler {
	return &Scheduler{
		available: make(map[string]bool),
		budget:    initialBudget,
	}
}

func (s *Scheduler) Connected() {
	s.mu.Lock()
	s.connections++
	s.mu.Unlock()
}

func (s *Scheduler) Disconnected() {
	s.mu.Lock()
	if s.connections > 0 {
		s.connections--
	}
	s.mu.Unlock()
}

// AvailableUser marks a user reachable for deliveries.
func (s *Scheduler) AvailableUser(identity string) {
	s.mu.Lock()
	s.available[identity] = true
	s.mu.Unlock()
}

// UnavailableUser marks a user unreachable.
func (s *Scheduler) UnavailableUser(identity string) {
	s.mu.Lock()
	delete(s.available, identity)
	s.mu.Unlock()
}

// IsAvailable reports whether deliveries should reach the user right now.
func (s *Scheduler) IsAvailable(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available[identity]
}

// SetAvailableRequests records the remaining API request budget.
func (s *Scheduler) SetAvailableRequests(n int) {
	s.mu.Lock()
	s.budget = n
	s.mu.Unlock()
	telemetry.SetBudget(n)
}

// AvailableRequests returns the remaining API request budget.
func (s *Scheduler) AvailableRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budget
}

// ConnectionCount returns the number of live connections.
func (s *Scheduler) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Run drives the poller on a fixed interval until the context ends. Cycles
// are skipped while no connection is up or the API budget is exhausted.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, p Poller) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.ConnectionCount() == 0 {
				slog.Debug("skipping poll cycle, no connections")
				continue
			}
			if s.AvailableRequests() <= 0 {
				slog.Debug("skipping poll cycle, API budget exhausted")
				continue
			}
			telemetry.CountPollCycle()
			p.Poll(ctx)
		}
	}
}
