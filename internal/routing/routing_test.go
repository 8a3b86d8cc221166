package routing

import (
	"context"
	"sync"

	"github.com/birdwatch-im/birdwatch/internal/wire"
)

// fakeStream records everything sent through it.
type fakeStream struct {
	mu        sync.Mutex
	messages  []wire.Message
	presences []wire.Presence
	moods     []string
	moodErr   error
}

func (f *fakeStream) SendMessage(_ context.Context, m wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeStream) SendPresence(_ context.Context, p wire.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, p)
	return nil
}

func (f *fakeStream) PublishMood(_ context.Context, mood, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moodErr != nil {
		return f.moodErr
	}
	f.moods = append(f.moods, mood)
	return nil
}

// bodies returns the plain bodies of all recorded messages with a body.
func (f *fakeStream) bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.messages {
		if m.Body != "" {
			out = append(out, m.Body)
		}
	}
	return out
}

// presenceTypes returns the types of all recorded presence stanzas.
func (f *fakeStream) presenceTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.presences {
		out = append(out, p.Type)
	}
	return out
}

// fakeScheduler records availability transitions and carries a budget.
type fakeScheduler struct {
	mu          sync.Mutex
	connections int
	available   map[string]bool
	budget      int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{available: make(map[string]bool), budget: 100}
}

func (s *fakeScheduler) Connected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections++
}

func (s *fakeScheduler) Disconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections--
}

func (s *fakeScheduler) AvailableUser(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available[identity] = true
}

func (s *fakeScheduler) UnavailableUser(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available[identity] = false
}

func (s *fakeScheduler) SetAvailableRequests(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budget = n
}

func (s *fakeScheduler) AvailableRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budget
}

func (s *fakeScheduler) isAvailable(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available[identity]
}
