// Package cache provides the shared claim-once cache used to deduplicate
// outbound deliveries. The contract is a single atomic add-if-absent;
// expiry and eviction belong to the backing store.
package cache

import (
	"context"
	"sync"
)

// Claimer is an atomic add-if-absent against a shared key/value store.
// AddIfAbsent returns true iff this call created the entry.
type Claimer interface {
	AddIfAbsent(ctx context.Context, key, value string) (bool, error)
}

// Memory is a process-local Claimer for standalone mode and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewMemory creates an empty in-process claim cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]string)}
}

// AddIfAbsent records key if unset. Never fails.
func (m *Memory) AddIfAbsent(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return false, nil
	}
	m.entries[key] = value
	return true, nil
}

// Len reports the number of claimed keys. Test helper.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
