package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Directory and TrackStore for standalone mode and
// tests. All methods copy records in and out so callers never share state
// with the store.
type Memory struct {
	mu     sync.RWMutex
	users  map[uuid.UUID]*User
	byAddr map[string]uuid.UUID
	tracks map[uuid.UUID]*Track
	byQry  map[string]uuid.UUID
	// watching[trackID] is the set of user ids associated with the track.
	watching map[uuid.UUID]map[uuid.UUID]bool
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[uuid.UUID]*User),
		byAddr:   make(map[string]uuid.UUID),
		tracks:   make(map[uuid.UUID]*Track),
		byQry:    make(map[string]uuid.UUID),
		watching: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func (m *Memory) ByIdentity(_ context.Context, identity string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byAddr[identity]; ok {
		u := *m.users[id]
		return &u, nil
	}
	now := time.Now().UTC()
	u := &User{
		ID:       uuid.New(),
		Identity: identity,
		Status:   StatusUnavailable,
		Active:   true,
		Created:  now,
		Updated:  now,
	}
	m.users[u.ID] = u
	m.byAddr[identity] = u.ID
	cp := *u
	return &cp, nil
}

func (m *Memory) Save(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u.Updated = time.Now().UTC()
	cp := *u
	m.users[u.ID] = &cp
	m.byAddr[u.Identity] = u.ID
	return nil
}

func (m *Memory) Counts(_ context.Context) (Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var c Counts
	for _, u := range m.users {
		if u.IsActive() {
			c.ActiveUsers++
		}
	}
	c.TrackedTopics = len(m.tracks)
	return c, nil
}

func (m *Memory) Due(_ context.Context, now time.Time) ([]*Track, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Track
	for _, t := range m.tracks {
		if !t.NextUpdate.After(now) && len(m.watching[t.ID]) > 0 {
			cp := *t
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextUpdate.Before(due[j].NextUpdate) })
	return due, nil
}

func (m *Memory) SaveTrack(_ context.Context, t *Track) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.tracks[t.ID] = &cp
	m.byQry[normalizeQuery(t.Query)] = t.ID
	return nil
}

func (m *Memory) Add(_ context.Context, userID uuid.UUID, query string) (*Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := normalizeQuery(query)
	id, ok := m.byQry[key]
	if !ok {
		t := &Track{ID: uuid.New(), Query: query}
		m.tracks[t.ID] = t
		m.byQry[key] = t.ID
		id = t.ID
	}
	if m.watching[id] == nil {
		m.watching[id] = make(map[uuid.UUID]bool)
	}
	m.watching[id][userID] = true
	cp := *m.tracks[id]
	return &cp, nil
}

func (m *Memory) Remove(_ context.Context, userID uuid.UUID, query string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byQry[normalizeQuery(query)]
	if !ok {
		return nil
	}
	delete(m.watching[id], userID)
	return nil
}

func (m *Memory) ListFor(_ context.Context, userID uuid.UUID) ([]*Track, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Track
	for tid, set := range m.watching {
		if set[userID] {
			cp := *m.tracks[tid]
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Query < out[j].Query })
	return out, nil
}

func (m *Memory) Watchers(_ context.Context, trackID uuid.UUID) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*User
	for uid := range m.watching[trackID] {
		if u, ok := m.users[uid]; ok {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (m *Memory) ActiveWatcherCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	watchers := make(map[uuid.UUID]bool)
	for _, set := range m.watching {
		for uid := range set {
			watchers[uid] = true
		}
	}
	var n int
	for uid := range watchers {
		if u, ok := m.users[uid]; ok && u.IsActive() {
			n++
		}
	}
	return n, nil
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}
