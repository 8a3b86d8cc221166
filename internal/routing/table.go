package routing

import (
	"sort"
	"sync"

	"github.com/birdwatch-im/birdwatch/internal/directory"
	"github.com/birdwatch-im/birdwatch/internal/telemetry"
)

// Scheduler is the polling coordinator's view of connection and user
// availability. Implemented by scheduler.Scheduler.
type Scheduler interface {
	Connected()
	Disconnected()
	AvailableUser(identity string)
	UnavailableUser(identity string)
	SetAvailableRequests(n int)
	AvailableRequests() int
}

// Table is the connection registry and service mapping: which bot identities
// are live, and which connection owns each user.
type Table struct {
	sched Scheduler

	mu     sync.RWMutex
	conns  map[string]*Connection
	owners map[string]string // user identity -> connection identity
}

func NewTable(sched Scheduler) *Table {
	return &Table{
		sched:  sched,
		conns:  make(map[string]*Connection),
		owners: make(map[string]string),
	}
}

// Register adds a live connection. Identities are unique; a second
// registration under the same identity is rejected.
func (t *Table) Register(c *Connection) error {
	t.mu.Lock()
	if _, ok := t.conns[c.Identity()]; ok {
		t.mu.Unlock()
		return ErrDuplicateIdentity
	}
	t.conns[c.Identity()] = c
	n := len(t.conns)
	t.mu.Unlock()

	telemetry.SetConnections(n)
	t.sched.Connected()
	return nil
}

// Unregister removes a connection after its stream closes. Ownership entries
// pointing at it are kept; Resolve refuses to route for those users until
// the identity reconnects or a presence event rebinds them.
func (t *Table) Unregister(identity string) {
	t.mu.Lock()
	if _, ok := t.conns[identity]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.conns, identity)
	n := len(t.conns)
	t.mu.Unlock()

	telemetry.SetConnections(n)
	t.sched.Disconnected()
}

// Default returns the preferred connection, or an arbitrary but stable one
// when no preferred identity is registered. Nil when the table is empty.
func (t *Table) Default() *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.defaultLocked()
}

func (t *Table) defaultLocked() *Connection {
	var ids []string
	for id, c := range t.conns {
		if c.Preferred() {
			return c
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	return t.conns[ids[0]]
}

// Resolve returns the live connection owning the user. Both lookups are
// strict: a user with no recorded owner, or whose owner is not live, has no
// route, and the delivery is refused rather than handed to a connection that
// does not own them.
func (t *Table) Resolve(u *directory.User) (*Connection, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	owner, ok := t.owners[u.Identity]
	if !ok {
		return nil, ErrNoRoute
	}
	c, live := t.conns[owner]
	if !live {
		return nil, ErrNoRoute
	}
	return c, nil
}

// SetOwner records the in-memory ownership of a user by a connection.
func (t *Table) SetOwner(userIdentity, connIdentity string) {
	t.mu.Lock()
	t.owners[userIdentity] = connIdentity
	t.mu.Unlock()
}

// Owner returns the recorded owning connection identity, or "".
func (t *Table) Owner(userIdentity string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.owners[userIdentity]
}

// Connections returns the live connections in identity order.
func (t *Table) Connections() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity() < out[j].Identity() })
	return out
}

// Len reports the number of live connections.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}
