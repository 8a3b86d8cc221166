package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/birdwatch-im/birdwatch/internal/directory"
	"github.com/birdwatch-im/birdwatch/internal/telemetry"
	"github.com/birdwatch-im/birdwatch/internal/wire"
)

const (
	ownershipGateSize    = 10
	ownershipGateTimeout = 30 * time.Second

	fallbackStatus   = "Hi, everybody!"
	outOfAPIRequests = "Ran out of Chirp API requests."

	welcomeMessage = `Welcome to BirdWatch.

Here you can use your normal IM client to post to Chirp, track topics,
watch your friends, and more.

Type "help" to get started.
`
)

type countsSnapshot struct {
	users  int
	topics int
}

// connState is the per-connection lifecycle record: when the stream came up
// or was lost, how often it has connected, and the last status snapshot
// broadcast on it.
type connState struct {
	connectedAt time.Time
	lostAt      time.Time
	connects    int
	last        *countsSnapshot // nil until the first successful broadcast
}

// PresenceTracker reacts to presence stanzas: user availability feeding the
// scheduler, the subscription handshake, per-user connection ownership and
// the bot's own broadcast status line.
type PresenceTracker struct {
	table  *Table
	dir    directory.Directory
	sched  Scheduler
	admins []string

	// gate bounds concurrent ownership resolutions across connections.
	gate *semaphore.Weighted

	mu     sync.Mutex
	states map[string]*connState // keyed by connection identity
}

func NewPresenceTracker(table *Table, dir directory.Directory, sched Scheduler, admins []string) *PresenceTracker {
	return &PresenceTracker{
		table:  table,
		dir:    dir,
		sched:  sched,
		admins: admins,
		gate:   semaphore.NewWeighted(ownershipGateSize),
		states: make(map[string]*connState),
	}
}

// stateLocked returns the lifecycle record for a connection identity,
// creating it on first sight. Callers hold p.mu.
func (p *PresenceTracker) stateLocked(identity string) *connState {
	st, ok := p.states[identity]
	if !ok {
		st = &connState{}
		p.states[identity] = st
	}
	return st
}

// HandleConnected marks one connection live and republishes the status line.
// Only that connection's snapshot is dropped, so an already-connected stream
// with up-to-date counts is not rebroadcast.
func (p *PresenceTracker) HandleConnected(ctx context.Context, c *Connection) {
	p.mu.Lock()
	st := p.stateLocked(c.Identity())
	st.connects++
	st.connectedAt = time.Now()
	st.lostAt = time.Time{}
	st.last = nil
	n := st.connects
	p.mu.Unlock()

	slog.Info("connection up", "conn", c.Identity(), "preferred", c.Preferred(), "connects", n)
	p.UpdatePresence(ctx)
}

// HandleClosed records the loss time for a connection.
func (p *PresenceTracker) HandleClosed(identity string, info wire.CloseInfo) {
	p.mu.Lock()
	p.stateLocked(identity).lostAt = time.Now()
	p.mu.Unlock()
	slog.Warn("connection lost", "conn", identity, "code", info.Code, "reason", info.Reason)
}

// HandlePresence dispatches one inbound presence stanza.
func (p *PresenceTracker) HandlePresence(ctx context.Context, c *Connection, pr wire.Presence) {
	telemetry.CountPresence(pr.Type)

	switch pr.Type {
	case wire.PresenceAvailable:
		p.handleAvailable(ctx, c, pr)
	case wire.PresenceUnavailable:
		p.handleUnavailable(ctx, c, pr)
	case wire.PresenceSubscribe:
		p.handleSubscribe(ctx, c, pr)
	case wire.PresenceSubscribed:
		p.handleSubscribed(ctx, c, pr)
	case wire.PresenceUnsubscribe, wire.PresenceUnsubscribed:
		p.handleUnsubscribed(ctx, c, pr)
	case wire.PresenceError:
		slog.Warn("presence error", "from", pr.From, "conn", c.Identity())
		p.sched.UnavailableUser(wire.Bare(pr.From))
	default:
		slog.Debug("ignoring presence", "type", pr.Type, "from", pr.From)
	}
}

// UpdatePresence republishes the bot's status line on every connection whose
// aggregate counts changed since its last broadcast. With the API budget
// exhausted the bot goes away instead, and each connection's snapshot is
// dropped so recovery always broadcasts.
func (p *PresenceTracker) UpdatePresence(ctx context.Context) {
	if p.sched.AvailableRequests() <= 0 {
		for _, c := range p.table.Connections() {
			p.mu.Lock()
			p.stateLocked(c.Identity()).last = nil
			p.mu.Unlock()
			p.publish(ctx, c, "away", outOfAPIRequests, "annoyed")
		}
		return
	}

	counts, err := p.dir.Counts(ctx)
	if err != nil {
		slog.Error("presence counts failed", "error", err)
		for _, c := range p.table.Connections() {
			p.publish(ctx, c, "", fallbackStatus, "happy")
		}
		return
	}

	snap := countsSnapshot{users: counts.ActiveUsers, topics: counts.TrackedTopics}
	status := fmt.Sprintf("Tracking %d topics for %d users", snap.topics, snap.users)
	for _, c := range p.table.Connections() {
		p.mu.Lock()
		st := p.stateLocked(c.Identity())
		if st.last != nil && *st.last == snap {
			p.mu.Unlock()
			continue
		}
		st.last = &snap
		p.mu.Unlock()
		p.publish(ctx, c, "", status, "happy")
	}
}

func (p *PresenceTracker) publish(ctx context.Context, c *Connection, show, status, mood string) {
	if err := c.SetStatus(ctx, show, status); err != nil {
		slog.Error("status broadcast failed", "conn", c.Identity(), "error", err)
		return
	}
	c.PublishMood(ctx, mood, status)
}

func (p *PresenceTracker) handleAvailable(ctx context.Context, c *Connection, pr wire.Presence) {
	from := wire.Bare(pr.From)
	if pr.Priority >= 0 && pr.Show != "xa" && pr.Show != "dnd" {
		p.sched.AvailableUser(from)
	} else {
		p.sched.UnavailableUser(from)
	}

	status := pr.Show
	if status == "" {
		status = string(directory.StatusAvailable)
	}
	p.findAndSetStatus(ctx, c, from, directory.Status(status), nil)
}

func (p *PresenceTracker) handleUnavailable(ctx context.Context, c *Connection, pr wire.Presence) {
	from := wire.Bare(pr.From)
	p.findAndSetStatus(ctx, c, from, directory.StatusOffline, func(*directory.User) {
		p.sched.UnavailableUser(from)
	})
}

// handleSubscribe reciprocates a subscription request.
func (p *PresenceTracker) handleSubscribe(ctx context.Context, c *Connection, pr wire.Presence) {
	from := wire.Bare(pr.From)
	if err := c.Subscribe(ctx, from); err != nil {
		slog.Error("subscribe failed", "to", from, "error", err)
	}
	if err := c.Subscribed(ctx, from); err != nil {
		slog.Error("subscribed failed", "to", from, "error", err)
	}
	p.UpdatePresence(ctx)
}

// handleSubscribed greets the new subscriber and notifies the admins.
func (p *PresenceTracker) handleSubscribed(ctx context.Context, c *Connection, pr wire.Presence) {
	from := wire.Bare(pr.From)
	if err := c.SendPlain(ctx, from, welcomeMessage); err != nil {
		slog.Error("welcome failed", "to", from, "error", err)
	}

	counts, err := p.dir.Counts(ctx)
	if err != nil {
		slog.Error("subscriber counts failed", "error", err)
		return
	}
	notice := fmt.Sprintf("New subscriber: %s ( %d )", from, counts.ActiveUsers)
	for _, admin := range p.admins {
		if err := c.SendPlain(ctx, admin, notice); err != nil {
			slog.Error("admin notice failed", "to", admin, "error", err)
		}
	}
}

func (p *PresenceTracker) handleUnsubscribed(ctx context.Context, c *Connection, pr wire.Presence) {
	from := wire.Bare(pr.From)
	p.findAndSetStatus(ctx, c, from, directory.StatusUnsubscribed, nil)
	if err := c.Unsubscribe(ctx, from); err != nil {
		slog.Error("unsubscribe failed", "to", from, "error", err)
	}
	if err := c.Unsubscribed(ctx, from); err != nil {
		slog.Error("unsubscribed failed", "to", from, "error", err)
	}
	p.UpdatePresence(ctx)
}

// findAndSetStatus loads the user under the ownership gate and applies the
// status transition. The continuation runs before the save, and only when
// the record actually changed.
func (p *PresenceTracker) findAndSetStatus(ctx context.Context, c *Connection, identity string, status directory.Status, cont func(*directory.User)) {
	actx, cancel := context.WithTimeout(ctx, ownershipGateTimeout)
	defer cancel()
	if err := p.gate.Acquire(actx, 1); err != nil {
		slog.Warn("ownership gate timed out", "user", identity, "conn", c.Identity())
		return
	}
	defer p.gate.Release(1)

	u, err := p.dir.ByIdentity(ctx, identity)
	if err != nil {
		slog.Error("user lookup failed", "user", identity, "error", err)
		return
	}
	p.setStatus(ctx, c, u, status, cont)
}

func (p *PresenceTracker) setStatus(ctx context.Context, c *Connection, u *directory.User, status directory.Status, cont func(*directory.User)) {
	// A user owned by another service gets dropped from this one, unless
	// this is the preferred connection, which always reclaims.
	if !c.Preferred() && u.ServiceIdentity != "" && u.ServiceIdentity != c.Identity() {
		slog.Info("dropping user from non-preferred service", "user", u.Identity, "conn", c.Identity())
		if err := c.Unsubscribe(ctx, u.Identity); err != nil {
			slog.Error("unsubscribe failed", "to", u.Identity, "error", err)
		}
		if err := c.Unsubscribed(ctx, u.Identity); err != nil {
			slog.Error("unsubscribed failed", "to", u.Identity, "error", err)
		}
		return
	}

	modified := false
	if u.ServiceIdentity == "" || (c.Preferred() && u.ServiceIdentity != c.Identity()) {
		u.ServiceIdentity = c.Identity()
		modified = true
	}
	if u.Status != status {
		u.Status = status
		modified = true
	}

	p.table.SetOwner(u.Identity, u.ServiceIdentity)

	if modified {
		if cont != nil {
			cont(u)
		}
		if err := p.dir.Save(ctx, u); err != nil {
			slog.Error("user save failed", "user", u.Identity, "error", err)
		}
	}
}
