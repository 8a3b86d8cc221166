package routing

import (
	"context"
	"strings"
	"testing"

	"github.com/birdwatch-im/birdwatch/internal/directory"
	"github.com/birdwatch-im/birdwatch/internal/wire"
)

type presenceFixture struct {
	dir     *directory.Memory
	sched   *fakeScheduler
	table   *Table
	tracker *PresenceTracker
}

func newPresenceFixture(admins ...string) *presenceFixture {
	dir := directory.NewMemory()
	sched := newFakeScheduler()
	table := NewTable(sched)
	return &presenceFixture{
		dir:     dir,
		sched:   sched,
		table:   table,
		tracker: NewPresenceTracker(table, dir, sched, admins),
	}
}

func (f *presenceFixture) connect(t *testing.T, identity string, preferred bool) (*Connection, *fakeStream) {
	t.Helper()
	c, s := newTestConn(identity, preferred)
	if err := f.table.Register(c); err != nil {
		t.Fatalf("register %s: %v", identity, err)
	}
	return c, s
}

func TestAvailableFeedsScheduler(t *testing.T) {
	f := newPresenceFixture()
	c, _ := f.connect(t, "bot@example.com", true)
	ctx := context.Background()

	tests := []struct {
		name     string
		presence wire.Presence
		want     bool
	}{
		{"plain available", wire.Presence{From: "a@x.com/r"}, true},
		{"away still deliverable", wire.Presence{From: "b@x.com/r", Show: "away"}, true},
		{"xa not deliverable", wire.Presence{From: "c@x.com/r", Show: "xa"}, false},
		{"dnd not deliverable", wire.Presence{From: "d@x.com/r", Show: "dnd"}, false},
		{"negative priority", wire.Presence{From: "e@x.com/r", Priority: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.tracker.HandlePresence(ctx, c, tt.presence)
			if got := f.sched.isAvailable(wire.Bare(tt.presence.From)); got != tt.want {
				t.Errorf("available = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAvailableRecordsStatus(t *testing.T) {
	f := newPresenceFixture()
	c, _ := f.connect(t, "bot@example.com", true)
	ctx := context.Background()

	f.tracker.HandlePresence(ctx, c, wire.Presence{From: "alice@x.com/r", Show: "away"})
	u, _ := f.dir.ByIdentity(ctx, "alice@x.com")
	if u.Status != "away" {
		t.Errorf("status = %q, want away", u.Status)
	}

	f.tracker.HandlePresence(ctx, c, wire.Presence{From: "alice@x.com/r"})
	u, _ = f.dir.ByIdentity(ctx, "alice@x.com")
	if u.Status != directory.StatusAvailable {
		t.Errorf("status = %q, want available", u.Status)
	}
}

func TestUnavailableSetsOfflineAndUnschedules(t *testing.T) {
	f := newPresenceFixture()
	c, _ := f.connect(t, "bot@example.com", true)
	ctx := context.Background()

	f.tracker.HandlePresence(ctx, c, wire.Presence{From: "alice@x.com/r"})
	if !f.sched.isAvailable("alice@x.com") {
		t.Fatal("alice should be available after presence")
	}

	f.tracker.HandlePresence(ctx, c, wire.Presence{From: "alice@x.com/r", Type: wire.PresenceUnavailable})
	if f.sched.isAvailable("alice@x.com") {
		t.Error("alice still available after unavailable presence")
	}
	u, _ := f.dir.ByIdentity(ctx, "alice@x.com")
	if u.Status != directory.StatusOffline {
		t.Errorf("status = %q, want offline", u.Status)
	}
}

func TestPreferredReclaimsOwnership(t *testing.T) {
	f := newPresenceFixture()
	pref, _ := f.connect(t, "bot@example.com", true)
	ctx := context.Background()

	u, _ := f.dir.ByIdentity(ctx, "alice@x.com")
	u.ServiceIdentity = "alt@example.com"
	f.dir.Save(ctx, u)

	f.tracker.HandlePresence(ctx, pref, wire.Presence{From: "alice@x.com/r"})

	u, _ = f.dir.ByIdentity(ctx, "alice@x.com")
	if u.ServiceIdentity != "bot@example.com" {
		t.Errorf("service identity = %q, want preferred bot@example.com", u.ServiceIdentity)
	}
	if f.table.Owner("alice@x.com") != "bot@example.com" {
		t.Errorf("owner = %q, want bot@example.com", f.table.Owner("alice@x.com"))
	}
}

func TestNonPreferredDropsBoundUser(t *testing.T) {
	f := newPresenceFixture()
	f.connect(t, "bot@example.com", true)
	alt, altStream := f.connect(t, "alt@example.com", false)
	ctx := context.Background()

	u, _ := f.dir.ByIdentity(ctx, "alice@x.com")
	u.ServiceIdentity = "bot@example.com"
	f.dir.Save(ctx, u)

	f.tracker.HandlePresence(ctx, alt, wire.Presence{From: "alice@x.com/r"})

	types := altStream.presenceTypes()
	var sawUnsub, sawUnsubd bool
	for _, typ := range types {
		if typ == wire.PresenceUnsubscribe {
			sawUnsub = true
		}
		if typ == wire.PresenceUnsubscribed {
			sawUnsubd = true
		}
	}
	if !sawUnsub || !sawUnsubd {
		t.Errorf("expected unsubscribe handshake on alt, got %v", types)
	}

	u, _ = f.dir.ByIdentity(ctx, "alice@x.com")
	if u.ServiceIdentity != "bot@example.com" {
		t.Errorf("binding stolen by non-preferred: %q", u.ServiceIdentity)
	}
}

func TestNonPreferredClaimsUnboundUser(t *testing.T) {
	f := newPresenceFixture()
	alt, _ := f.connect(t, "alt@example.com", false)
	ctx := context.Background()

	f.tracker.HandlePresence(ctx, alt, wire.Presence{From: "alice@x.com/r"})

	u, _ := f.dir.ByIdentity(ctx, "alice@x.com")
	if u.ServiceIdentity != "alt@example.com" {
		t.Errorf("service identity = %q, want alt@example.com", u.ServiceIdentity)
	}
}

func TestUpdatePresenceSuppressesUnchangedCounts(t *testing.T) {
	f := newPresenceFixture()
	_, stream := f.connect(t, "bot@example.com", true)
	ctx := context.Background()

	f.tracker.UpdatePresence(ctx)
	f.tracker.UpdatePresence(ctx)
	if got := len(stream.presenceTypes()); got != 1 {
		t.Fatalf("broadcasts = %d, want 1 for unchanged counts", got)
	}

	// A new active user changes the counts and triggers a fresh broadcast.
	u, _ := f.dir.ByIdentity(ctx, "alice@x.com")
	u.Status = directory.StatusAvailable
	f.dir.Save(ctx, u)

	f.tracker.UpdatePresence(ctx)
	if got := len(stream.presenceTypes()); got != 2 {
		t.Errorf("broadcasts = %d, want 2 after counts changed", got)
	}
}

func TestConnectionLifecycleIsPerIdentity(t *testing.T) {
	f := newPresenceFixture()
	pref, prefStream := f.connect(t, "bot@example.com", true)
	ctx := context.Background()

	f.tracker.HandleConnected(ctx, pref)
	if got := len(prefStream.presenceTypes()); got != 1 {
		t.Fatalf("preferred broadcasts = %d, want 1", got)
	}

	// A secondary stream coming up gets its own first broadcast; the
	// preferred connection's snapshot is untouched, so with unchanged counts
	// nothing is rebroadcast there.
	alt, altStream := f.connect(t, "alt@example.com", false)
	f.tracker.HandleConnected(ctx, alt)
	if got := len(altStream.presenceTypes()); got != 1 {
		t.Errorf("secondary broadcasts = %d, want 1", got)
	}
	if got := len(prefStream.presenceTypes()); got != 1 {
		t.Errorf("preferred broadcasts after secondary connect = %d, want 1", got)
	}

	// Losing the secondary must not reset the preferred connection either.
	f.tracker.HandleClosed("alt@example.com", wire.CloseInfo{Code: 1006, Reason: "gone"})
	f.tracker.UpdatePresence(ctx)
	if got := len(prefStream.presenceTypes()); got != 1 {
		t.Errorf("preferred broadcasts after secondary loss = %d, want 1", got)
	}
}

func TestUpdatePresenceOutOfRequests(t *testing.T) {
	f := newPresenceFixture()
	_, stream := f.connect(t, "bot@example.com", true)
	ctx := context.Background()

	f.tracker.UpdatePresence(ctx)

	f.sched.SetAvailableRequests(0)
	f.tracker.UpdatePresence(ctx)

	stream.mu.Lock()
	last := stream.presences[len(stream.presences)-1]
	stream.mu.Unlock()
	if last.Show != "away" || !strings.Contains(last.Status, "Ran out") {
		t.Errorf("exhausted budget presence = %+v, want away with exhaustion text", last)
	}

	// Recovery rebroadcasts even though counts did not change.
	before := len(stream.presenceTypes())
	f.sched.SetAvailableRequests(50)
	f.tracker.UpdatePresence(ctx)
	if got := len(stream.presenceTypes()); got != before+1 {
		t.Errorf("broadcasts = %d, want %d after budget recovery", got, before+1)
	}
}

func TestSubscribeHandshakeAndAdminNotice(t *testing.T) {
	f := newPresenceFixture("admin@example.com")
	c, stream := f.connect(t, "bot@example.com", true)
	ctx := context.Background()

	f.tracker.HandlePresence(ctx, c, wire.Presence{From: "alice@x.com", Type: wire.PresenceSubscribe})

	types := stream.presenceTypes()
	var sawSub, sawSubd bool
	for _, typ := range types {
		if typ == wire.PresenceSubscribe {
			sawSub = true
		}
		if typ == wire.PresenceSubscribed {
			sawSubd = true
		}
	}
	if !sawSub || !sawSubd {
		t.Errorf("expected reciprocal subscribe handshake, got %v", types)
	}

	f.tracker.HandlePresence(ctx, c, wire.Presence{From: "alice@x.com", Type: wire.PresenceSubscribed})

	var sawWelcome, sawNotice bool
	for _, body := range stream.bodies() {
		if strings.Contains(body, "Welcome to BirdWatch") {
			sawWelcome = true
		}
		if strings.Contains(body, "New subscriber: alice@x.com") {
			sawNotice = true
		}
	}
	if !sawWelcome {
		t.Error("welcome message not sent")
	}
	if !sawNotice {
		t.Error("admin notice not sent")
	}
}

func TestUnsubscribeReciprocatesAndMarksUser(t *testing.T) {
	f := newPresenceFixture()
	c, stream := f.connect(t, "bot@example.com", true)
	ctx := context.Background()

	f.tracker.HandlePresence(ctx, c, wire.Presence{From: "alice@x.com/r"})
	f.tracker.HandlePresence(ctx, c, wire.Presence{From: "alice@x.com", Type: wire.PresenceUnsubscribe})

	u, _ := f.dir.ByIdentity(ctx, "alice@x.com")
	if u.Status != directory.StatusUnsubscribed {
		t.Errorf("status = %q, want unsubscribed", u.Status)
	}

	types := stream.presenceTypes()
	var sawUnsub, sawUnsubd bool
	for _, typ := range types {
		if typ == wire.PresenceUnsubscribe {
			sawUnsub = true
		}
		if typ == wire.PresenceUnsubscribed {
			sawUnsubd = true
		}
	}
	if !sawUnsub || !sawUnsubd {
		t.Errorf("expected reciprocal unsubscribe handshake, got %v", types)
	}
}
