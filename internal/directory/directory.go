// Package directory holds the durable user and topic records behind the
// router: who has subscribed, what they watch, and the per-user delivery
// state. Implementations exist for Postgres and for an in-process store.
package directory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status mirrors the subscriber's presence as last observed on the wire.
// Show values arriving in presence stanzas are stored verbatim; these
// constants name the ones the bot assigns itself.
type Status string

const (
	StatusAvailable    Status = "available"
	StatusOffline      Status = "offline"
	StatusUnavailable  Status = "unavailable"
	StatusUnsubscribed Status = "unsubscribed"
)

// User is one subscriber of the bot.
type User struct {
	ID              uuid.UUID
	Identity        string // bare chat address
	ServiceIdentity string // identity of the connection that owns this user; empty = unset
	Status          Status
	AutoPost        bool
	AccessToken     string // microblog OAuth token, empty when not linked
	MinID           int64  // newest item already delivered to this user
	Active          bool
	Created         time.Time
	Updated         time.Time
}

// IsActive reports whether deliveries should currently reach this user.
func (u *User) IsActive() bool {
	if !u.Active {
		return false
	}
	switch u.Status {
	case "dnd", StatusOffline, StatusUnavailable, StatusUnsubscribed:
		return false
	}
	return true
}

// Track is one watched topic, shared by every user watching the same query.
type Track struct {
	ID         uuid.UUID
	Query      string
	MaxSeen    int64 // newest item id observed for this query
	LastUpdate time.Time
	NextUpdate time.Time
}

// Counts is the aggregate snapshot published as the bot's status line.
type Counts struct {
	ActiveUsers   int
	TrackedTopics int
}

// Directory is the user store.
type Directory interface {
	// ByIdentity fetches the user for a bare identity, creating a fresh
	// record on first contact.
	ByIdentity(ctx context.Context, identity string) (*User, error)
	Save(ctx context.Context, u *User) error
	Counts(ctx context.Context) (Counts, error)
}

// TrackStore is the topic store plus the user/topic association.
type TrackStore interface {
	// Due returns tracks whose NextUpdate is at or before now, oldest first.
	Due(ctx context.Context, now time.Time) ([]*Track, error)
	SaveTrack(ctx context.Context, t *Track) error

	// Add associates the user with the query, creating the track if this is
	// the first watcher.
	Add(ctx context.Context, userID uuid.UUID, query string) (*Track, error)
	// Remove drops the association. The track itself is kept; an orphaned
	// track simply stops being polled once it has no watchers.
	Remove(ctx context.Context, userID uuid.UUID, query string) error
	ListFor(ctx context.Context, userID uuid.UUID) ([]*Track, error)

	// Watchers returns every user associated with the track.
	Watchers(ctx context.Context, trackID uuid.UUID) ([]*User, error)
	// ActiveWatcherCount counts users who are active and watch at least one
	// topic. Drives the polling cadence.
	ActiveWatcherCount(ctx context.Context) (int, error)
}
