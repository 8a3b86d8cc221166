// Package tracker polls watched topics against the microblog search API and
// fans new items out to available watchers.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/birdwatch-im/birdwatch/internal/chirp"
	"github.com/birdwatch-im/birdwatch/internal/directory"
	"github.com/birdwatch-im/birdwatch/internal/telemetry"
)

// firstPollItems caps the backlog delivered when a topic is polled for the
// first time.
const firstPollItems = 5

// Searcher is the topic search surface of the microblog client.
type Searcher interface {
	Search(ctx context.Context, query string, sinceID int64) (*chirp.SearchResult, error)
}

// Sender delivers one deduplicated rich message to a user.
type Sender interface {
	DeliverRichDeduped(ctx context.Context, u *directory.User, body, markup, seed string) error
}

// Availability reports whether a user is reachable right now.
type Availability interface {
	IsAvailable(identity string) bool
}

// Tracker runs poll cycles over due topics.
type Tracker struct {
	tracks      directory.TrackStore
	search      Searcher
	sender      Sender
	avail       Availability
	watchFreq   time.Duration
	profileBase string
}

func New(tracks directory.TrackStore, search Searcher, sender Sender, avail Availability, watchFreq time.Duration, profileBase string) *Tracker {
	return &Tracker{
		tracks:      tracks,
		search:      search,
		sender:      sender,
		avail:       avail,
		watchFreq:   watchFreq,
		profileBase: profileBase,
	}
}

type delivery struct {
	user  *directory.User
	items map[int64]chirp.Item
}

// Poll fetches every due topic once and delivers the new items. Per-user
// batches are merged across topics so an item matching two watched queries
// still reaches the user once, in id order.
func (t *Tracker) Poll(ctx context.Context) {
	now := time.Now().UTC()
	due, err := t.tracks.Due(ctx, now)
	if err != nil {
		slog.Error("due tracks failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	watcherCount, err := t.tracks.ActiveWatcherCount(ctx)
	if err != nil {
		slog.Error("watcher count failed", "error", err)
	}
	slog.Debug("polling topics", "due", len(due), "active_watchers", watcherCount)

	outbound := make(map[string]*delivery)
	for _, track := range due {
		if err := t.pollTrack(ctx, track, outbound); err != nil {
			slog.Error("topic poll failed", "query", track.Query, "error", err)
		}
	}

	for _, d := range outbound {
		t.deliver(ctx, d)
	}
}

func (t *Tracker) pollTrack(ctx context.Context, track *directory.Track, outbound map[string]*delivery) error {
	oldID := track.MaxSeen
	res, err := t.search.Search(ctx, track.Query, oldID)
	if err != nil {
		return err
	}

	watchers, err := t.tracks.Watchers(ctx, track.ID)
	if err != nil {
		return err
	}

	var active int
	for _, u := range watchers {
		if u.IsActive() {
			active++
		}
	}

	now := time.Now().UTC()
	track.LastUpdate = now
	if res.MaxID > track.MaxSeen {
		track.MaxSeen = res.MaxID
	}
	track.NextUpdate = now.Add(t.nextUpdateIn(track.Query, active))
	if err := t.tracks.SaveTrack(ctx, track); err != nil {
		return err
	}

	items := selectNew(res.Items, oldID)
	if len(items) == 0 {
		return nil
	}

	for _, u := range watchers {
		if !t.avail.IsAvailable(u.Identity) {
			continue
		}
		for _, item := range items {
			if item.ID <= u.MinID {
				continue
			}
			d := outbound[u.Identity]
			if d == nil {
				d = &delivery{user: u, items: make(map[int64]chirp.Item)}
				outbound[u.Identity] = d
			}
			d.items[item.ID] = item
		}
	}
	return nil
}

// selectNew picks the items worth delivering, oldest first. A topic polled
// for the first time delivers only a short backlog.
func selectNew(items []chirp.Item, oldID int64) []chirp.Item {
	var out []chirp.Item
	for _, item := range items {
		if oldID == 0 || item.ID > oldID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if oldID == 0 && len(out) > firstPollItems {
		out = out[:firstPollItems]
	}
	return out
}

func (t *Tracker) deliver(ctx context.Context, d *delivery) {
	ids := make([]int64, 0, len(d.items))
	for id := range d.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		item := d.items[id]
		seed := fmt.Sprintf("track:%s:%d", d.user.Identity, item.ID)
		err := t.sender.DeliverRichDeduped(ctx, d.user,
			PlainBody(item), HTMLBody(item, t.profileBase), seed)
		if err != nil {
			slog.Error("delivery failed", "user", d.user.Identity, "item", item.ID, "error", err)
			continue
		}
		telemetry.CountItemDelivered()
	}
}

// nextUpdateIn shortens the polling interval for popular topics: one minute
// off per extra active watcher, never below a minute.
func (t *Tracker) nextUpdateIn(query string, activeWatchers int) time.Duration {
	next := t.watchFreq
	if activeWatchers > 1 {
		next -= time.Duration(activeWatchers-1) * time.Minute
	}
	if next < time.Minute {
		next = time.Minute
	}
	if next < t.watchFreq {
		slog.Debug("reduced poll interval", "query", query, "interval", next, "watchers", activeWatchers)
	}
	return next
}
