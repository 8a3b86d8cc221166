package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/birdwatch-im/birdwatch/internal/chirp"
	"github.com/birdwatch-im/birdwatch/internal/directory"
)

type fakeSearcher struct {
	results map[string]*chirp.SearchResult
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ int64) (*chirp.SearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if res, ok := f.results[query]; ok {
		return res, nil
	}
	return &chirp.SearchResult{}, nil
}

type recordedSend struct {
	user string
	body string
	seed string
}

type fakeSender struct {
	mu    sync.Mutex
	sends []recordedSend
}

func (f *fakeSender) DeliverRichDeduped(_ context.Context, u *directory.User, body, _, seed string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, recordedSend{user: u.Identity, body: body, seed: seed})
	return nil
}

type allAvailable struct{}

func (allAvailable) IsAvailable(string) bool { return true }

type noneAvailable struct{}

func (noneAvailable) IsAvailable(string) bool { return false }

func items(ids ...int64) []chirp.Item {
	out := make([]chirp.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, chirp.Item{ID: id, From: "jack", Text: fmt.Sprintf("item %d", id)})
	}
	return out
}

func TestSelectNew(t *testing.T) {
	// First poll keeps only the oldest slice of the backlog.
	got := selectNew(items(90, 10, 50, 30, 70, 20, 40), 0)
	if len(got) != firstPollItems {
		t.Fatalf("first poll kept %d items, want %d", len(got), firstPollItems)
	}
	if got[0].ID != 10 || got[len(got)-1].ID != 50 {
		t.Errorf("first poll range = %d..%d, want 10..50", got[0].ID, got[len(got)-1].ID)
	}

	// Later polls keep only items newer than the last seen id.
	got = selectNew(items(90, 10, 50), 40)
	if len(got) != 2 || got[0].ID != 50 || got[1].ID != 90 {
		t.Errorf("incremental poll = %v, want [50 90] ascending", got)
	}
}

func TestPollDeliversAscendingWithSeeds(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice, _ := dir.ByIdentity(ctx, "alice@x.com")
	alice.Status = directory.StatusAvailable
	dir.Save(ctx, alice)

	tr, _ := dir.Add(ctx, alice.ID, "zeppelin")
	tr.MaxSeen = 100
	dir.SaveTrack(ctx, tr)

	search := &fakeSearcher{results: map[string]*chirp.SearchResult{
		"zeppelin": {Items: items(103, 101, 102), MaxID: 103},
	}}
	sender := &fakeSender{}
	tk := New(dir, search, sender, allAvailable{}, 10*time.Minute, "https://chirp.example.com")

	tk.Poll(ctx)

	if len(sender.sends) != 3 {
		t.Fatalf("sends = %d, want 3", len(sender.sends))
	}
	for i, want := range []int64{101, 102, 103} {
		s := sender.sends[i]
		if wantSeed := fmt.Sprintf("track:alice@x.com:%d", want); s.seed != wantSeed {
			t.Errorf("send %d seed = %q, want %q", i, s.seed, wantSeed)
		}
		if !strings.Contains(s.body, fmt.Sprintf("item %d", want)) {
			t.Errorf("send %d body = %q, want item %d", i, s.body, want)
		}
	}
}

func TestPollAdvancesTrackState(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice, _ := dir.ByIdentity(ctx, "alice@x.com")
	alice.Status = directory.StatusAvailable
	dir.Save(ctx, alice)
	dir.Add(ctx, alice.ID, "zeppelin")

	search := &fakeSearcher{results: map[string]*chirp.SearchResult{
		"zeppelin": {Items: items(7), MaxID: 7},
	}}
	tk := New(dir, search, &fakeSender{}, allAvailable{}, 10*time.Minute, "https://chirp.example.com")

	before := time.Now().UTC()
	tk.Poll(ctx)

	due, _ := dir.Due(ctx, before.Add(5*time.Minute))
	if len(due) != 0 {
		t.Errorf("track still due before its next update: %v", due)
	}
	due, _ = dir.Due(ctx, before.Add(15*time.Minute))
	if len(due) != 1 {
		t.Fatalf("track not due after its interval")
	}
	if due[0].MaxSeen != 7 {
		t.Errorf("max seen = %d, want 7", due[0].MaxSeen)
	}
}

func TestPollSkipsUnavailableAndOldItems(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice, _ := dir.ByIdentity(ctx, "alice@x.com")
	alice.Status = directory.StatusAvailable
	alice.MinID = 200
	dir.Save(ctx, alice)

	bob, _ := dir.ByIdentity(ctx, "bob@x.com")
	bob.Status = directory.StatusAvailable
	dir.Save(ctx, bob)

	tr, _ := dir.Add(ctx, alice.ID, "zeppelin")
	dir.Add(ctx, bob.ID, "zeppelin")
	tr.MaxSeen = 100
	dir.SaveTrack(ctx, tr)

	search := &fakeSearcher{results: map[string]*chirp.SearchResult{
		"zeppelin": {Items: items(150, 250), MaxID: 250},
	}}
	sender := &fakeSender{}
	tk := New(dir, search, sender, allAvailable{}, 10*time.Minute, "https://chirp.example.com")

	tk.Poll(ctx)

	// Alice only gets items newer than her min id; bob gets both.
	var aliceItems, bobItems int
	for _, s := range sender.sends {
		switch s.user {
		case "alice@x.com":
			aliceItems++
		case "bob@x.com":
			bobItems++
		}
	}
	if aliceItems != 1 {
		t.Errorf("alice deliveries = %d, want 1", aliceItems)
	}
	if bobItems != 2 {
		t.Errorf("bob deliveries = %d, want 2", bobItems)
	}

	// Nobody reachable means nothing is sent, but the track still advances.
	sender2 := &fakeSender{}
	tr.MaxSeen = 100
	tr.NextUpdate = time.Time{}
	dir.SaveTrack(ctx, tr)
	tk2 := New(dir, search, sender2, noneAvailable{}, 10*time.Minute, "https://chirp.example.com")
	tk2.Poll(ctx)
	if len(sender2.sends) != 0 {
		t.Errorf("sends = %d, want 0 with nobody available", len(sender2.sends))
	}
}

func TestNextUpdateIn(t *testing.T) {
	tk := New(nil, nil, nil, nil, 10*time.Minute, "")
	tests := []struct {
		watchers int
		want     time.Duration
	}{
		{0, 10 * time.Minute},
		{1, 10 * time.Minute},
		{2, 9 * time.Minute},
		{5, 6 * time.Minute},
		{50, time.Minute},
	}
	for _, tt := range tests {
		if got := tk.nextUpdateIn("q", tt.watchers); got != tt.want {
			t.Errorf("nextUpdateIn(%d watchers) = %v, want %v", tt.watchers, got, tt.want)
		}
	}
}
