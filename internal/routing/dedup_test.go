package routing

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/birdwatch-im/birdwatch/internal/cache"
)

func TestDedupKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"track:alice@example.com:12345", "track_alice@example.com_12345"},
		{"plain-safe_key.ok~@", "plain-safe_key.ok~@"},
		{"spaces and (parens)", "spaces_and__parens_"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := DedupKey(tt.in); got != tt.want {
			t.Errorf("DedupKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDedupKeyTruncates(t *testing.T) {
	long := strings.Repeat("a", 300)
	if got := DedupKey(long); len(got) != 128 {
		t.Errorf("len = %d, want 128", len(got))
	}
}

func TestDedupKeyDeterministic(t *testing.T) {
	// Distinct seeds can collapse to the same key, but the same seed always
	// yields the same key on both sides of a duplicate pair.
	a := DedupKey("track:bob@example.com:99 (retry)")
	b := DedupKey("track:bob@example.com:99 (retry)")
	if a != b {
		t.Errorf("same seed produced different keys: %q vs %q", a, b)
	}
}

func TestSendRichDedupedDeliversOnce(t *testing.T) {
	claims := cache.NewMemory()
	stream := &fakeStream{}
	c := NewConnection(stream, "bot@example.com", true, claims)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.SendRichDeduped(ctx, "alice@example.com", "body", "<b>body</b>", "track:alice:1"); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if got := len(stream.bodies()); got != 1 {
		t.Errorf("deliveries = %d, want 1", got)
	}
}

func TestSendRichDedupedConcurrentExactlyOnce(t *testing.T) {
	claims := cache.NewMemory()
	ctx := context.Background()

	streams := make([]*fakeStream, 4)
	conns := make([]*Connection, 4)
	for i := range conns {
		streams[i] = &fakeStream{}
		conns[i] = NewConnection(streams[i], "bot@example.com", i == 0, claims)
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := c.SendRichDeduped(ctx, "alice@example.com", "body", "<b>body</b>", "track:alice:42"); err != nil {
				t.Errorf("send: %v", err)
			}
		}(c)
	}
	wg.Wait()

	var delivered int
	for _, s := range streams {
		delivered += len(s.bodies())
	}
	if delivered != 1 {
		t.Errorf("deliveries = %d, want exactly 1", delivered)
	}
}
