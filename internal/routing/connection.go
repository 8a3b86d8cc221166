package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/birdwatch-im/birdwatch/internal/cache"
	"github.com/birdwatch-im/birdwatch/internal/telemetry"
	"github.com/birdwatch-im/birdwatch/internal/wire"
)

// Stream is the stanza transport a Connection sends through. Implemented by
// wire.Client.
type Stream interface {
	SendMessage(ctx context.Context, m wire.Message) error
	SendPresence(ctx context.Context, p wire.Presence) error
	PublishMood(ctx context.Context, mood, text string) error
}

// Connection is one registered bot identity on the chat network. It wraps the
// raw stream with the delivery helpers the router and tracker use: plain and
// rich messages, claim-once deduplicated sends, typing indicators and the
// subscription handshake.
type Connection struct {
	stream    Stream
	identity  string
	preferred bool
	claims    cache.Claimer

	moodMu      sync.Mutex
	moodEnabled bool
}

// NewConnection wraps a stream under its bare identity. Exactly one
// connection in a deployment should be preferred; it wins all ownership
// contests.
func NewConnection(stream Stream, identity string, preferred bool, claims cache.Claimer) *Connection {
	return &Connection{
		stream:      stream,
		identity:    identity,
		preferred:   preferred,
		claims:      claims,
		moodEnabled: true,
	}
}

func (c *Connection) Identity() string { return c.identity }
func (c *Connection) Preferred() bool  { return c.preferred }

// SendPlain delivers a plain chat message with an active chat state.
func (c *Connection) SendPlain(ctx context.Context, to, body string) error {
	telemetry.CountSend("plain")
	return c.stream.SendMessage(ctx, wire.Message{
		To:        to,
		Type:      "chat",
		Body:      body,
		ChatState: "active",
	})
}

// SendRich delivers a message carrying both a plain body and an XHTML-IM
// alternate.
func (c *Connection) SendRich(ctx context.Context, to, body, markup string) error {
	telemetry.CountSend("rich")
	return c.stream.SendMessage(ctx, wire.Message{
		To:        to,
		Type:      "chat",
		Body:      body,
		Markup:    markup,
		ChatState: "active",
	})
}

// SendRichDeduped delivers a rich message only if this process wins the
// claim for the seed. A lost claim means another connection (or process)
// already delivered the same item to the same user, and is not an error.
func (c *Connection) SendRichDeduped(ctx context.Context, to, body, markup, seed string) error {
	key := DedupKey(seed)
	won, err := c.claims.AddIfAbsent(ctx, key, c.identity)
	if err != nil {
		return fmt.Errorf("claim %s: %w", key, err)
	}
	if !won {
		telemetry.CountDedupReject()
		slog.Debug("duplicate delivery suppressed", "key", key, "to", to, "conn", c.identity)
		return nil
	}
	return c.SendRich(ctx, to, body, markup)
}

// Typing sends a composing chat state with no body.
func (c *Connection) Typing(ctx context.Context, to string) {
	err := c.stream.SendMessage(ctx, wire.Message{
		To:        to,
		Type:      "chat",
		ChatState: "composing",
	})
	if err != nil {
		slog.Debug("typing indicator failed", "to", to, "error", err)
	}
}

// SetStatus broadcasts availability with an optional show value and a
// status line.
func (c *Connection) SetStatus(ctx context.Context, show, status string) error {
	telemetry.CountSend("presence")
	return c.stream.SendPresence(ctx, wire.Presence{Show: show, Status: status})
}

// PublishMood publishes a mood item. The first rejection disables further
// publishes on this connection; not every gateway supports the mood node.
func (c *Connection) PublishMood(ctx context.Context, mood, text string) {
	c.moodMu.Lock()
	enabled := c.moodEnabled
	c.moodMu.Unlock()
	if !enabled {
		return
	}
	if err := c.stream.PublishMood(ctx, mood, text); err != nil {
		c.moodMu.Lock()
		c.moodEnabled = false
		c.moodMu.Unlock()
		slog.Warn("mood publishing disabled", "conn", c.identity, "error", err)
	}
}

// Subscription handshake helpers.

func (c *Connection) Subscribe(ctx context.Context, to string) error {
	return c.stream.SendPresence(ctx, wire.Presence{To: to, Type: wire.PresenceSubscribe})
}

func (c *Connection) Subscribed(ctx context.Context, to string) error {
	return c.stream.SendPresence(ctx, wire.Presence{To: to, Type: wire.PresenceSubscribed})
}

func (c *Connection) Unsubscribe(ctx context.Context, to string) error {
	return c.stream.SendPresence(ctx, wire.Presence{To: to, Type: wire.PresenceUnsubscribe})
}

func (c *Connection) Unsubscribed(ctx context.Context, to string) error {
	return c.stream.SendPresence(ctx, wire.Presence{To: to, Type: wire.PresenceUnsubscribed})
}
