package wire

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	stanzaBufferSize = 64
	openTimeout      = 15 * time.Second
	iqTimeout        = 30 * time.Second
)

// CloseInfo carries the WebSocket close code and reason.
type CloseInfo struct {
	Code   int
	Reason string
}

// Client is a stanza-level connection to the chat network for one local
// identity. One read pump decodes inbound frames onto typed channels;
// writes are serialized through a mutex.
type Client struct {
	jid string

	conn    *websocket.Conn
	writeMu sync.Mutex

	messageCh  chan Message
	presenceCh chan Presence
	closedCh   chan CloseInfo
	errorCh    chan error

	pendingMu sync.Mutex
	pending   map[string]chan xmlIQ
	iqSeq     int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects to the stanza gateway, performs the stream open handshake
// and announces initial availability. The caller must invoke Start to begin
// consuming inbound stanzas.
func Dial(ctx context.Context, wsURL, jid string, headers http.Header) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{"xmpp"},
		HTTPHeader:   headers,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(1 << 20) // 1MB

	c := &Client{
		jid:        jid,
		conn:       conn,
		messageCh:  make(chan Message, stanzaBufferSize),
		presenceCh: make(chan Presence, stanzaBufferSize),
		closedCh:   make(chan CloseInfo, 1),
		errorCh:    make(chan error, 16),
		pending:    make(map[string]chan xmlIQ),
	}

	if err := c.openStream(ctx); err != nil {
		conn.Close(websocket.StatusProtocolError, "open failed")
		return nil, err
	}
	return c, nil
}

func (c *Client) openStream(ctx context.Context) error {
	octx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	open, err := xml.Marshal(xmlOpen{To: Bare(c.jid), Version: "1.0"})
	if err != nil {
		return fmt.Errorf("wire: marshal open: %w", err)
	}
	if err := c.write(octx, open); err != nil {
		return fmt.Errorf("wire: stream open: %w", err)
	}

	// The gateway acknowledges with its own <open/> before any stanza.
	_, data, err := c.conn.Read(octx)
	if err != nil {
		return fmt.Errorf("wire: stream open ack: %w", err)
	}
	var ack xmlOpen
	if err := xml.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("wire: parse open ack: %w", err)
	}
	slog.Debug("stream opened", "jid", c.jid, "stream_id", ack.ID)
	return nil
}

// JID returns the full local identity this client is connected as.
func (c *Client) JID() string { return c.jid }

// Channel accessors.
func (c *Client) Messages() <-chan Message   { return c.messageCh }
func (c *Client) Presences() <-chan Presence { return c.presenceCh }
func (c *Client) Closed() <-chan CloseInfo   { return c.closedCh }
func (c *Client) Errors() <-chan error       { return c.errorCh }

// Start begins reading inbound stanzas. Non-blocking.
func (c *Client) Start(ctx context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(rctx)
}

// Stop sends a stream close frame and shuts the connection down.
func (c *Client) Stop() {
	if closeEl, err := xml.Marshal(xmlClose{}); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		c.write(ctx, closeEl)
		cancel()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
	c.wg.Wait()
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			select {
			case c.closedCh <- parseCloseInfo(err):
			case <-ctx.Done():
			}
			return
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	var probe struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(data, &probe); err != nil {
		emit(ctx, c.errorCh, fmt.Errorf("wire: parse frame: %w", err))
		return
	}

	switch probe.XMLName.Local {
	case "message":
		m, err := parseMessage(data)
		if err != nil {
			emit(ctx, c.errorCh, err)
			return
		}
		select {
		case c.messageCh <- m:
		case <-ctx.Done():
		}
	case "presence":
		p, err := parsePresence(data)
		if err != nil {
			emit(ctx, c.errorCh, err)
			return
		}
		select {
		case c.presenceCh <- p:
		case <-ctx.Done():
		}
	case "iq":
		c.resolveIQ(data)
	case "close":
		select {
		case c.closedCh <- CloseInfo{Code: int(websocket.StatusNormalClosure), Reason: "stream closed by peer"}:
		case <-ctx.Done():
		}
	default:
		slog.Debug("ignoring stanza", "name", probe.XMLName.Local, "jid", c.jid)
	}
}

func (c *Client) resolveIQ(data []byte) {
	var iq xmlIQ
	if err := xml.Unmarshal(data, &iq); err != nil {
		slog.Debug("unparseable iq", "jid", c.jid, "error", err)
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[iq.ID]
	if ok {
		delete(c.pending, iq.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- iq
	}
}

// SendMessage delivers a message stanza. The from attribute is stamped with
// this client's identity.
func (c *Client) SendMessage(ctx context.Context, m Message) error {
	m.From = c.jid
	data, err := marshalMessage(m)
	if err != nil {
		return fmt.Errorf("wire: marshal message: %w", err)
	}
	return c.write(ctx, data)
}

// SendPresence delivers a presence stanza stamped with this client's identity.
func (c *Client) SendPresence(ctx context.Context, p Presence) error {
	p.From = c.jid
	data, err := marshalPresence(p)
	if err != nil {
		return fmt.Errorf("wire: marshal presence: %w", err)
	}
	return c.write(ctx, data)
}

// PublishMood publishes a structured mood item on the user-mood pubsub node
// and waits for the gateway's IQ result. An error result or timeout is
// returned to the caller; the caller decides whether to keep publishing.
func (c *Client) PublishMood(ctx context.Context, mood, text string) error {
	c.pendingMu.Lock()
	c.iqSeq++
	id := fmt.Sprintf("mood%d", c.iqSeq)
	ch := make(chan xmlIQ, 1)
	c.pending[id] = ch
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	data, err := marshalMoodIQ(c.jid, id, mood, text)
	if err != nil {
		cleanup()
		return fmt.Errorf("wire: marshal mood: %w", err)
	}
	if err := c.write(ctx, data); err != nil {
		cleanup()
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, iqTimeout)
	defer cancel()
	select {
	case res := <-ch:
		if res.Type == "error" {
			return fmt.Errorf("wire: mood publish rejected")
		}
		return nil
	case <-wctx.Done():
		cleanup()
		return fmt.Errorf("wire: mood publish: %w", wctx.Err())
	}
}

func (c *Client) write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func emit(_ context.Context, ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

// parseCloseInfo extracts close code and reason from a coder/websocket error.
func parseCloseInfo(err error) CloseInfo {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return CloseInfo{Code: int(ce.Code), Reason: ce.Reason}
	}
	return CloseInfo{Code: 1006, Reason: err.Error()}
}
