// Package wire implements the stanza-level transport to the chat network:
// typed message/presence stanzas and a WebSocket subprotocol client that
// frames one stanza per text frame. Authentication and TLS are terminated
// by the gateway endpoint this client dials; nothing above this package
// touches XML.
package wire

import (
	"encoding/xml"
	"fmt"
	"html"
	"strings"
)

const (
	framingNS   = "urn:ietf:params:xml:ns:xmpp-framing"
	chatStateNS = "http://jabber.org/protocol/chatstates"
	xhtmlIMNS   = "http://jabber.org/protocol/xhtml-im"
	xhtmlNS     = "http://www.w3.org/1999/xhtml"
	pubsubNS    = "http://jabber.org/protocol/pubsub"
	moodNS      = "http://jabber.org/protocol/mood"
)

// Presence types as they appear on the wire. An empty type means available.
const (
	PresenceAvailable    = ""
	PresenceUnavailable  = "unavailable"
	PresenceSubscribe    = "subscribe"
	PresenceSubscribed   = "subscribed"
	PresenceUnsubscribe  = "unsubscribe"
	PresenceUnsubscribed = "unsubscribed"
	PresenceError        = "error"
)

// Message is a chat message stanza. Markup, when set, carries an XHTML-IM
// alternate body for clients that render rich content; Body is always the
// plain fallback.
type Message struct {
	From      string
	To        string
	Type      string
	ID        string
	Subject   string
	Body      string
	Markup    string
	ChatState string // "active", "composing", ... (empty = none)
}

// Presence is a presence stanza. Priority carries the sender's resource
// priority; inbound stanzas without one default to 0.
type Presence struct {
	From     string
	To       string
	Type     string
	Show     string
	Status   string
	Priority int
}

// Bare strips the resource part from a full identity ("user@host/res").
func Bare(jid string) string {
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// --- XML shapes ---

type xmlMessage struct {
	XMLName   xml.Name      `xml:"message"`
	From      string        `xml:"from,attr,omitempty"`
	To        string        `xml:"to,attr,omitempty"`
	Type      string        `xml:"type,attr,omitempty"`
	ID        string        `xml:"id,attr,omitempty"`
	Subject   string        `xml:"subject,omitempty"`
	Body      string        `xml:"body,omitempty"`
	HTML      *xmlHTML      `xml:",omitempty"`
	ChatState *xmlChatState `xml:",omitempty"`
}

type xmlHTML struct {
	XMLName xml.Name    `xml:"http://jabber.org/protocol/xhtml-im html"`
	Body    xmlHTMLBody `xml:"body"`
}

type xmlHTMLBody struct {
	XMLName xml.Name `xml:"http://www.w3.org/1999/xhtml body"`
	Inner   string   `xml:",innerxml"`
}

type xmlChatState struct {
	XMLName xml.Name
}

type xmlPresence struct {
	XMLName  xml.Name `xml:"presence"`
	From     string   `xml:"from,attr,omitempty"`
	To       string   `xml:"to,attr,omitempty"`
	Type     string   `xml:"type,attr,omitempty"`
	Show     string   `xml:"show,omitempty"`
	Status   string   `xml:"status,omitempty"`
	Priority *int     `xml:"priority,omitempty"`
}

type xmlIQ struct {
	XMLName xml.Name   `xml:"iq"`
	From    string     `xml:"from,attr,omitempty"`
	To      string     `xml:"to,attr,omitempty"`
	Type    string     `xml:"type,attr"`
	ID      string     `xml:"id,attr"`
	PubSub  *xmlPubSub `xml:",omitempty"`
}

type xmlPubSub struct {
	XMLName xml.Name   `xml:"http://jabber.org/protocol/pubsub pubsub"`
	Publish xmlPublish `xml:"publish"`
}

type xmlPublish struct {
	Node string  `xml:"node,attr"`
	Item xmlItem `xml:"item"`
}

type xmlItem struct {
	Mood xmlMood `xml:"mood"`
}

type xmlMood struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/mood mood"`
	Inner   string   `xml:",innerxml"`
}

type xmlOpen struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing open"`
	To      string   `xml:"to,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
	Version string   `xml:"version,attr,omitempty"`
}

type xmlClose struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing close"`
}

func marshalMessage(m Message) ([]byte, error) {
	xm := xmlMessage{
		From:    m.From,
		To:      m.To,
		Type:    m.Type,
		ID:      m.ID,
		Subject: m.Subject,
		Body:    m.Body,
	}
	if m.Markup != "" {
		xm.HTML = &xmlHTML{Body: xmlHTMLBody{Inner: m.Markup}}
	}
	if m.ChatState != "" {
		xm.ChatState = &xmlChatState{XMLName: xml.Name{Space: chatStateNS, Local: m.ChatState}}
	}
	return xml.Marshal(xm)
}

func marshalPresence(p Presence) ([]byte, error) {
	xp := xmlPresence{
		From:   p.From,
		To:     p.To,
		Type:   p.Type,
		Show:   p.Show,
		Status: p.Status,
	}
	if p.Priority != 0 {
		pr := p.Priority
		xp.Priority = &pr
	}
	return xml.Marshal(xp)
}

// marshalMoodIQ builds a pubsub publish IQ for the user-mood node. The mood
// element name is the mood value itself, so it is injected as raw inner XML.
func marshalMoodIQ(from, id, mood, text string) ([]byte, error) {
	inner := fmt.Sprintf("<%s/><text>%s</text>", mood, html.EscapeString(text))
	iq := xmlIQ{
		From: from,
		Type: "set",
		ID:   id,
		PubSub: &xmlPubSub{
			Publish: xmlPublish{
				Node: moodNS,
				Item: xmlItem{Mood: xmlMood{Inner: inner}},
			},
		},
	}
	return xml.Marshal(iq)
}

func parseMessage(data []byte) (Message, error) {
	var xm xmlMessage
	if err := xml.Unmarshal(data, &xm); err != nil {
		return Message{}, fmt.Errorf("wire: parse message: %w", err)
	}
	m := Message{
		From:    xm.From,
		To:      xm.To,
		Type:    xm.Type,
		ID:      xm.ID,
		Subject: xm.Subject,
		Body:    xm.Body,
	}
	if xm.HTML != nil {
		m.Markup = xm.HTML.Body.Inner
	}
	return m, nil
}

func parsePresence(data []byte) (Presence, error) {
	var xp xmlPresence
	if err := xml.Unmarshal(data, &xp); err != nil {
		return Presence{}, fmt.Errorf("wire: parse presence: %w", err)
	}
	p := Presence{
		From:   xp.From,
		To:     xp.To,
		Type:   xp.Type,
		Show:   xp.Show,
		Status: xp.Status,
	}
	if xp.Priority != nil {
		p.Priority = *xp.Priority
	}
	return p, nil
}
