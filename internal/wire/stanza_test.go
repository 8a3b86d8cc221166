package wire

import (
	"strings"
	"testing"
)

func TestBare(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice@example.com/home", "alice@example.com"},
		{"alice@example.com", "alice@example.com"},
		{"bot@im.example.org/bw/1", "bot@im.example.org"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Bare(tt.in); got != tt.want {
			t.Errorf("Bare(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMarshalMessage_RichCarriesBothBodies(t *testing.T) {
	data, err := marshalMessage(Message{
		To:        "alice@example.com",
		Type:      "chat",
		Body:      "jack: hello",
		Markup:    `<a href="https://example.com/jack">jack</a>: hello`,
		ChatState: "active",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)

	if !strings.Contains(s, "<body>jack: hello</body>") {
		t.Errorf("plain body missing: %s", s)
	}
	if !strings.Contains(s, xhtmlIMNS) {
		t.Errorf("xhtml-im namespace missing: %s", s)
	}
	if !strings.Contains(s, `<a href="https://example.com/jack">jack</a>`) {
		t.Errorf("raw markup not preserved: %s", s)
	}
	if !strings.Contains(s, chatStateNS) || !strings.Contains(s, "active") {
		t.Errorf("chat state missing: %s", s)
	}
}

func TestMarshalMoodIQ_EscapesText(t *testing.T) {
	data, err := marshalMoodIQ("bot@example.com", "mood1", "happy", "5 topics & <counting>")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)

	if !strings.Contains(s, "<happy/>") {
		t.Errorf("mood element missing: %s", s)
	}
	if strings.Contains(s, "<counting>") {
		t.Errorf("unescaped text leaked into mood item: %s", s)
	}
	if !strings.Contains(s, moodNS) {
		t.Errorf("mood namespace missing: %s", s)
	}
}

func TestParsePresence_PriorityDefaultsToZero(t *testing.T) {
	p, err := parsePresence([]byte(`<presence from="alice@example.com/home"/>`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Priority != 0 {
		t.Errorf("priority = %d, want 0", p.Priority)
	}
	if p.Type != PresenceAvailable {
		t.Errorf("type = %q, want available (empty)", p.Type)
	}
}

func TestParsePresence_FullStanza(t *testing.T) {
	p, err := parsePresence([]byte(
		`<presence from="alice@example.com/home" type=""` +
			`><show>dnd</show><status>busy</status><priority>-1</priority></presence>`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Show != "dnd" || p.Status != "busy" || p.Priority != -1 {
		t.Errorf("unexpected parse result: %+v", p)
	}
}
