package tracker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/birdwatch-im/birdwatch/internal/chirp"
)

var mentionRE = regexp.MustCompile(`(\W*)(@[\w_]+)`)

// PlainBody renders an item as the plain-text message body.
func PlainBody(item chirp.Item) string {
	return fmt.Sprintf("%s: %s", item.From, item.Text)
}

// HTMLBody renders an item as XHTML-IM markup: the author and any @mentions
// become profile links under profileBase.
func HTMLBody(item chirp.Item, profileBase string) string {
	text := escapeText(item.Text)
	text = mentionRE.ReplaceAllStringFunc(text, func(m string) string {
		parts := mentionRE.FindStringSubmatch(m)
		return parts[1] + userLink(parts[2], profileBase)
	})
	return fmt.Sprintf("%s: %s", userLink(item.From, profileBase), text)
}

// userLink wraps a username in a profile anchor. A leading @ stays in the
// link text but not in the URL.
func userLink(name, profileBase string) string {
	target := strings.TrimPrefix(name, "@")
	return fmt.Sprintf(`<a href="%s/%s">%s</a>`, strings.TrimRight(profileBase, "/"), target, name)
}

func escapeText(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
