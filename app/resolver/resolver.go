// Package resolver turns shared t.me message links into addressable
// chat/message references. Pure parsing, no network.
package resolver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	e "nuclight.org/saver-tg-bot/pkg/entities"
)

// channelIDOffset maps a bare channel id into Telegram's canonical
// -100-prefixed channel id space: canonical = -(offset + bare).
const channelIDOffset int64 = 1_000_000_000_000

var (
	privateRe = regexp.MustCompile(`t\.me/c/(\d+)/(\d+)`)
	botRe     = regexp.MustCompile(`t\.me/b/([^/]+)/(\d+)`)
	publicRe  = regexp.MustCompile(`t\.me/([^/]+)/(\d+)`)
)

// ParseError reports a link that matches none of the recognized shapes.
// The caller must tell the user the link is invalid and go no further.
type ParseError struct {
	Link string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unrecognized link format: %q", e.Link)
}

// Resolve parses a shared link into a LinkReference. A non-zero offset is
// added to the parsed message id, which is how batch saves address the
// messages following the linked one. Any "?single" suffix is stripped
// before matching.
func Resolve(text string, offset int) (e.LinkReference, error) {
	link := text
	if idx := strings.Index(link, "?single"); idx >= 0 {
		link = link[:idx]
	}

	ref, ok := match(link)
	if !ok {
		return e.LinkReference{}, &ParseError{Link: text}
	}

	ref.MessageID += offset
	return ref, nil
}

func match(link string) (e.LinkReference, bool) {
	switch {
	case strings.Contains(link, "t.me/c/"):
		m := privateRe.FindStringSubmatch(link)
		if m == nil {
			return e.LinkReference{}, false
		}
		chatID, err := NormalizeChatID(m[1])
		if err != nil {
			return e.LinkReference{}, false
		}
		msgID, err := strconv.Atoi(m[2])
		if err != nil {
			return e.LinkReference{}, false
		}
		return e.LinkReference{
			ChatID:    chatID,
			MessageID: msgID,
			Kind:      e.LinkKindPrivate,
		}, true

	case strings.Contains(link, "t.me/b/"):
		m := botRe.FindStringSubmatch(link)
		if m == nil {
			return e.LinkReference{}, false
		}
		msgID, err := strconv.Atoi(m[2])
		if err != nil {
			return e.LinkReference{}, false
		}
		return e.LinkReference{
			Username:  m[1],
			MessageID: msgID,
			Kind:      e.LinkKindBot,
		}, true

	default:
		m := publicRe.FindStringSubmatch(link)
		if m == nil {
			return e.LinkReference{}, false
		}
		msgID, err := strconv.Atoi(m[2])
		if err != nil {
			return e.LinkReference{}, false
		}
		return e.LinkReference{
			Username:  m[1],
			MessageID: msgID,
			Kind:      e.LinkKindPublic,
		}, true
	}
}

// NormalizeChatID maps the numeric chat reference of a t.me/c link into the
// canonical negative channel-id space. A bare digit string is prefixed, a
// string already carrying the canonical prefix is parsed as-is.
// Normalization is idempotent.
func NormalizeChatID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing chat id %q: %w", raw, err)
	}
	return CanonicalChatID(id), nil
}

// CanonicalChatID returns id unchanged when it already carries the canonical
// prefix, and prefixes it otherwise.
func CanonicalChatID(id int64) int64 {
	if id < 0 {
		return id
	}
	return -(channelIDOffset + id)
}

// BareChannelID strips the canonical prefix, yielding the channel id the
// MTProto API expects.
func BareChannelID(canonical int64) int64 {
	if canonical >= 0 {
		return canonical
	}
	return -canonical - channelIDOffset
}
