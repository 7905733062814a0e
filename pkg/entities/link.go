package entities

import "strconv"

type LinkKind string

const (
	// LinkKindPrivate is a t.me/c/<id>/<msg> link into a private channel
	LinkKindPrivate LinkKind = "private"

	// LinkKindBot is a t.me/b/<username>/<msg> link into a bot chat
	LinkKindBot LinkKind = "bot"

	// LinkKindPublic is a t.me/<username>/<msg> link into a public chat
	LinkKindPublic LinkKind = "public"
)

// LinkReference is the parsed form of a shared message link. Exactly one of
// ChatID and Username is set: ChatID carries the canonical -100-prefixed
// channel id for private links, Username the textual handle otherwise.
// Immutable once constructed.
type LinkReference struct {
	ChatID    int64
	Username  string
	MessageID int
	Kind      LinkKind
}

// Locator returns the normalized chat reference used as the access-cache key.
func (r LinkReference) Locator() string {
	if r.Username != "" {
		return r.Username
	}
	return strconv.FormatInt(r.ChatID, 10)
}
