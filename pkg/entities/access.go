package entities

import "time"

type AccessReason string

const (
	// AccessPrivateUnjoined means the chat exists but the identity is not a member
	AccessPrivateUnjoined AccessReason = "private-unjoined"

	// AccessInvalidReference means the username or channel id does not resolve
	AccessInvalidReference AccessReason = "invalid-reference"

	// AccessBanned means the identity is banned from the chat
	AccessBanned AccessReason = "banned"

	// AccessInvalidPeer means the reference resolved to an unusable peer
	AccessInvalidPeer AccessReason = "invalid-peer"

	// AccessRateLimited carries the platform-mandated wait in Verdict.RetryAfter
	AccessRateLimited AccessReason = "rate-limited"

	// AccessOther carries the underlying message in Verdict.Detail
	AccessOther AccessReason = "other"
)

// ChatInfo describes a reachable chat well enough to address its messages.
type ChatInfo struct {
	ID         int64
	AccessHash int64
	Title      string
	Username   string
	IsChannel  bool
}

// Verdict is the closed result of an access check. Callers switch on
// Reachable and Reason instead of catching library errors.
type Verdict struct {
	Reachable  bool
	Chat       ChatInfo
	Reason     AccessReason
	RetryAfter time.Duration
	Detail     string
}

func Reachable(chat ChatInfo) Verdict {
	return Verdict{Reachable: true, Chat: chat}
}

func Unreachable(reason AccessReason, detail string) Verdict {
	return Verdict{Reason: reason, Detail: detail}
}
