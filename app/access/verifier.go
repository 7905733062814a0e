// Package access decides whether the user-acting identity can reach a chat,
// and remembers positive answers for the life of the process.
package access

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"nuclight.org/saver-tg-bot/app/resolver"
	e "nuclight.org/saver-tg-bot/pkg/entities"
	"nuclight.org/saver-tg-bot/pkg/logger"
	"nuclight.org/saver-tg-bot/pkg/mutex"
)

// API is the slice of the MTProto surface the verifier needs. *tg.Client
// satisfies it.
type API interface {
	ContactsResolveUsername(ctx context.Context, request *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error)
	MessagesGetDialogs(ctx context.Context, request *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
	MessagesImportChatInvite(ctx context.Context, hash string) (tg.UpdatesClass, error)
}

const dialogPageSize = 100

// maxDialogScan bounds the dialog walk when looking up a numeric channel id.
const maxDialogScan = 2000

// Cache holds positive access verdicts keyed by normalized chat locator.
// Entries never expire within a process lifetime; accepted staleness is the
// documented trade-off. Negative verdicts are not stored, a later attempt
// may succeed after the user joins.
type Cache struct {
	locks   mutex.KeyedMutex
	mu      sync.Mutex
	records map[string]e.Verdict
}

func NewCache() *Cache {
	return &Cache{records: make(map[string]e.Verdict)}
}

func (c *Cache) get(locator string) (e.Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.records[locator]
	return v, ok
}

func (c *Cache) put(locator string, v e.Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[locator] = v
}

// Verifier answers "can the user identity read this chat" with a closed
// verdict instead of a library error. Inject one Cache per process.
type Verifier struct {
	Log   logger.Logger
	Cache *Cache
}

// Verify returns the cached verdict for the locator when one exists, issuing
// no network call. On miss it resolves the reference through the supplied
// identity and memoizes a positive result. Rate-limited failures carry the
// platform-mandated wait verbatim and are never retried here.
func (v *Verifier) Verify(ctx context.Context, api API, ref e.LinkReference) e.Verdict {
	locator := ref.Locator()

	// Per-locator lock: concurrent jobs for the same chat produce one
	// network verification, the rest read the cached verdict.
	v.Cache.locks.Lock(locator)
	defer v.Cache.locks.Unlock(locator)

	if verdict, ok := v.Cache.get(locator); ok {
		return verdict
	}

	verdict := v.verify(ctx, api, ref)
	if verdict.Reachable {
		v.Cache.put(locator, verdict)
	} else {
		v.Log.Info("chat unreachable",
			"locator", locator, "reason", verdict.Reason, "detail", verdict.Detail)
	}
	return verdict
}

func (v *Verifier) verify(ctx context.Context, api API, ref e.LinkReference) e.Verdict {
	if ref.Username != "" {
		return v.verifyUsername(ctx, api, ref.Username)
	}
	return v.verifyChannelID(ctx, api, resolver.BareChannelID(ref.ChatID))
}

func (v *Verifier) verifyUsername(ctx context.Context, api API, username string) e.Verdict {
	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: username,
	})
	if err != nil {
		return Classify(err)
	}

	for _, chat := range resolved.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			return e.Reachable(e.ChatInfo{
				ID:         ch.ID,
				AccessHash: ch.AccessHash,
				Title:      ch.Title,
				Username:   ch.Username,
				IsChannel:  true,
			})
		}
	}
	for _, user := range resolved.Users {
		if u, ok := user.(*tg.User); ok {
			return e.Reachable(e.ChatInfo{
				ID:         u.ID,
				AccessHash: u.AccessHash,
				Username:   u.Username,
			})
		}
	}

	return e.Unreachable(e.AccessInvalidReference, fmt.Sprintf("username %q did not resolve to a chat", username))
}

// verifyChannelID walks the identity's dialogs looking for the channel. A
// private channel the account has not joined cannot appear there, which is
// exactly the unreachable case.
func (v *Verifier) verifyChannelID(ctx context.Context, api API, channelID int64) e.Verdict {
	q := dialogs.QueryFunc(func(qCtx context.Context, req dialogs.Request) (tg.MessagesDialogsClass, error) {
		return api.MessagesGetDialogs(qCtx, &tg.MessagesGetDialogsRequest{
			Limit:      req.Limit,
			OffsetDate: req.OffsetDate,
			OffsetID:   req.OffsetID,
			OffsetPeer: req.OffsetPeer,
		})
	})

	scanned := 0
	iter := dialogs.NewIterator(q, dialogPageSize)
	for iter.Next(ctx) {
		if peer, ok := iter.Value().Peer.(*tg.InputPeerChannel); ok && peer.ChannelID == channelID {
			return e.Reachable(e.ChatInfo{
				ID:         peer.ChannelID,
				AccessHash: peer.AccessHash,
				IsChannel:  true,
			})
		}
		if scanned++; scanned >= maxDialogScan {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return Classify(err)
	}

	return e.Unreachable(e.AccessPrivateUnjoined,
		"the user session is not a member of this channel")
}

// AttemptJoin tries to join a chat through an invite link. Failures are a
// boolean outcome, not an error: an expired hash and a still-pending join
// request both read as false.
func (v *Verifier) AttemptJoin(ctx context.Context, api API, inviteLink string) bool {
	hash := inviteLink
	for _, prefix := range []string{"https://t.me/joinchat/", "https://t.me/+", "t.me/joinchat/", "t.me/+"} {
		if strings.HasPrefix(hash, prefix) {
			hash = strings.TrimPrefix(hash, prefix)
			break
		}
	}

	if _, err := api.MessagesImportChatInvite(ctx, hash); err != nil {
		if tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
			return true
		}
		v.Log.Warn("joining chat by invite link failed", "error", err)
		return false
	}
	return true
}

// Classify maps an MTProto error into the closed reason set.
func Classify(err error) e.Verdict {
	if wait, ok := tgerr.AsFloodWait(err); ok {
		verdict := e.Unreachable(e.AccessRateLimited, fmt.Sprintf("rate limited for %d seconds", int(wait.Seconds())))
		verdict.RetryAfter = wait
		return verdict
	}

	switch {
	case tgerr.Is(err, "CHANNEL_PRIVATE"):
		return e.Unreachable(e.AccessPrivateUnjoined, "this is a private channel that requires joining")
	case tgerr.Is(err, "CHANNEL_INVALID", "USERNAME_INVALID", "USERNAME_NOT_OCCUPIED"):
		return e.Unreachable(e.AccessInvalidReference, "invalid username or channel id")
	case tgerr.Is(err, "CHANNEL_BANNED"):
		return e.Unreachable(e.AccessBanned, "the channel is banned")
	case tgerr.Is(err, "PEER_ID_INVALID"):
		return e.Unreachable(e.AccessInvalidPeer, "invalid peer")
	default:
		return e.Unreachable(e.AccessOther, err.Error())
	}
}
