package access

import (
	"context"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	e "nuclight.org/saver-tg-bot/pkg/entities"
	"nuclight.org/saver-tg-bot/pkg/logger"
)

type fakeAPI struct {
	resolveCalls int
	resolveErr   error
	resolved     *tg.ContactsResolvedPeer

	dialogCalls int
	dialogChats []tg.ChatClass

	importCalls int
	importErr   error
}

func (f *fakeAPI) ContactsResolveUsername(_ context.Context, _ *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error) {
	f.resolveCalls++
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.resolved, nil
}

func (f *fakeAPI) MessagesGetDialogs(_ context.Context, _ *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error) {
	f.dialogCalls++
	dlgs := make([]tg.DialogClass, 0, len(f.dialogChats))
	for _, chat := range f.dialogChats {
		ch := chat.(*tg.Channel)
		dlgs = append(dlgs, &tg.Dialog{Peer: &tg.PeerChannel{ChannelID: ch.ID}})
	}
	return &tg.MessagesDialogs{Dialogs: dlgs, Chats: f.dialogChats}, nil
}

func (f *fakeAPI) MessagesImportChatInvite(_ context.Context, _ string) (tg.UpdatesClass, error) {
	f.importCalls++
	if f.importErr != nil {
		return nil, f.importErr
	}
	return &tg.Updates{}, nil
}

func newVerifier() *Verifier {
	return &Verifier{Log: logger.NewDiscard(), Cache: NewCache()}
}

func channelPeer(username string) *tg.ContactsResolvedPeer {
	return &tg.ContactsResolvedPeer{
		Chats: []tg.ChatClass{&tg.Channel{
			ID:         42,
			AccessHash: 7,
			Title:      "some channel",
			Username:   username,
		}},
	}
}

func TestVerifyMemoizesPositiveVerdict(t *testing.T) {
	api := &fakeAPI{resolved: channelPeer("somechannel")}
	v := newVerifier()
	ref := e.LinkReference{Username: "somechannel", MessageID: 1, Kind: e.LinkKindPublic}

	first := v.Verify(context.Background(), api, ref)
	second := v.Verify(context.Background(), api, ref)

	if !first.Reachable || !second.Reachable {
		t.Fatalf("expected reachable verdicts, got %+v / %+v", first, second)
	}
	if api.resolveCalls != 1 {
		t.Errorf("resolve calls = %d, want exactly 1", api.resolveCalls)
	}
	if second.Chat != first.Chat {
		t.Errorf("cached verdict differs: %+v vs %+v", second.Chat, first.Chat)
	}
}

func TestVerifyDoesNotMemoizeNegativeVerdict(t *testing.T) {
	api := &fakeAPI{resolveErr: tgerr.New(400, "CHANNEL_PRIVATE")}
	v := newVerifier()
	ref := e.LinkReference{Username: "hidden", Kind: e.LinkKindPublic}

	if got := v.Verify(context.Background(), api, ref); got.Reachable {
		t.Fatal("expected unreachable verdict")
	}
	v.Verify(context.Background(), api, ref)

	if api.resolveCalls != 2 {
		t.Errorf("resolve calls = %d, want 2 (negative verdicts must not cache)", api.resolveCalls)
	}
}

func TestVerifyNumericChannelViaDialogs(t *testing.T) {
	api := &fakeAPI{dialogChats: []tg.ChatClass{
		&tg.Channel{ID: 1234567890, AccessHash: 99, Title: "members only"},
	}}
	v := newVerifier()
	ref := e.LinkReference{ChatID: -1001234567890, MessageID: 5, Kind: e.LinkKindPrivate}

	got := v.Verify(context.Background(), api, ref)
	if !got.Reachable {
		t.Fatalf("expected reachable, got %+v", got)
	}
	if got.Chat.ID != 1234567890 || got.Chat.AccessHash != 99 {
		t.Errorf("unexpected chat info: %+v", got.Chat)
	}
}

func TestVerifyNumericChannelNotJoined(t *testing.T) {
	api := &fakeAPI{}
	v := newVerifier()
	ref := e.LinkReference{ChatID: -1001234567890, Kind: e.LinkKindPrivate}

	got := v.Verify(context.Background(), api, ref)
	if got.Reachable || got.Reason != e.AccessPrivateUnjoined {
		t.Errorf("verdict = %+v, want private-unjoined", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want e.AccessReason
	}{
		{"private", tgerr.New(400, "CHANNEL_PRIVATE"), e.AccessPrivateUnjoined},
		{"invalid channel", tgerr.New(400, "CHANNEL_INVALID"), e.AccessInvalidReference},
		{"unknown username", tgerr.New(400, "USERNAME_NOT_OCCUPIED"), e.AccessInvalidReference},
		{"banned", tgerr.New(400, "CHANNEL_BANNED"), e.AccessBanned},
		{"bad peer", tgerr.New(400, "PEER_ID_INVALID"), e.AccessInvalidPeer},
		{"anything else", tgerr.New(500, "INTERNAL"), e.AccessOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Reachable {
				t.Fatal("classified error as reachable")
			}
			if got.Reason != tt.want {
				t.Errorf("reason = %s, want %s", got.Reason, tt.want)
			}
		})
	}
}

func TestClassifyFloodWaitCarriesDelay(t *testing.T) {
	got := Classify(tgerr.New(420, "FLOOD_WAIT_30"))
	if got.Reason != e.AccessRateLimited {
		t.Fatalf("reason = %s, want rate-limited", got.Reason)
	}
	if got.RetryAfter != 30*time.Second {
		t.Errorf("retry after = %s, want 30s", got.RetryAfter)
	}
}

func TestAttemptJoin(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"success", nil, true},
		{"already participant", tgerr.New(400, "USER_ALREADY_PARTICIPANT"), true},
		{"expired hash", tgerr.New(400, "INVITE_HASH_EXPIRED"), false},
		{"pending request", tgerr.New(400, "INVITE_REQUEST_SENT"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{importErr: tt.err}
			v := newVerifier()
			if got := v.AttemptJoin(context.Background(), api, "https://t.me/+AbCdEf"); got != tt.want {
				t.Errorf("AttemptJoin = %v, want %v", got, tt.want)
			}
		})
	}
}
