package bridge

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"nuclight.org/saver-tg-bot/pkg/logger"
)

type fakeInjector struct {
	mu      sync.Mutex
	updates []tgbotapi.Update
}

func (f *fakeInjector) Inject(u tgbotapi.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
}

func (f *fakeInjector) HandlerRegistered() bool { return true }

func (f *fakeInjector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

type fakeAPI struct {
	requests []tgbotapi.Chattable
	info     tgbotapi.WebhookInfo
	infoErr  error
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetWebhookInfo() (tgbotapi.WebhookInfo, error) {
	return f.info, f.infoErr
}

func newTestBridge(inj *fakeInjector, api *fakeAPI) *Bridge {
	return &Bridge{
		Log:              logger.NewDiscard(),
		Token:            "secret-token",
		PublicURL:        "https://bot.example.com",
		BacklogThreshold: 10,
		API:              api,
		Injector:         inj,
	}
}

func TestStartRegistersWebhookWhenURLConfigured(t *testing.T) {
	api := &fakeAPI{}
	b := newTestBridge(&fakeInjector{}, api)

	if mode := b.Start(); mode != ModePush {
		t.Fatalf("mode = %q, want %q", mode, ModePush)
	}

	// First request clears any stale registration, second registers ours.
	if len(api.requests) != 2 {
		t.Fatalf("got %d api requests, want 2", len(api.requests))
	}
	if _, ok := api.requests[0].(tgbotapi.DeleteWebhookConfig); !ok {
		t.Errorf("first request = %T, want DeleteWebhookConfig", api.requests[0])
	}
	wh, ok := api.requests[1].(tgbotapi.WebhookConfig)
	if !ok {
		t.Fatalf("second request = %T, want WebhookConfig", api.requests[1])
	}
	if got := wh.URL.String(); got != "https://bot.example.com/webhook/secret-token" {
		t.Errorf("webhook url = %q", got)
	}
}

func TestStartFallsBackToPollWithoutURL(t *testing.T) {
	api := &fakeAPI{}
	b := newTestBridge(&fakeInjector{}, api)
	b.PublicURL = ""

	if mode := b.Start(); mode != ModePoll {
		t.Fatalf("mode = %q, want %q", mode, ModePoll)
	}
	// Stale registrations are still cleared in poll mode.
	if len(api.requests) != 1 {
		t.Fatalf("got %d api requests, want 1", len(api.requests))
	}
}

func TestWebhookRejectsInvalidToken(t *testing.T) {
	inj := &fakeInjector{}
	srv := httptest.NewServer(newTestBridge(inj, &fakeAPI{}).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhook/wrong-token", "application/json", strings.NewReader(`{"update_id":1}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if inj.count() != 0 {
		t.Errorf("rejected event was dispatched")
	}
}

func TestWebhookMalformedEventDoesNotBlockNext(t *testing.T) {
	inj := &fakeInjector{}
	srv := httptest.NewServer(newTestBridge(inj, &fakeAPI{}).Handler())
	defer srv.Close()

	url := srv.URL + "/webhook/secret-token"

	resp, err := http.Post(url, "application/json", strings.NewReader(`{not json`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("malformed event status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Post(url, "application/json", strings.NewReader(`{"update_id":42}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("well-formed event status = %d, want 200", resp.StatusCode)
	}

	deadline := time.After(2 * time.Second)
	for inj.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("event was never dispatched")
		case <-time.After(10 * time.Millisecond):
		}
	}
	inj.mu.Lock()
	defer inj.mu.Unlock()
	if inj.updates[0].UpdateID != 42 {
		t.Errorf("dispatched update_id = %d, want 42", inj.updates[0].UpdateID)
	}
}

func TestCheckRegistrationRepairsMismatch(t *testing.T) {
	api := &fakeAPI{info: tgbotapi.WebhookInfo{URL: "https://stale.example.com/webhook/old"}}
	b := newTestBridge(&fakeInjector{}, api)
	b.Start()

	before := len(api.requests)
	b.CheckRegistration()
	if len(api.requests) != before+1 {
		t.Fatalf("expected one re-registration request, got %d", len(api.requests)-before)
	}
}

func TestCheckRegistrationRepairsBacklog(t *testing.T) {
	api := &fakeAPI{}
	b := newTestBridge(&fakeInjector{}, api)
	b.Start()

	api.info = tgbotapi.WebhookInfo{
		URL:                b.webhookURL(),
		PendingUpdateCount: 50,
	}
	before := len(api.requests)
	b.CheckRegistration()
	if len(api.requests) != before+1 {
		t.Fatalf("expected one re-registration request, got %d", len(api.requests)-before)
	}
}

func TestCheckRegistrationHealthy(t *testing.T) {
	api := &fakeAPI{}
	b := newTestBridge(&fakeInjector{}, api)
	b.Start()

	api.info = tgbotapi.WebhookInfo{URL: b.webhookURL(), PendingUpdateCount: 3}
	before := len(api.requests)
	b.CheckRegistration()
	if len(api.requests) != before {
		t.Errorf("healthy registration was redone")
	}
}
