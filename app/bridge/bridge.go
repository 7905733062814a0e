// Package bridge accepts platform events pushed over HTTP and feeds them
// into the same dispatch path native polling uses, falling back to polling
// when push delivery cannot be established.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"nuclight.org/saver-tg-bot/pkg/logger"
)

type Mode string

const (
	ModePush Mode = "push"
	ModePoll Mode = "poll"
)

// Injector hands a received event to the bot identity's update-processing
// entry point.
type Injector interface {
	Inject(update tgbotapi.Update)
	HandlerRegistered() bool
}

// WebhookAPI is the slice of the Bot API used for webhook management.
type WebhookAPI interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetWebhookInfo() (tgbotapi.WebhookInfo, error)
}

type Bridge struct {
	Log   logger.Logger
	Token string

	// PublicURL is the externally reachable base URL the platform can
	// push to. Empty means poll mode.
	PublicURL string

	// BacklogThreshold re-registers the webhook when the platform reports
	// more undelivered events than this.
	BacklogThreshold int

	API      WebhookAPI
	Injector Injector

	mu   sync.Mutex
	mode Mode
}

// Start selects the delivery mode. Any existing push registration is
// cleared unconditionally first; registration is then attempted only when a
// public URL is configured, with poll mode as the fallback on any failure.
func (b *Bridge) Start() Mode {
	if _, err := b.API.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		b.Log.Warn("clearing existing webhook registration", "error", err)
	}

	if b.PublicURL == "" {
		b.Log.Info("no public url configured, using poll mode")
		return b.setMode(ModePoll)
	}

	if err := b.register(); err != nil {
		b.Log.Warn("webhook registration failed, using poll mode", "error", err)
		return b.setMode(ModePoll)
	}

	b.Log.Info("webhook registered", "url", b.webhookURL())
	return b.setMode(ModePush)
}

func (b *Bridge) register() error {
	wh, err := tgbotapi.NewWebhook(b.webhookURL())
	if err != nil {
		return fmt.Errorf("building webhook config: %w", err)
	}
	if _, err := b.API.Request(wh); err != nil {
		return fmt.Errorf("registering webhook: %w", err)
	}
	return nil
}

func (b *Bridge) webhookURL() string {
	return b.PublicURL + "/webhook/" + b.Token
}

func (b *Bridge) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

func (b *Bridge) setMode(m Mode) Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = m
	return m
}

// CheckRegistration re-verifies the push registration: the registered URL
// must still match ours and the undelivered backlog must be under the
// threshold. Either failing redoes the registration.
func (b *Bridge) CheckRegistration() {
	if b.Mode() != ModePush {
		return
	}

	info, err := b.API.GetWebhookInfo()
	if err != nil {
		b.Log.Warn("fetching webhook info", "error", err)
		return
	}

	if info.URL == b.webhookURL() && info.PendingUpdateCount <= b.BacklogThreshold {
		return
	}

	b.Log.Warn("webhook registration unhealthy, re-registering",
		"registered_url", info.URL, "pending", info.PendingUpdateCount)
	if err := b.register(); err != nil {
		b.Log.Error("re-registering webhook", "error", err)
	}
}

// RunHealthLoop re-verifies the registration on a fixed interval until ctx
// ends.
func (b *Bridge) RunHealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.CheckRegistration()
		}
	}
}

// Handler serves the HTTP surface: welcome page, health probe, and the push
// delivery endpoint.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", b.handleWelcome)
	mux.HandleFunc("GET /health", b.handleHealth)
	mux.HandleFunc("POST /webhook/{token}", b.handleWebhook)
	return mux
}

func (b *Bridge) handleWelcome(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>Restricted content saver bot</h1><p>The bot is running.</p></body></html>"))
}

func (b *Bridge) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"mode":              b.Mode(),
		"handler_available": b.Injector.HandlerRegistered(),
	})
}

// handleWebhook authenticates the push delivery by its path-embedded token
// and acknowledges immediately. Processing happens asynchronously; the
// platform treats any 2xx as delivery success and there is no redelivery to
// ask for.
func (b *Bridge) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("token") != b.Token {
		b.Log.Warn("webhook delivery with invalid token")
		writeJSON(w, http.StatusForbidden, map[string]any{
			"ok":          false,
			"description": "invalid token",
		})
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		// One malformed event must never block the ones after it:
		// log and acknowledge.
		b.Log.Error("decoding pushed event", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"ok": false})
		return
	}

	go b.dispatch(update)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (b *Bridge) dispatch(update tgbotapi.Update) {
	defer func() {
		if err := recover(); err != nil {
			b.Log.Error("dispatching pushed event", "tg_update_id", update.UpdateID, "error", err)
		}
	}()

	b.Log.Debug("pushed event received", "tg_update_id", update.UpdateID)
	b.Injector.Inject(update)
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
