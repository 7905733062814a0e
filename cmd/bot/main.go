package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jessevdk/go-flags"

	"nuclight.org/saver-tg-bot/app/access"
	"nuclight.org/saver-tg-bot/app/bridge"
	"nuclight.org/saver-tg-bot/app/plugins"
	"nuclight.org/saver-tg-bot/app/saver"
	"nuclight.org/saver-tg-bot/app/storage"
	"nuclight.org/saver-tg-bot/app/telegram"
	"nuclight.org/saver-tg-bot/app/transfer"
	"nuclight.org/saver-tg-bot/pkg/logger"
)

var opts struct {
	TelegramAPIToken   string        `long:"telegram-api-token" env:"TELEGRAM_API_TOKEN" required:"true" description:"telegram bot api token"`
	TelegramAppID      int           `long:"telegram-app-id" env:"TELEGRAM_APP_ID" required:"true" description:"telegram mtproto application id"`
	TelegramAppHash    string        `long:"telegram-app-hash" env:"TELEGRAM_APP_HASH" required:"true" description:"telegram mtproto application hash"`
	UserSession        string        `long:"user-session" env:"USER_SESSION" description:"exported user session blob; saving from restricted chats is degraded without it"`
	TelegramWorkersNum int           `long:"telegram-workers-num" env:"TELEGRAM_WORKERS_NUM" default:"5" description:"number of workers for telegram bot"`
	PublicURL          string        `long:"public-url" env:"PUBLIC_URL" description:"externally reachable base url for webhook delivery; empty means polling"`
	Port               int           `long:"port" env:"PORT" default:"5000" description:"http listen port"`
	DownloadDir        string        `long:"download-dir" env:"DOWNLOAD_DIR" default:"./downloads" description:"directory for in-flight media files"`
	BatchLimit         int           `long:"batch-limit" env:"BATCH_LIMIT" default:"10" description:"maximum messages per save command"`
	BacklogThreshold   int           `long:"backlog-threshold" env:"BACKLOG_THRESHOLD" default:"100" description:"pending webhook updates above this trigger re-registration"`
	ProbeInterval      time.Duration `long:"probe-interval" env:"PROBE_INTERVAL" default:"5m" description:"identity reachability probe interval"`
	WebhookInterval    time.Duration `long:"webhook-interval" env:"WEBHOOK_INTERVAL" default:"10m" description:"webhook registration check interval"`
	SentryDSN          string        `long:"sentry-dsn" env:"SENTRY_DSN" description:"sentry dsn for error reporting"`
}

var Revision = "dev"

func main() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}

	log := logger.NewLogger()
	log.Info("starting bot", "revision", Revision)

	if opts.SentryDSN != "" {
		err = sentry.Init(sentry.ClientOptions{
			Dsn:     opts.SentryDSN,
			Release: Revision,
		})
		if err != nil {
			log.Error("initializing sentry", "error", err)
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(opts.DownloadDir, 0o755); err != nil {
		log.Error("creating download directory", "error", err)
		os.Exit(1)
	}

	db, err := storage.NewVolatile(ctx)
	if err != nil {
		log.Error("creating volatile database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("closing volatile database", "error", err)
		}
	}()

	coord := &telegram.Coordinator{
		Log:         log,
		BotToken:    opts.TelegramAPIToken,
		AppID:       opts.TelegramAppID,
		AppHash:     opts.TelegramAppHash,
		UserSession: opts.UserSession,
		WorkersNum:  opts.TelegramWorkersNum,
	}

	handles, err := coord.EnsureStarted(ctx)
	if err != nil {
		log.Error("starting identities", "error", err)
		os.Exit(1)
	}
	log.Info("identities started",
		"user", coord.State(telegram.RoleUser),
		"transport", coord.State(telegram.RoleTransport),
	)

	handler := &saver.Handler{
		Log:         log,
		Coordinator: coord,
		Verifier: &access.Verifier{
			Log:   log,
			Cache: access.NewCache(),
		},
		Engine: &transfer.Engine{
			Log:         log,
			DownloadDir: opts.DownloadDir,
		},
		Store:      db,
		BatchLimit: opts.BatchLimit,
	}

	registry := &plugins.Registry{Log: log}
	registry.Register(handler)
	registry.StartAll(ctx)

	br := &bridge.Bridge{
		Log:              log,
		Token:            opts.TelegramAPIToken,
		PublicURL:        opts.PublicURL,
		BacklogThreshold: opts.BacklogThreshold,
		API:              handles.Bot.API(),
		Injector:         handles.Bot,
	}

	if br.Start() == bridge.ModePoll {
		handles.Bot.StartPolling(ctx)
	}

	server := &http.Server{
		Addr:    ":" + strconv.Itoa(opts.Port),
		Handler: br.Handler(),
	}
	go func() {
		log.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
		}
	}()

	go coord.RunMaintenance(ctx, opts.ProbeInterval)
	go br.RunHealthLoop(ctx, opts.WebhookInterval)

	<-ctx.Done()
	log.Info("stopping bot")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutting down http server", "error", err)
	}

	coord.Shutdown()

	os.Exit(0)
}
