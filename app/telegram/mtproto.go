package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gotd/contrib/bg"
	"github.com/gotd/td/session"
	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"nuclight.org/saver-tg-bot/pkg/logger"
)

// MTClient is one MTProto identity: either the user-acting session that can
// read restricted chats, or the transport bot session used for large-file
// upload.
type MTClient struct {
	log    logger.Logger
	client *tdtelegram.Client
	api    *tg.Client
	stop   bg.StopFunc
}

// StartUserClient connects the user-acting identity from an opaque session
// blob (base64 of an exported session). The session must already be
// authorized; this process never drives an interactive login.
func StartUserClient(ctx context.Context, log logger.Logger, appID int, appHash, sessionBlob string) (*MTClient, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sessionBlob))
	if err != nil {
		return nil, fmt.Errorf("decoding session blob: %w", err)
	}

	storage := new(session.StorageMemory)
	if err := storage.StoreSession(ctx, data); err != nil {
		return nil, fmt.Errorf("seeding session storage: %w", err)
	}

	c, err := connect(ctx, log, appID, appHash, storage)
	if err != nil {
		return nil, err
	}

	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		c.Stop()
		return nil, fmt.Errorf("checking auth status: %w", err)
	}
	if !status.Authorized {
		c.Stop()
		return nil, fmt.Errorf("session is not authorized")
	}

	log.Info("user client started")
	return c, nil
}

// StartTransportClient connects the transport identity, a second session for
// the same bot account but over MTProto, which lifts the Bot API upload
// limits and supports streaming attributes on video.
func StartTransportClient(ctx context.Context, log logger.Logger, appID int, appHash, botToken string) (*MTClient, error) {
	c, err := connect(ctx, log, appID, appHash, new(session.StorageMemory))
	if err != nil {
		return nil, err
	}

	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		c.Stop()
		return nil, fmt.Errorf("checking auth status: %w", err)
	}
	if !status.Authorized {
		if _, err := c.client.Auth().Bot(ctx, botToken); err != nil {
			c.Stop()
			return nil, fmt.Errorf("authorizing bot session: %w", err)
		}
	}

	log.Info("transport client started")
	return c, nil
}

func connect(ctx context.Context, log logger.Logger, appID int, appHash string, storage session.Storage) (*MTClient, error) {
	zl, err := zap.NewProduction(zap.IncreaseLevel(zap.WarnLevel))
	if err != nil {
		return nil, fmt.Errorf("building mtproto logger: %w", err)
	}

	client := tdtelegram.NewClient(appID, appHash, tdtelegram.Options{
		SessionStorage: storage,
		Logger:         zl,
	})

	stop, err := bg.Connect(client, bg.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}

	return &MTClient{
		log:    log,
		client: client,
		api:    client.API(),
		stop:   stop,
	}, nil
}

// API returns the raw RPC client.
func (c *MTClient) API() *tg.Client {
	return c.api
}

// Ping verifies the connection is still usable by asking the platform who we
// are.
func (c *MTClient) Ping(ctx context.Context) error {
	if _, err := c.client.Self(ctx); err != nil {
		return fmt.Errorf("identity self check: %w", err)
	}
	return nil
}

func (c *MTClient) Stop() {
	if c.stop == nil {
		return
	}
	if err := c.stop(); err != nil {
		c.log.Warn("stopping mtproto client", "error", err)
	}
	c.stop = nil
}
