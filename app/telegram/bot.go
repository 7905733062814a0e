package telegram

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"nuclight.org/saver-tg-bot/pkg/logger"
)

// UpdateHandler processes one platform update. Implemented by feature
// modules; installed through RegisterHandler.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update tgbotapi.Update)
}

// BotClient is the Bot API identity. All updates, natively polled or pushed
// by the webhook bridge, funnel through one internal channel drained by the
// worker pool, so both delivery modes share the exact same handler path.
type BotClient struct {
	Log        logger.Logger
	APIToken   string
	WorkersNum int

	updates chan tgbotapi.Update
	wg      sync.WaitGroup

	mu      sync.RWMutex
	bot     *tgbotapi.BotAPI
	handler UpdateHandler
}

func (c *BotClient) Start(ctx context.Context) error {
	if c.WorkersNum == 0 {
		return fmt.Errorf("workers number must be greater than 0")
	}

	bot, err := tgbotapi.NewBotAPI(c.APIToken)
	if err != nil {
		return fmt.Errorf("creating bot api: %w", err)
	}

	c.mu.Lock()
	c.bot = bot
	c.mu.Unlock()

	c.Log.Info("bot api created", "username", bot.Self.UserName)

	c.updates = make(chan tgbotapi.Update, 128)

	for i := 0; i < c.WorkersNum; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleUpdatesFromChan(ctx)
		}()
	}

	return nil
}

// StartPolling runs the native long-poll receive loop, copying platform
// updates into the shared internal channel. Used when push delivery is not
// available.
func (c *BotClient) StartPolling(ctx context.Context) {
	conf := tgbotapi.NewUpdate(0)
	conf.Timeout = 60

	bot := c.API()
	pollChan := bot.GetUpdatesChan(conf)

	go func() {
		for {
			select {
			case <-ctx.Done():
				bot.StopReceivingUpdates()
				return
			case update := <-pollChan:
				c.Inject(update)
			}
		}
	}()
}

// Reconnect rebuilds the Bot API handle after a failed reachability probe.
// Workers, the updates channel, and the registered handler stay in place.
func (c *BotClient) Reconnect() error {
	bot, err := tgbotapi.NewBotAPI(c.APIToken)
	if err != nil {
		return fmt.Errorf("recreating bot api: %w", err)
	}

	c.mu.Lock()
	c.bot = bot
	c.mu.Unlock()
	return nil
}

// Inject feeds an externally received update into the same processing path
// native polling uses. The webhook bridge is the only other producer.
func (c *BotClient) Inject(update tgbotapi.Update) {
	c.updates <- update
}

// RegisterHandler installs the update handler. At most one handler is active
// at a time; the last writer wins.
func (c *BotClient) RegisterHandler(h UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	c.Log.Info("update handler registered")
}

func (c *BotClient) HandlerRegistered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler != nil
}

func (c *BotClient) Wait() {
	c.wg.Wait()
}

// API exposes the underlying Bot API handle for webhook management and
// message sending.
func (c *BotClient) API() *tgbotapi.BotAPI {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bot
}

func (c *BotClient) handleUpdatesFromChan(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-c.updates:
			c.handleUpdate(ctx, update)
		}
	}
}

func (c *BotClient) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	log := c.Log.With("tg_update_id", update.UpdateID)

	defer func() {
		if err := recover(); err != nil {
			log.Error("panic while handling update", "error", err)
		}
	}()

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	if handler == nil {
		log.Warn("no update handler registered, update dropped")
		return
	}

	handler.HandleUpdate(ctx, update)
}
