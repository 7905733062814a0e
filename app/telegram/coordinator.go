// Package telegram owns the three authenticated platform connections: the
// Bot API identity serving commands, the user-acting MTProto session with
// elevated read access, and the MTProto transport session for large uploads.
// Nothing outside this package creates, restarts, or disposes an identity.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nuclight.org/saver-tg-bot/pkg/logger"
)

type IdentityRole string

const (
	RoleBot       IdentityRole = "bot"
	RoleUser      IdentityRole = "user"
	RoleTransport IdentityRole = "transport"
)

type IdentityState string

const (
	StateNotStarted IdentityState = "not-started"
	StateStarting   IdentityState = "starting"
	StateRunning    IdentityState = "running"
	StateDegraded   IdentityState = "degraded"
	StateFailed     IdentityState = "failed"
)

// StartupError reports a mandatory identity that failed to start. The
// process cannot run without the bot identity, so this is fatal.
type StartupError struct {
	Role IdentityRole
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("starting %s identity: %v", e.Role, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// ErrIdentityUnavailable marks an operation that needs a degraded identity.
// Callers translate it into a capability-unavailable message for the user.
var ErrIdentityUnavailable = errors.New("identity unavailable")

// Handles are the live connections returned by EnsureStarted. User and
// Transport are nil while their identity is degraded.
type Handles struct {
	Bot       *BotClient
	User      *MTClient
	Transport *MTClient
}

// Coordinator drives the identity state machines:
//
//	NotStarted -> Starting -> Running            all identities
//	Starting   -> Failed                         bot (mandatory, fatal)
//	Starting   -> Degraded                       user/transport (optional)
//
// A degraded optional identity leaves the process serving with limited
// capability; features depending on it must report that instead of failing.
type Coordinator struct {
	Log         logger.Logger
	BotToken    string
	AppID       int
	AppHash     string
	UserSession string
	WorkersNum  int

	// start hooks, replaced in tests
	startBot       func(ctx context.Context) (*BotClient, error)
	startUser      func(ctx context.Context) (*MTClient, error)
	startTransport func(ctx context.Context) (*MTClient, error)

	mu      sync.Mutex
	states  map[IdentityRole]IdentityState
	handles Handles
}

// EnsureStarted brings all three identities up and returns live handles.
// Idempotent: once the bot identity is running, repeat calls return the
// existing handles without reconnecting anything.
func (c *Coordinator) EnsureStarted(ctx context.Context) (Handles, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.states == nil {
		c.states = map[IdentityRole]IdentityState{
			RoleBot:       StateNotStarted,
			RoleUser:      StateNotStarted,
			RoleTransport: StateNotStarted,
		}
	}

	if c.states[RoleBot] == StateRunning {
		return c.handles, nil
	}

	c.states[RoleBot] = StateStarting
	bot, err := c.botStarter()(ctx)
	if err != nil {
		c.states[RoleBot] = StateFailed
		return Handles{}, &StartupError{Role: RoleBot, Err: err}
	}
	c.states[RoleBot] = StateRunning
	c.handles.Bot = bot

	c.startOptional(ctx, RoleUser, c.userStarter(), &c.handles.User)
	c.startOptional(ctx, RoleTransport, c.transportStarter(), &c.handles.Transport)

	return c.handles, nil
}

func (c *Coordinator) startOptional(ctx context.Context, role IdentityRole, start func(context.Context) (*MTClient, error), slot **MTClient) {
	if start == nil {
		c.states[role] = StateDegraded
		c.Log.Warn("identity credential absent, running degraded", "identity", role)
		return
	}

	c.states[role] = StateStarting
	client, err := start(ctx)
	if err != nil {
		c.states[role] = StateDegraded
		c.Log.Warn("identity failed to start, running degraded", "identity", role, "error", err)
		return
	}

	c.states[role] = StateRunning
	*slot = client
}

// Handles returns the current live handles. Components keep a Coordinator
// reference and re-fetch handles per use, so a restart never leaves them
// holding stale connections.
func (c *Coordinator) Handles() Handles {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles
}

func (c *Coordinator) State(role IdentityRole) IdentityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.states == nil {
		return StateNotStarted
	}
	return c.states[role]
}

func (c *Coordinator) UserAvailable() bool {
	return c.State(RoleUser) == StateRunning
}

func (c *Coordinator) TransportAvailable() bool {
	return c.State(RoleTransport) == StateRunning
}

// Probe checks reachability of every running identity. Any failure triggers
// a best-effort restart; restart errors are logged and retried on the next
// probe, never fatal.
func (c *Coordinator) Probe(ctx context.Context) {
	healthy := true

	if bot := c.Handles().Bot; bot != nil {
		if _, err := bot.API().GetMe(); err != nil {
			c.Log.Warn("bot identity probe failed", "error", err)
			healthy = false
		}
	}
	for _, ident := range []struct {
		role   IdentityRole
		client *MTClient
	}{
		{RoleUser, c.Handles().User},
		{RoleTransport, c.Handles().Transport},
	} {
		if ident.client == nil {
			continue
		}
		if err := ident.client.Ping(ctx); err != nil {
			c.Log.Warn("identity probe failed", "identity", ident.role, "error", err)
			healthy = false
		}
	}

	if !healthy {
		c.restart(ctx)
	}
}

// RunMaintenance probes identities on a fixed interval until ctx ends.
func (c *Coordinator) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Probe(ctx)
		}
	}
}

func (c *Coordinator) restart(ctx context.Context) {
	c.Log.Info("restarting identities after failed probe")

	c.mu.Lock()
	defer c.mu.Unlock()

	if bot := c.handles.Bot; bot != nil {
		if err := bot.Reconnect(); err != nil {
			c.Log.Error("reconnecting bot identity", "error", err)
		}
	}

	for _, ident := range []struct {
		role IdentityRole
		slot **MTClient
	}{
		{RoleUser, &c.handles.User},
		{RoleTransport, &c.handles.Transport},
	} {
		var start func(context.Context) (*MTClient, error)
		if ident.role == RoleUser {
			start = c.userStarter()
		} else {
			start = c.transportStarter()
		}
		if start == nil {
			continue
		}
		if *ident.slot != nil {
			(*ident.slot).Stop()
			*ident.slot = nil
		}
		c.states[ident.role] = StateStarting
		client, err := start(ctx)
		if err != nil {
			c.states[ident.role] = StateDegraded
			c.Log.Error("restarting identity", "identity", ident.role, "error", err)
			continue
		}
		c.states[ident.role] = StateRunning
		*ident.slot = client
	}
}

// Shutdown disposes the MTProto identities and waits for the bot worker
// pool to drain.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	user, transport, bot := c.handles.User, c.handles.Transport, c.handles.Bot
	c.mu.Unlock()

	if user != nil {
		user.Stop()
	}
	if transport != nil {
		transport.Stop()
	}
	if bot != nil {
		bot.Wait()
	}
}

func (c *Coordinator) botStarter() func(ctx context.Context) (*BotClient, error) {
	if c.startBot != nil {
		return c.startBot
	}
	return func(ctx context.Context) (*BotClient, error) {
		bot := &BotClient{
			Log:        c.Log,
			APIToken:   c.BotToken,
			WorkersNum: c.WorkersNum,
		}
		if err := bot.Start(ctx); err != nil {
			return nil, err
		}
		return bot, nil
	}
}

func (c *Coordinator) userStarter() func(ctx context.Context) (*MTClient, error) {
	if c.startUser != nil {
		return c.startUser
	}
	if c.UserSession == "" {
		return nil
	}
	return func(ctx context.Context) (*MTClient, error) {
		return StartUserClient(ctx, c.Log, c.AppID, c.AppHash, c.UserSession)
	}
}

func (c *Coordinator) transportStarter() func(ctx context.Context) (*MTClient, error) {
	if c.startTransport != nil {
		return c.startTransport
	}
	return func(ctx context.Context) (*MTClient, error) {
		return StartTransportClient(ctx, c.Log, c.AppID, c.AppHash, c.BotToken)
	}
}
