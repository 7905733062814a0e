package plugins

import (
	"context"
	"errors"
	"testing"

	"nuclight.org/saver-tg-bot/pkg/logger"
)

type stubModule struct {
	name    string
	err     error
	started bool
}

func (m *stubModule) Name() string { return m.name }

func (m *stubModule) Start(context.Context) error {
	m.started = true
	return m.err
}

func TestStartAllContinuesPastFailures(t *testing.T) {
	broken := &stubModule{name: "broken", err: errors.New("boom")}
	healthy := &stubModule{name: "healthy"}

	r := &Registry{Log: logger.NewDiscard()}
	r.Register(broken)
	r.Register(healthy)

	r.StartAll(context.Background())

	if !broken.started || !healthy.started {
		t.Fatalf("started: broken=%v healthy=%v, want both", broken.started, healthy.started)
	}
}

func TestModulesListsRegistrationOrder(t *testing.T) {
	r := &Registry{Log: logger.NewDiscard()}
	r.Register(&stubModule{name: "a"})
	r.Register(&stubModule{name: "b"})

	got := r.Modules()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("modules = %v", got)
	}
}
