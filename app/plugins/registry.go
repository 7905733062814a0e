// Package plugins holds the feature-module registry. Modules register their
// handlers on start; a module that fails to start is logged and skipped so
// the rest of the bot keeps running.
package plugins

import (
	"context"

	"nuclight.org/saver-tg-bot/pkg/logger"
)

type Module interface {
	Name() string
	Start(ctx context.Context) error
}

type Registry struct {
	Log logger.Logger

	modules []Module
}

func (r *Registry) Register(m Module) {
	r.modules = append(r.modules, m)
}

// StartAll starts every registered module. Failures are per-module: one
// broken module never prevents the others from loading.
func (r *Registry) StartAll(ctx context.Context) {
	for _, m := range r.modules {
		if err := m.Start(ctx); err != nil {
			r.Log.Error("starting module", "module", m.Name(), "error", err)
			continue
		}
		r.Log.Info("module started", "module", m.Name())
	}
}

func (r *Registry) Modules() []string {
	names := make([]string, 0, len(r.modules))
	for _, m := range r.modules {
		names = append(names, m.Name())
	}
	return names
}
