package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

type Logger = *slog.Logger

func NewLogger() Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.TimeOnly,
	}))
}

// NewDiscard returns a logger that drops everything. Used in tests.
func NewDiscard() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
