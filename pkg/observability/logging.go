package observability

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger builds the fabric's structured logger. Components derive their
// own with .With("component", ...).
func NewLogger(level slog.Level) *slog.Logger {
	return NewLoggerTo(os.Stderr, level)
}

// NewLoggerTo writes JSON logs to w at the given level.
func NewLoggerTo(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
