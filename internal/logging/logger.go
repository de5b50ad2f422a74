package logging

import (
	"log/slog"
	"os"
)

// NewLogger creates a structured logger for the given environment.
// Production emits JSON at info level; anything else emits human-readable
// text at debug level. Logs go to stderr so piped stdout stays clean.
func NewLogger(env string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	opts.Level = slog.LevelDebug

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
