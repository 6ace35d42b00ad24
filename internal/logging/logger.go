// Package logging builds the gateway's one structured logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a JSON logger writing to stdout. Level comes from the
// LOG_LEVEL environment variable (debug|info|warn|error), defaulting
// to info.
func New() *slog.Logger {
	return NewWithLevel(os.Getenv("LOG_LEVEL"))
}

func NewWithLevel(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}
