// Package logger configures the process-wide slog logger and carries
// request and trace identifiers through context.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/relaysh/relay/internal/config"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New builds the process logger: JSON records on stdout, tagged with the
// service name so the gate and the workers are distinguishable in a shared
// sink. At debug level records also carry source positions.
func New(cfg config.Logging) *slog.Logger {
	level := parseLevel(cfg.Level)

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	})

	return slog.New(handler).With("service", cfg.Service)
}

// parseLevel maps a config level string to slog.Level; unknown strings
// fall back to info.
func parseLevel(s string) slog.Level {
	if level, ok := levels[strings.ToLower(s)]; ok {
		return level
	}
	return slog.LevelInfo
}
