// Package logging builds the engine's structured loggers. Output is JSON on
// stderr so embedding programs can keep stdout for their own use.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Config names the logger. Component distinguishes subsystem loggers hanging
// off a single engine instance.
type Config struct {
	ServiceName string
	Environment string
	Component   string
	Level       string
}

func NewLogger(cfg Config) *slog.Logger {
	return NewLoggerTo(os.Stderr, cfg)
}

// NewLoggerTo writes to the given sink instead of stderr.
func NewLoggerTo(w io.Writer, cfg Config) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	log := slog.New(handler).With(
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.Environment),
	)
	if cfg.Component != "" {
		log = log.With(slog.String("component", cfg.Component))
	}
	return log
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
