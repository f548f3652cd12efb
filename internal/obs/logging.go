// Package obs centralizes the ambient observability stack: structured
// logging and OpenTelemetry tracing/metrics init, shared by every
// component of the scanner.
package obs

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the default slog logger for service, selecting a
// JSON or text handler via L0_JSON_LOG and a level via L0_LOG_LEVEL.
func InitLogging(service string) *slog.Logger {
	level := levelFromEnv()
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(os.Getenv("L0_JSON_LOG"), "true") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("L0_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
