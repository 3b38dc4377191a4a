// Package observability provides structured logging and metrics.
package observability

import (
	"log/slog"
	"os"
)

// Logger is the global structured logger instance used throughout the broker.
var Logger *slog.Logger

func init() {
	// Sensible default until Init runs (tests import packages directly).
	Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Init configures the global logger for the given environment. Production
// emits JSON for log shippers; everything else stays human-readable.
func Init(env string) {
	var handler slog.Handler
	if env == "production" || env == "prod" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}
