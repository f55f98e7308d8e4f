// Package logging builds the process-wide structured logger:
// lumberjack for local rotation and, optionally, the otelslog bridge.
// The bridge is backed by a no-op OpenTelemetry logger provider, so
// bridged records are not exported anywhere.
package logging

import (
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/noop"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how logs are written.
type Config struct {
	// File, if non-empty, rotates logs through lumberjack instead of
	// writing to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Level      slog.Level

	// OtelBridge mirrors every record to the otelslog bridge when true;
	// the bridge's logger provider is a no-op one.
	OtelBridge  bool
	ServiceName string
}

// New builds a slog.Logger per cfg and installs it as slog's default.
func New(cfg Config) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: cfg.Level}

	if cfg.File != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 7),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   true,
		}
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	if cfg.OtelBridge {
		provider := noop.NewLoggerProvider()
		bridgeHandler := otelslog.NewHandler(cfg.ServiceName, otelslog.WithLoggerProvider(provider))
		handler = fanoutHandler{primary: handler, secondary: bridgeHandler}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
