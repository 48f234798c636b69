// Package observability centralizes logger construction. The daemon logs
// structured JSON; CLI commands log to a human-readable console encoder.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process logger used by the engine pipeline.
var Logger = zap.NewNop()

// CLILogger is used by command front-ends.
var CLILogger = zap.NewNop()

// Init builds the package loggers. level is a zap level string ("debug",
// "info", ...); format is "json" or "console".
func Init(level, format string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	switch format {
	case "", "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	Logger = logger
	CLILogger = logger.Named("cli")
	return nil
}

// Sync flushes buffered log entries; safe to call on shutdown.
func Sync() {
	_ = Logger.Sync()
	_ = CLILogger.Sync()
}
