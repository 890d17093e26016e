package config

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns the JSON logger shared by every component.
// Level comes from RECONCILER_LOG_LEVEL, then LOG_LEVEL, defaulting to info.
func NewLogger() *slog.Logger {
	return NewLoggerTo(os.Stdout)
}

// NewLoggerTo is NewLogger writing to w.
func NewLoggerTo(w io.Writer) *slog.Logger {
	level := GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)
	level = GetEnvLogLevel(Key("LOG_LEVEL"), level)

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// DiscardLogger returns a logger that drops every record. Intended for tests.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
