// Package logging builds the slog loggers used across ouroboros-media.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Options configure New.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Output defaults to stderr.
	Output io.Writer
	// NoColor disables ANSI colors, e.g. when logging to a file.
	NoColor bool
	// AddSource adds file:line to every record.
	AddSource bool
}

// New returns a tint-backed structured logger.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handler := tint.NewHandler(out, &tint.Options{
		Level:      ParseLevel(opts.Level),
		TimeFormat: time.RFC3339,
		AddSource:  opts.AddSource,
		NoColor:    opts.NoColor,
	})
	return slog.New(handler)
}

// Default returns the logger components fall back to when none is injected.
func Default() *slog.Logger {
	return New(Options{})
}

// Discard returns a logger that drops every record. Used in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
