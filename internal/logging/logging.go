// Package logging builds the slog loggers used by rtcrd and rtcr.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// NewLogger creates a Logger writing to w in the given format ("json" or
// "text"; anything else is treated as text). If debug is true the level is
// DEBUG and source locations are added, else it's INFO.
func NewLogger(w io.Writer, debug bool, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// OpenLogFile opens logfile for appending, creating it and its directory if
// needed.
func OpenLogFile(logfile string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logfile), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logfile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logfile, err)
	}

	return f, nil
}
