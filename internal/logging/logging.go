// Package logging provides structured logging for socks5d.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured logger with the specified level and
// format. Supported levels: debug, info, warn(ing), error, critical,
// fatal. Supported formats: text, json, socks (the default — the
// bracketed line format documented in socksformat.go).
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl := parseLevel(level)

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = newSocksHandler(w, lvl)
	}

	return slog.New(handler)
}

// LevelFromEnv resolves the default log level from the SOCKS5D_LOG
// environment variable, falling back to WARNING when unset — matching
// the source implementation's init_logging() (renamed from PYTHON_LOG
// per spec).
func LevelFromEnv() string {
	v, ok := os.LookupEnv("SOCKS5D_LOG")
	if !ok || v == "" {
		return "warning"
	}
	return v
}

// parseLevel converts a string log level to slog.Level. Unrecognized
// values fall back to Warn, matching the source's
// `log_levels.get(level, logging.WARNING)`.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	case "CRITICAL", "FATAL":
		// slog has no level above Error; these collapse to Error.
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging.
const (
	KeyComponent  = "component"
	KeyAddress    = "address"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyError      = "error"
	KeyDuration   = "duration"
	KeyCount      = "count"
)
