// Package logging provides structured JSON logging with sanitization,
// plus small helpers for rendering PTY byte traffic at debug level
// without flooding logs with full payloads.
//
// Grounded on the teacher's internal/logging/logging.go
// (SanitizingHandler, Setup), extended with a slog.LevelVar so
// internal/config's hot-reload watcher can adjust the active level
// without re-creating the handler chain.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// sensitiveKeys are keys that should be sanitized in logs.
var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"key",
	"credential",
	"passphrase",
	"auth",
}

// level is the live level backing the default logger, shared with
// SetLevel so config reloads can retune verbosity in place.
var level = new(slog.LevelVar)

// SanitizingHandler wraps a slog.Handler to sanitize sensitive data.
type SanitizingHandler struct {
	handler  slog.Handler
	sanitize bool
}

// NewSanitizingHandler creates a new sanitizing handler.
func NewSanitizingHandler(handler slog.Handler, sanitize bool) *SanitizingHandler {
	return &SanitizingHandler{
		handler:  handler,
		sanitize: sanitize,
	}
}

// Enabled implements slog.Handler.
func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *SanitizingHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.sanitize {
		return h.handler.Handle(ctx, r)
	}

	// Create a new record with sanitized attributes
	newRecord := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		newRecord.AddAttrs(h.sanitizeAttr(a))
		return true
	})

	return h.handler.Handle(ctx, newRecord)
}

// WithAttrs implements slog.Handler.
func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if h.sanitize {
		sanitized := make([]slog.Attr, len(attrs))
		for i, a := range attrs {
			sanitized[i] = h.sanitizeAttr(a)
		}
		attrs = sanitized
	}
	return &SanitizingHandler{
		handler:  h.handler.WithAttrs(attrs),
		sanitize: h.sanitize,
	}
}

// WithGroup implements slog.Handler.
func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{
		handler:  h.handler.WithGroup(name),
		sanitize: h.sanitize,
	}
}

// sanitizeAttr sanitizes an attribute if its key matches a sensitive key.
func (h *SanitizingHandler) sanitizeAttr(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(key, sensitive) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}

	// Recursively sanitize group attributes
	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		sanitized := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			sanitized[i] = h.sanitizeAttr(attr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(sanitized...)}
	}

	return a
}

// parseLevel maps a config string to a slog.Level, defaulting to Info
// for anything unrecognized.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup initializes the global logger with the given level and
// sanitization setting. The level is held in a slog.LevelVar, so later
// calls to SetLevel take effect without rebuilding the handler chain.
func Setup(levelStr string, sanitize bool) {
	level.Set(parseLevel(levelStr))

	jsonHandler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})

	handler := NewSanitizingHandler(jsonHandler, sanitize)
	logger := slog.New(handler)
	slog.SetDefault(logger)
}

// SetLevel retunes the global logger's minimum level in place, for use
// by a config hot-reload watcher.
func SetLevel(levelStr string) {
	level.Set(parseLevel(levelStr))
}

// TruncateForLog exposes truncateForLog for debug-level tracing outside
// this package, e.g. internal/ptyproc's read pump.
func TruncateForLog(s string, maxLen int) string {
	return truncateForLog(s, maxLen)
}

// HexDump exposes hexDump for debug-level tracing outside this package.
func HexDump(data []byte, maxLen int) string {
	return hexDump(data, maxLen)
}

// truncateForLog shortens s to at most maxLen bytes, appending "..." if
// anything was cut, so a single oversized log attribute can't dominate
// an output line.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// hexDump renders up to maxLen bytes of data as space-separated hex
// pairs, for debug-level PTY I/O tracing.
func hexDump(data []byte, maxLen int) string {
	n := len(data)
	if n > maxLen {
		n = maxLen
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		b := data[i]
		parts[i] = string([]byte{hexChar(b >> 4), hexChar(b & 0x0f)})
	}
	return strings.Join(parts, " ")
}

// hexChar returns the lowercase hex digit for a nibble value 0-15.
func hexChar(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'a' + (b - 10)
}
