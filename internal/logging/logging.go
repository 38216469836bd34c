// Package logging builds the slog loggers used by both daemons and the CLI.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
)

// Levels accepted by ParseLevel, in increasing severity.
var Levels = []string{"debug", "info", "warn", "error"}

// NewLogger returns a text logger on stderr.
func NewLogger(level string) *slog.Logger {
	return NewLoggerWithWriter(level, "text", os.Stderr)
}

// NewLoggerWithWriter returns a logger writing to w. format is "text" or
// "json"; unknown levels fall back to info.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl, _ := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// OpenFile appends to the log file at path, creating its directory. The
// returned closer must be closed when the daemon exits.
func OpenFile(path, level string) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return NewLoggerWithWriter(level, "text", f), f, nil
}

// ParseLevel maps a level name to slog.Level. "verbose" is an alias for
// debug. The bool reports whether the name was recognized.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// NopLogger discards everything.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Recover logs a panic in the calling goroutine instead of crashing the
// daemon. onPanic, if set, runs after logging. Use with defer.
func Recover(logger *slog.Logger, name string, onPanic func(recovered any)) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error("panic recovered",
		KeyComponent, name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
	if onPanic != nil {
		onPanic(r)
	}
}

// Attribute keys shared by the daemons.
const (
	KeyComponent = "component"
	KeyChannel   = "channel"
	KeyPort      = "port"
	KeyJob       = "job"
	KeyKind      = "kind"
	KeyError     = "err"
	KeyAttempt   = "attempt"
	KeyDuration  = "duration"
	KeyHost      = "host"
	KeyWorkspace = "workspace"
)
