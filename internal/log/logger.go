// Package log provides the process-wide slog logger with console and
// rotating file backends and an in-memory tail of recent lines.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds all logging configuration.
type Config struct {
	Mode   string // "console", "file"
	Level  string // "debug", "info", "warn", "error"
	Format string // "text", "json"

	// File-specific
	FilePath   string
	MaxSizeMB  int // Rotate when file exceeds this size
	MaxAgeDays int // Delete backups older than this
	MaxBackups int // Keep at most this many backups

	// BufferLines is the size of the in-memory tail (0 disables it).
	BufferLines int
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode:        "console",
		Level:       "info",
		Format:      "text",
		FilePath:    "huddle.log",
		MaxSizeMB:   100,
		MaxAgeDays:  7,
		MaxBackups:  3,
		BufferLines: 500,
	}
}

// ParseLevel converts a string level to slog.Level. Unknown values map to
// info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	logBuffer     *RingBuffer
	closer        io.Closer
)

// Init installs the global logger described by cfg. Calling it again
// replaces the previous logger and closes its file, if any.
func Init(cfg *Config) error {
	level := ParseLevel(cfg.Level)

	var (
		handler slog.Handler
		c       io.Closer
	)
	switch cfg.Mode {
	case "file":
		h, err := NewFileHandler(cfg, level)
		if err != nil {
			return err
		}
		handler, c = h, h
	default:
		handler = NewConsoleHandler(os.Stdout, cfg, level)
	}

	var buf *RingBuffer
	if cfg.BufferLines > 0 {
		buf = NewRingBuffer(cfg.BufferLines)
		handler = NewBufferHandler(handler, buf)
	}

	mu.Lock()
	prev := closer
	defaultLogger = slog.New(handler)
	logBuffer = buf
	closer = c
	slog.SetDefault(defaultLogger)
	mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return nil
}

// Close flushes and closes the log file when logging to a file.
func Close() error {
	mu.Lock()
	c := closer
	closer = nil
	mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// Logger returns the current default logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// FromContext returns the default logger tagged with the request id found
// in ctx, if any.
func FromContext(ctx context.Context) *slog.Logger {
	if id := GetRequestID(ctx); id != "" {
		return Logger().With("request_id", id)
	}
	return Logger()
}

// Recent returns up to n buffered entries at or above minLevel, oldest
// first. It returns nil when the buffer is disabled.
func Recent(n int, minLevel slog.Level) []Entry {
	mu.RLock()
	defer mu.RUnlock()
	if logBuffer == nil {
		return nil
	}
	return logBuffer.Entries(n, minLevel)
}

// BufferStats returns (total, capacity, ok). ok is false when the buffer is
// disabled.
func BufferStats() (total int, capacity int, ok bool) {
	mu.RLock()
	defer mu.RUnlock()
	if logBuffer == nil {
		return 0, 0, false
	}
	return logBuffer.Total(), logBuffer.Capacity(), true
}
