package log

import (
	"io"
	"log/slog"
)

// NewConsoleHandler creates a text or json handler writing to w. Debug
// level adds source locations.
func NewConsoleHandler(w io.Writer, cfg *Config, level slog.Level) slog.Handler {
	return newFormatHandler(w, cfg.Format, level)
}

func newFormatHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
