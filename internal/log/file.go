package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// fileSink is the rotating writer shared by a FileHandler and every handler
// derived from it with WithAttrs/WithGroup.
type fileSink struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64 // bytes
	maxAge     int   // days
	maxBackups int
	size       int64
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return 0, os.ErrClosed
	}
	if s.size >= s.maxSize {
		if err := s.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := s.file.Write(p)
	s.size += int64(n)
	return n, err
}

// rotate renames the current file to a timestamped backup and starts a new
// one. Caller holds mu.
func (s *fileSink) rotate() error {
	s.file.Close()

	backup := s.path + "." + time.Now().Format("2006-01-02T15-04-05.000")
	if err := os.Rename(s.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	s.pruneBackups()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.file = nil
		return fmt.Errorf("create new log file: %w", err)
	}
	s.file = file
	s.size = 0
	return nil
}

// pruneBackups keeps the newest maxBackups backups younger than maxAge.
func (s *fileSink) pruneBackups() {
	matches, err := filepath.Glob(s.path + ".*")
	if err != nil {
		return
	}

	type backup struct {
		path string
		mod  time.Time
	}
	backups := make([]backup, 0, len(matches))
	for _, path := range matches {
		if info, err := os.Stat(path); err == nil {
			backups = append(backups, backup{path, info.ModTime()})
		}
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].mod.After(backups[j].mod) })

	cutoff := time.Now().AddDate(0, 0, -s.maxAge)
	for i, b := range backups {
		if i >= s.maxBackups || (s.maxAge > 0 && b.mod.Before(cutoff)) {
			os.Remove(b.path)
		}
	}
}

func (s *fileSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// FileHandler writes logs to a file, rotating it by size.
type FileHandler struct {
	sink  *fileSink
	inner slog.Handler
}

// NewFileHandler opens cfg.FilePath for appending, creating its directory
// if needed.
func NewFileHandler(cfg *Config, level slog.Level) (*FileHandler, error) {
	dir := filepath.Dir(cfg.FilePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	maxSize := int64(cfg.MaxSizeMB) * 1024 * 1024
	if maxSize < 1024 {
		maxSize = 1024
	}

	sink := &fileSink{
		file:       file,
		path:       cfg.FilePath,
		maxSize:    maxSize,
		maxAge:     cfg.MaxAgeDays,
		maxBackups: cfg.MaxBackups,
		size:       info.Size(),
	}
	return &FileHandler{sink: sink, inner: newFormatHandler(sink, cfg.Format, level)}, nil
}

func (h *FileHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *FileHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *FileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &FileHandler{sink: h.sink, inner: h.inner.WithAttrs(attrs)}
}

func (h *FileHandler) WithGroup(name string) slog.Handler {
	return &FileHandler{sink: h.sink, inner: h.inner.WithGroup(name)}
}

// Close closes the underlying file.
func (h *FileHandler) Close() error {
	return h.sink.close()
}
