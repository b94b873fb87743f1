package log

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one buffered log record.
type Entry struct {
	Time    time.Time  `json:"time"`
	Level   slog.Level `json:"level"`
	Message string     `json:"message"`
	Line    string     `json:"line"` // text-formatted record with attributes
}

// RingBuffer keeps the most recent log entries.
type RingBuffer struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	head     int  // next write position
	full     bool // buffer has wrapped
}

// NewRingBuffer creates a buffer holding capacity entries.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &RingBuffer{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// Add appends e, evicting the oldest entry when full.
func (rb *RingBuffer) Add(e Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % rb.capacity
	if rb.head == 0 {
		rb.full = true
	}
}

// Entries returns the last n entries at or above minLevel, oldest first.
func (rb *RingBuffer) Entries(n int, minLevel slog.Level) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	out := []Entry{}
	if n <= 0 {
		return out
	}
	total := rb.total()
	start := 0
	if rb.full {
		start = rb.head
	}
	// Walk newest to oldest so the limit applies after filtering.
	for i := total - 1; i >= 0 && len(out) < n; i-- {
		e := rb.entries[(start+i)%rb.capacity]
		if e.Level >= minLevel {
			out = append(out, e)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Lines returns the formatted text of the last n entries.
func (rb *RingBuffer) Lines(n int) []string {
	entries := rb.Entries(n, slog.LevelDebug)
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Line
	}
	return lines
}

// Total returns the number of entries currently held.
func (rb *RingBuffer) Total() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total()
}

func (rb *RingBuffer) total() int {
	if rb.full {
		return rb.capacity
	}
	return rb.head
}

// Capacity returns the buffer capacity.
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}

// BufferHandler records every entry into a RingBuffer, regardless of the
// wrapped handler's level, and forwards what the wrapped handler accepts.
type BufferHandler struct {
	wrapped slog.Handler
	buffer  *RingBuffer
	format  slog.Handler // formats the Line field, carries attrs and groups
	scratch *bytes.Buffer
	mu      *sync.Mutex
}

// NewBufferHandler creates a handler in front of wrapped. wrapped may be nil.
func NewBufferHandler(wrapped slog.Handler, buffer *RingBuffer) *BufferHandler {
	scratch := &bytes.Buffer{}
	return &BufferHandler{
		wrapped: wrapped,
		buffer:  buffer,
		format:  slog.NewTextHandler(scratch, &slog.HandlerOptions{Level: slog.LevelDebug}),
		scratch: scratch,
		mu:      &sync.Mutex{},
	}
}

func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	h.scratch.Reset()
	if err := h.format.Handle(ctx, r); err == nil {
		h.buffer.Add(Entry{
			Time:    r.Time,
			Level:   r.Level,
			Message: r.Message,
			Line:    string(bytes.TrimRight(h.scratch.Bytes(), "\n")),
		})
	}
	h.mu.Unlock()

	if h.wrapped != nil && h.wrapped.Enabled(ctx, r.Level) {
		return h.wrapped.Handle(ctx, r)
	}
	return nil
}

func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(func(inner slog.Handler) slog.Handler { return inner.WithAttrs(attrs) })
}

func (h *BufferHandler) WithGroup(name string) slog.Handler {
	return h.derive(func(inner slog.Handler) slog.Handler { return inner.WithGroup(name) })
}

func (h *BufferHandler) derive(apply func(slog.Handler) slog.Handler) *BufferHandler {
	out := *h
	out.format = apply(h.format)
	if h.wrapped != nil {
		out.wrapped = apply(h.wrapped)
	}
	return &out
}
