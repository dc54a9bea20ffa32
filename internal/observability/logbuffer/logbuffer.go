// Package logbuffer keeps the most recent log records in memory so they can be served over HTTP.
package logbuffer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one captured log record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Source    string         `json:"source,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Buffer is a fixed-size ring of log entries. It is safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// New returns a buffer holding at most size entries. A size of zero keeps nothing.
func New(size int) *Buffer {
	if size < 0 {
		size = 0
	}
	return &Buffer{entries: make([]Entry, size)}
}

// Add appends e, overwriting the oldest entry once the buffer is full.
func (b *Buffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return
	}
	b.entries[b.next] = e
	b.next++
	if b.next == len(b.entries) {
		b.next = 0
		b.full = true
	}
}

// Entries returns a copy of the buffered entries, oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		out := make([]Entry, b.next)
		copy(out, b.entries[:b.next])
		return out
	}
	out := make([]Entry, 0, len(b.entries))
	out = append(out, b.entries[b.next:]...)
	out = append(out, b.entries[:b.next]...)
	return out
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.entries)
	}
	return b.next
}

// Clear drops every buffered entry.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.entries)
	b.next = 0
	b.full = false
}

// Handler tees records into a Buffer before passing them to the next handler.
type Handler struct {
	next   slog.Handler
	buf    *Buffer
	attrs  []slog.Attr
	groups []string
}

// NewHandler wraps next so every record it accepts is also captured in buf.
func NewHandler(next slog.Handler, buf *Buffer) *Handler {
	return &Handler{next: next, buf: buf}
}

// Enabled defers to the wrapped handler so the buffer honours the configured level.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle captures r and forwards it.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	h.buf.Add(h.entry(r))
	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	clone.next = h.next.WithAttrs(attrs)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, h.qualify(a))
	}
	return clone
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	clone.next = h.next.WithGroup(name)
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *Handler) clone() *Handler {
	return &Handler{
		next:   h.next,
		buf:    h.buf,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

// qualify prefixes a with the open groups so grouped keys stay distinguishable in Data.
func (h *Handler) qualify(a slog.Attr) slog.Attr {
	for i := len(h.groups) - 1; i >= 0; i-- {
		a = slog.Group(h.groups[i], a)
	}
	return a
}

func (h *Handler) entry(r slog.Record) Entry {
	e := Entry{
		Timestamp: r.Time.UTC(),
		Level:     r.Level.String(),
		Message:   r.Message,
	}
	data := make(map[string]any)
	add := func(a slog.Attr) {
		a.Value = a.Value.Resolve()
		if a.Key == "component" && len(h.groups) == 0 {
			e.Source = a.Value.String()
			return
		}
		if a.Equal(slog.Attr{}) {
			return
		}
		setAttr(data, a)
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(h.qualify(a))
		return true
	})
	if len(data) > 0 {
		e.Data = data
	}
	return e
}

func setAttr(dst map[string]any, a slog.Attr) {
	if a.Value.Kind() != slog.KindGroup {
		if err, ok := a.Value.Any().(error); ok {
			dst[a.Key] = err.Error()
			return
		}
		dst[a.Key] = a.Value.Any()
		return
	}
	attrs := a.Value.Group()
	if len(attrs) == 0 {
		return
	}
	if a.Key == "" {
		for _, ga := range attrs {
			setAttr(dst, ga)
		}
		return
	}
	sub, ok := dst[a.Key].(map[string]any)
	if !ok {
		sub = make(map[string]any)
		dst[a.Key] = sub
	}
	for _, ga := range attrs {
		ga.Value = ga.Value.Resolve()
		setAttr(sub, ga)
	}
}
