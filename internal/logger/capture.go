package logger

import (
	"context"
	"log/slog"
	"sync"
)

// Record is one captured log entry.
type Record struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Capture is a slog.Handler that keeps every record in memory. Tests use it to
// assert on diagnostics.
type Capture struct {
	store *captureStore
	attrs []slog.Attr
}

type captureStore struct {
	mu      sync.Mutex
	records []Record
}

// NewCapture returns the handler and a Logger writing to it at debug level.
func NewCapture() (*Capture, Logger) {
	c := &Capture{store: &captureStore{}}
	return c, New(c)
}

func (c *Capture) Enabled(context.Context, slog.Level) bool { return true }

func (c *Capture) Handle(_ context.Context, r slog.Record) error {
	rec := Record{Level: r.Level, Message: r.Message, Attrs: make(map[string]any, len(c.attrs)+r.NumAttrs())}
	for _, a := range c.attrs {
		rec.Attrs[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.Attrs[a.Key] = a.Value.Resolve().Any()
		return true
	})
	c.store.mu.Lock()
	c.store.records = append(c.store.records, rec)
	c.store.mu.Unlock()
	return nil
}

func (c *Capture) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Capture{store: c.store, attrs: append(append([]slog.Attr(nil), c.attrs...), attrs...)}
}

// WithGroup is a no-op; captured keys are flat.
func (c *Capture) WithGroup(string) slog.Handler { return c }

// Records returns a copy of everything captured so far.
func (c *Capture) Records() []Record {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return append([]Record(nil), c.store.records...)
}

// Count returns how many records were captured at exactly level.
func (c *Capture) Count(level slog.Level) int {
	n := 0
	for _, r := range c.Records() {
		if r.Level == level {
			n++
		}
	}
	return n
}
