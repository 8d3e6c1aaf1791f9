package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

// nopCloser is a no-op Closer for synchronous mode.
type nopCloser struct{}

func (nopCloser) Close() {}

// asyncEntry pairs a record with the handler chain that must format it, so
// derived handlers (WithAttrs, WithGroup) can share one queue.
type asyncEntry struct {
	h   slog.Handler
	rec slog.Record
}

type asyncCore struct {
	ch      chan asyncEntry
	wg      sync.WaitGroup
	dropped atomic.Int64
	once    sync.Once
}

// AsyncHandler hands records to a fixed pool of workers through a bounded
// queue. Records are dropped, and counted, when the queue is full.
type AsyncHandler struct {
	inner slog.Handler
	core  *asyncCore
}

// NewAsyncHandler creates an AsyncHandler with the given queue capacity and worker count.
func NewAsyncHandler(inner slog.Handler, queueSize, workers int) *AsyncHandler {
	c := &asyncCore{ch: make(chan asyncEntry, queueSize)}
	for range max(workers, 1) {
		c.wg.Add(1)
		go c.drain()
	}
	return &AsyncHandler{inner: inner, core: c}
}

func (c *asyncCore) drain() {
	defer c.wg.Done()
	for e := range c.ch {
		_ = e.h.Handle(context.Background(), e.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. Drops if the queue is full.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.core.ch <- asyncEntry{h: h.inner, rec: rec.Clone()}:
	default:
		h.core.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the same queue.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), core: h.core}
}

// WithGroup returns a handler sharing the same queue.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), core: h.core}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.core.dropped.Load()
}

// Close stops accepting records and waits for queued ones to be written.
// Safe to call more than once; Handle must not be called after Close.
func (h *AsyncHandler) Close() {
	h.core.once.Do(func() {
		close(h.core.ch)
		h.core.wg.Wait()
	})
}
