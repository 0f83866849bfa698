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

type nopCloser struct{}

func (nopCloser) Close() {}

// asyncQueue is shared by every handler derived from one AsyncHandler.
type asyncQueue struct {
	ch      chan asyncItem
	wg      sync.WaitGroup
	dropped atomic.Int64
	once    sync.Once
}

// asyncItem pairs a record with the handler that must format it, so records
// from derived handlers keep their attrs and groups.
type asyncItem struct {
	h   slog.Handler
	rec slog.Record
}

// AsyncHandler moves formatting and writing off the calling goroutine. When
// the buffer is full, records are dropped and counted rather than blocking a
// request.
type AsyncHandler struct {
	inner slog.Handler
	q     *asyncQueue
}

// NewAsyncHandler starts workers draining a buffer of the given size.
func NewAsyncHandler(inner slog.Handler, buffer, workers int) *AsyncHandler {
	if workers < 1 {
		workers = 1
	}
	q := &asyncQueue{ch: make(chan asyncItem, buffer)}
	for range workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for it := range q.ch {
				_ = it.h.Handle(context.Background(), it.rec)
			}
		}()
	}
	return &AsyncHandler{inner: inner, q: q}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record, or drops it when the buffer is full.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.q.ch <- asyncItem{h: h.inner, rec: rec.Clone()}:
	default:
		h.q.dropped.Add(1)
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), q: h.q}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), q: h.q}
}

// DroppedCount returns the number of records dropped so far.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.q.dropped.Load()
}

// Close stops accepting records and waits until the buffer is drained.
// Calling it twice is safe.
func (h *AsyncHandler) Close() {
	h.q.once.Do(func() { close(h.q.ch) })
	h.q.wg.Wait()
}
