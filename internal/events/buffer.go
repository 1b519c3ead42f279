package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pulse/internal/metrics"
)

// Buffer holds beacon events in memory until they are written in one batch.
// It flushes when FlushSize events are pending; time based and shutdown
// flushes are explicit calls to Flush made by the scheduler.
type Buffer struct {
	store     *Store
	capacity  int
	flushSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	pending  []*Event
	inflight []*Event

	flushMu sync.Mutex
}

func NewBuffer(store *Store, capacity, flushSize int, logger *slog.Logger, m *metrics.Metrics) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	if flushSize < 1 || flushSize > capacity {
		flushSize = capacity
	}
	return &Buffer{
		store:     store,
		capacity:  capacity,
		flushSize: flushSize,
		logger:    logger,
		metrics:   m,
	}
}

// Add queues event. When the buffer is full it flushes first and returns
// ErrBufferFull only if that did not free any room. Reaching the flush size
// triggers a synchronous flush whose failure keeps the events queued.
func (b *Buffer) Add(ctx context.Context, event *Event) error {
	if b.Len() >= b.capacity {
		if _, err := b.Flush(ctx); err != nil {
			b.logger.Warn("Buffer flush before add failed", slog.Any("error", err))
		}
	}

	b.mu.Lock()
	if len(b.pending) >= b.capacity {
		b.mu.Unlock()
		return ErrBufferFull
	}
	b.pending = append(b.pending, event)
	n := len(b.pending)
	b.mu.Unlock()
	b.metrics.SetBufferPending(n)

	if n >= b.flushSize {
		if _, err := b.Flush(ctx); err != nil {
			b.logger.Warn("Threshold buffer flush failed", slog.Any("error", err), slog.Int("pending", n))
		}
	}
	return nil
}

// Flush writes every pending event with one AppendBatch call. On failure the
// events go back to the front of the queue, bounded by capacity.
func (b *Buffer) Flush(ctx context.Context) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.inflight = batch
	b.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	err := b.store.AppendBatch(ctx, batch)

	b.mu.Lock()
	b.inflight = nil
	if err != nil {
		for _, event := range batch {
			event.ID = 0
		}
		restored := append(batch, b.pending...)
		if dropped := len(restored) - b.capacity; dropped > 0 {
			b.logger.Error("Dropping buffered events after failed flush", slog.Int("dropped", dropped))
			restored = restored[:b.capacity]
		}
		b.pending = restored
	}
	n := len(b.pending)
	b.mu.Unlock()
	b.metrics.SetBufferPending(n)

	if err != nil {
		return 0, err
	}

	b.metrics.BufferFlushed(len(batch))
	b.logger.Debug("Flushed buffered events", slog.Int("count", len(batch)))
	return len(batch), nil
}

// HasPending reports whether a not yet stored event for the same session and
// page was created at or after since.
func (b *Buffer) HasPending(sessionID, pageURL string, since time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, list := range [][]*Event{b.pending, b.inflight} {
		for _, event := range list {
			if event.SessionID == sessionID && event.PageURL == pageURL && !event.CreatedAt.Before(since) {
				return true
			}
		}
	}
	return false
}

// Len returns the number of queued events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
