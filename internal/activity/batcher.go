// Package activity buffers activity-log events in memory and flushes them to
// the store in batches, by size, by time, and once at shutdown. Batching
// turns one write per request into one write per ~50 requests.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"keygate/internal/config"
	"keygate/internal/infrastructure"
	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

// Batcher accumulates activity entries and writes them in bulk. A flush
// takes ownership of the current buffer and installs a fresh one before
// writing, so appends racing an in-flight flush land in the new buffer and
// are neither lost nor double-submitted.
type Batcher struct {
	store   store.Store
	logger  *slog.Logger
	metrics *infrastructure.EngineMetrics

	batchSize     int
	flushInterval time.Duration
	bufferCap     int
	now           func() time.Time

	mu        sync.Mutex
	buf       []domain.ActivityEntry
	lastFlush time.Time
	flushing  bool

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithThresholds overrides batch size and flush interval, for tests.
func WithThresholds(batchSize int, flushInterval time.Duration) Option {
	return func(b *Batcher) {
		b.batchSize = batchSize
		b.flushInterval = flushInterval
	}
}

// WithBufferCap overrides the hard buffer cap.
func WithBufferCap(n int) Option {
	return func(b *Batcher) { b.bufferCap = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Batcher) { b.now = now }
}

// WithMetrics attaches engine metrics instruments.
func WithMetrics(m *infrastructure.EngineMetrics) Option {
	return func(b *Batcher) { b.metrics = m }
}

// NewBatcher creates a batcher and starts its background flush timer. Call
// Close before process exit to drain the buffer.
func NewBatcher(st store.Store, logger *slog.Logger, opts ...Option) *Batcher {
	b := &Batcher{
		store:         st,
		logger:        logger.With(slog.String("component", "activity_batcher")),
		batchSize:     config.ActivityBatchSize,
		flushInterval: config.ActivityFlushInterval,
		bufferCap:     config.ActivityBufferCap,
		now:           time.Now,
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastFlush = b.now()

	b.wg.Add(1)
	go b.run()
	return b
}

// Append pushes one entry and triggers a flush when the size or time
// threshold is reached. Append never blocks on the store.
func (b *Batcher) Append(entry domain.ActivityEntry) {
	b.mu.Lock()
	if len(b.buf) >= b.bufferCap {
		// Sustained store outage: bound memory by dropping the oldest entry.
		b.buf = b.buf[1:]
		b.logger.Warn("activity buffer at cap, dropping oldest entry",
			slog.Int("cap", b.bufferCap))
	}
	b.buf = append(b.buf, entry)
	shouldFlush := len(b.buf) >= b.batchSize || b.now().Sub(b.lastFlush) >= b.flushInterval
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.BufferedEntries.Add(context.Background(), 1)
	}
	if shouldFlush {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered entries.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Flush writes the current buffer as one batch. On failure the snapshot is
// put back at the front of the buffer for the next trigger; entries are
// never silently dropped short of the buffer cap.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.flushing || len(b.buf) == 0 {
		b.mu.Unlock()
		return nil
	}
	b.flushing = true
	taken := b.buf
	b.buf = make([]domain.ActivityEntry, 0, b.batchSize)
	b.mu.Unlock()

	err := b.store.AppendActivityBatch(ctx, taken)

	b.mu.Lock()
	b.flushing = false
	if err != nil {
		// Requeue ahead of anything appended while the write was in flight.
		requeued := append(taken, b.buf...)
		if over := len(requeued) - b.bufferCap; over > 0 {
			requeued = requeued[over:]
			b.logger.Warn("activity buffer overflow after failed flush, dropping oldest entries",
				slog.Int("dropped", over))
		}
		b.buf = requeued
		b.mu.Unlock()

		if b.metrics != nil {
			b.metrics.FlushFailures.Add(ctx, 1)
		}
		b.logger.Error("activity flush failed, entries retained for retry",
			slog.Int("entries", len(taken)),
			slog.String("error", err.Error()))
		return err
	}
	b.lastFlush = b.now()
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.FlushCount.Add(ctx, 1)
		b.metrics.BufferedEntries.Add(ctx, int64(-len(taken)))
	}
	b.logger.Info("activity log flushed", slog.Int("entries", len(taken)))
	return nil
}

// Close stops the background timer and performs one best-effort synchronous
// flush.
func (b *Batcher) Close(ctx context.Context) error {
	close(b.stop)
	b.wg.Wait()
	return b.Flush(ctx)
}

// run re-checks the time trigger even when no new appends arrive.
func (b *Batcher) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flushWithTimeout()
		case <-b.kick:
			b.flushWithTimeout()
		case <-b.stop:
			return
		}
	}
}

func (b *Batcher) flushWithTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), config.StoreTimeout)
	defer cancel()
	// Error already logged and entries requeued inside Flush.
	_ = b.Flush(ctx)
}
