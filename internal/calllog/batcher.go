package calllog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Batcher flush tuning defaults.
const (
	defaultFlushCount = 5
	defaultFlushDelay = 3 * time.Second
	flushTimeout      = 5 * time.Second
)

// LiveSaver is the store surface the batcher writes through.
type LiveSaver interface {
	UpdateLive(ctx context.Context, streamID string, up LiveUpdate) error
}

// Batcher coalesces live call-record updates. Each Save replaces the
// stream's pending snapshot; the batch flushes when enough saves accumulate
// or a delay after the first unflushed save elapses, whichever comes first.
// FlushStream writes a stream's snapshot synchronously at teardown so the
// finalize that follows never races a stale batch.
type Batcher struct {
	store      LiveSaver
	flushCount int
	flushDelay time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]LiveUpdate
	saves   int // saves since the last flush, counting superseded snapshots
	timer   *time.Timer
	closed  bool
}

// BatcherOption configures a [Batcher].
type BatcherOption func(*Batcher)

// WithFlushCount sets how many saves trigger a flush. Defaults to 5.
func WithFlushCount(n int) BatcherOption {
	return func(b *Batcher) {
		if n > 0 {
			b.flushCount = n
		}
	}
}

// WithFlushDelay caps how long a save can sit unflushed. Defaults to 3 s.
func WithFlushDelay(d time.Duration) BatcherOption {
	return func(b *Batcher) {
		if d > 0 {
			b.flushDelay = d
		}
	}
}

// WithBatcherLogger sets the logger for flush errors. Defaults to
// slog.Default().
func WithBatcherLogger(logger *slog.Logger) BatcherOption {
	return func(b *Batcher) {
		b.logger = logger
	}
}

// NewBatcher creates a batcher writing through store.
func NewBatcher(store LiveSaver, opts ...BatcherOption) *Batcher {
	b := &Batcher{
		store:      store,
		flushCount: defaultFlushCount,
		flushDelay: defaultFlushDelay,
		logger:     slog.Default(),
		pending:    make(map[string]LiveUpdate),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Save queues a live snapshot for the stream, replacing any pending one.
// Never blocks on the database.
func (b *Batcher) Save(streamID string, up LiveUpdate) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	b.pending[streamID] = up
	b.saves++

	if b.saves >= b.flushCount {
		batch := b.takeLocked()
		b.mu.Unlock()
		b.write(batch)
		return
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(b.flushDelay, b.flushAfterDelay)
	}
	b.mu.Unlock()
}

// FlushStream synchronously writes the stream's pending snapshot, if any.
// Call at teardown before finalizing the record.
func (b *Batcher) FlushStream(ctx context.Context, streamID string) error {
	b.mu.Lock()
	up, ok := b.pending[streamID]
	if ok {
		delete(b.pending, streamID)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	return b.store.UpdateLive(ctx, streamID, up)
}

// Close flushes everything still pending and stops the batcher. Further
// saves are dropped.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	batch := b.takeLocked()
	b.mu.Unlock()

	var lastErr error
	for streamID, up := range batch {
		if err := b.store.UpdateLive(ctx, streamID, up); err != nil {
			lastErr = err
			b.logger.Warn("call log flush failed during close",
				"stream_id", streamID, "error", err)
		}
	}
	return lastErr
}

// takeLocked removes and returns the pending batch. Must be called with
// b.mu held.
func (b *Batcher) takeLocked() map[string]LiveUpdate {
	batch := b.pending
	b.pending = make(map[string]LiveUpdate)
	b.saves = 0
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *Batcher) flushAfterDelay() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked()
	b.mu.Unlock()
	b.write(batch)
}

// write persists a taken batch. Failures are logged and skipped; a partial
// flush is better than none, and the teardown flush retries the stream's
// final state anyway.
func (b *Batcher) write(batch map[string]LiveUpdate) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for streamID, up := range batch {
		if err := b.store.UpdateLive(ctx, streamID, up); err != nil {
			b.logger.Warn("call log flush failed",
				"stream_id", streamID, "error", err)
		}
	}
}
