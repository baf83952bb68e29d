package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/repoindex/repoindex/internal/common/logctx"
	"github.com/repoindex/repoindex/internal/common/logging"
)

var ErrStopped = errors.New("batcher stopped")

// Gate is consulted before accepting an item and before every flush. Wait blocks until work may proceed.
type Gate interface {
	Wait(ctx context.Context) error
}

// BatcherConfig controls batch sizes and how failed flushes are retried.
type BatcherConfig struct {
	// Largest number of items handed to a single flush. Zero means unbounded.
	MaxBatchSize int
	// Delay before the first retry of a failed flush. Zero retries immediately.
	RetryBackoff time.Duration
	// Upper bound for the exponentially growing retry delay.
	MaxRetryBackoff time.Duration
}

// Batcher accumulates items and hands them to a flush function, one flush at a time. Items that arrive while a
// flush is in flight are picked up by the next one, in arrival order. A failed batch is put back at the head of the
// pending items and retried.
type Batcher[T any] struct {
	config BatcherConfig
	flush  func(ctx *logctx.Context, batch []T) error
	gate   Gate
	clock  clock.Clock

	ctx    *logctx.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  []T
	flushing bool
	stopped  bool
	idle     chan struct{}
}

// NewBatcher creates a batcher whose flushes run under ctx. gate may be nil.
func NewBatcher[T any](
	ctx *logctx.Context,
	config BatcherConfig,
	gate Gate,
	flush func(ctx *logctx.Context, batch []T) error,
) *Batcher[T] {
	ctx, cancel := logctx.WithCancel(ctx)
	idle := make(chan struct{})
	close(idle)
	return &Batcher[T]{
		config: config,
		flush:  flush,
		gate:   gate,
		clock:  clock.RealClock{},
		ctx:    ctx,
		cancel: cancel,
		idle:   idle,
	}
}

// Add waits on the gate and then queues item for the next flush. It returns ErrStopped if the batcher has been
// stopped and ctx.Err() if ctx ends while waiting on the gate.
func (b *Batcher[T]) Add(ctx context.Context, item T) error {
	if b.gate != nil {
		if err := b.gate.Wait(ctx); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}
	b.pending = append(b.pending, item)
	if !b.flushing {
		b.flushing = true
		b.idle = make(chan struct{})
		go b.drain()
	}
	return nil
}

// Pending returns the number of items waiting to be flushed, not counting an in-flight batch.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher[T]) drain() {
	backoff := b.config.RetryBackoff
	for {
		batch, ok := b.next()
		if !ok {
			return
		}
		err := b.gateThenFlush(batch)
		if err == nil {
			backoff = b.config.RetryBackoff
			continue
		}
		if b.ctx.Err() == nil {
			logging.WithStacktrace(b.ctx.Log, err).Errorf("failed to flush batch of %d items; retrying", len(batch))
		}
		b.requeue(batch)
		if backoff > 0 {
			select {
			case <-b.clock.After(backoff):
			case <-b.ctx.Done():
			}
			backoff *= 2
			if b.config.MaxRetryBackoff > 0 && backoff > b.config.MaxRetryBackoff {
				backoff = b.config.MaxRetryBackoff
			}
		}
	}
}

// next takes the following batch off the head of the pending items. It returns false, and marks the batcher
// idle, when there is nothing left to do.
func (b *Batcher[T]) next() ([]T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || len(b.pending) == 0 {
		b.flushing = false
		close(b.idle)
		return nil, false
	}
	n := len(b.pending)
	if b.config.MaxBatchSize > 0 && n > b.config.MaxBatchSize {
		n = b.config.MaxBatchSize
	}
	batch := make([]T, n)
	copy(batch, b.pending)
	b.pending = b.pending[n:]
	return batch, true
}

func (b *Batcher[T]) gateThenFlush(batch []T) error {
	if b.gate != nil {
		if err := b.gate.Wait(b.ctx); err != nil {
			return err
		}
	}
	return b.flush(b.ctx, batch)
}

func (b *Batcher[T]) requeue(batch []T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.pending = append(batch, b.pending...)
}

// WaitIdle blocks until nothing is pending or in flight, or ctx is done.
func (b *Batcher[T]) WaitIdle(ctx context.Context) error {
	b.mu.Lock()
	idle := b.idle
	b.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels any in-flight flush and discards everything not yet flushed. It does not wait.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.pending = nil
	b.mu.Unlock()
	b.cancel()
}
