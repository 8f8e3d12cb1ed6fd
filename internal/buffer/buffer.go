// Package buffer batches validated step increments and flushes them to
// persistence on a fixed interval. It decouples store I/O latency from the
// per-step hot path without changing what is eventually durable.
package buffer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stepd/internal/store"
)

// FlushFunc persists one pending write. Entries are flushed in enqueue
// order; an entry is never partially flushed.
type FlushFunc func(store.PendingWrite) error

// Buffer holds pending writes in an ordered queue.
type Buffer struct {
	mu       sync.Mutex
	queue    []store.PendingWrite
	interval time.Duration
	flush    FlushFunc
	log      *slog.Logger

	onFlush func(flushed int)

	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a buffer flushing each entry through fn every interval.
func New(interval time.Duration, fn FlushFunc, log *slog.Logger) *Buffer {
	if log == nil {
		log = slog.Default()
	}
	return &Buffer{interval: interval, flush: fn, log: log}
}

// Start clears the queue and begins the periodic flush loop. Starting an
// already-running buffer is a no-op.
func (b *Buffer) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return
	}

	b.queue = nil
	b.done = make(chan struct{})
	b.running = true

	b.wg.Add(1)
	go b.flushLoop(b.done)
}

// Stop flushes synchronously and stops the loop. Safe to call when not
// running.
func (b *Buffer) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	return b.Flush()
}

// OnFlush registers a callback invoked after entries are persisted, with
// the number flushed. Set before Start.
func (b *Buffer) OnFlush(fn func(flushed int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFlush = fn
}

// Enqueue appends a pending write to the queue.
func (b *Buffer) Enqueue(w store.PendingWrite) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, w)
}

// Len returns the current queue depth.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Flush drains the entire queue in enqueue order. On a flush error the
// failing entry is dropped and the remaining entries stay queued in order.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	onFlush := b.onFlush
	b.mu.Unlock()

	for i, w := range pending {
		if err := b.flush(w); err != nil {
			// Requeue the rest ahead of anything enqueued meanwhile.
			b.mu.Lock()
			b.queue = append(pending[i+1:], b.queue...)
			b.mu.Unlock()
			if onFlush != nil && i > 0 {
				onFlush(i)
			}
			return fmt.Errorf("flush pending write: %w", err)
		}
	}

	if onFlush != nil && len(pending) > 0 {
		onFlush(len(pending))
	}
	return nil
}

// flushLoop drives the periodic flush until Stop.
func (b *Buffer) flushLoop(done chan struct{}) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := b.Flush(); err != nil {
				b.log.Warn("periodic flush failed", "error", err)
			}
		}
	}
}
