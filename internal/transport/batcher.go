package transport

import (
	"sync"
	"time"
)

// batcher accumulates same-kind outbound records and hands them to flush in
// one slice, either when the buffer reaches threshold or when debounce has
// elapsed since the first unflushed record. flush runs on a timer goroutine
// or the caller's goroutine and must not call back into the batcher.
type batcher[T any] struct {
	mu        sync.Mutex
	buf       []T
	threshold int
	debounce  time.Duration
	timer     *time.Timer
	flush     func([]T)
}

func newBatcher[T any](threshold int, debounce time.Duration, flush func([]T)) *batcher[T] {
	if threshold <= 0 {
		threshold = 20
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &batcher[T]{threshold: threshold, debounce: debounce, flush: flush}
}

// Add queues one record. Reaching the size threshold flushes immediately;
// otherwise the debounce timer is armed once per batch window.
func (b *batcher[T]) Add(record T) {
	b.mu.Lock()
	b.buf = append(b.buf, record)
	if len(b.buf) >= b.threshold {
		batch := b.drainLocked()
		b.mu.Unlock()
		b.flush(batch)
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.debounce, b.Flush)
	}
	b.mu.Unlock()
}

// Flush delivers any queued records immediately.
func (b *batcher[T]) Flush() {
	b.mu.Lock()
	batch := b.drainLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.flush(batch)
	}
}

func (b *batcher[T]) drainLocked() []T {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.buf
	b.buf = nil
	return batch
}

// Len reports the number of queued records.
func (b *batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}
