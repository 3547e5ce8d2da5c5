package buffer

import (
	"sync"

	"github.com/HansOlavAarvik/BCH-server/errors"
)

// ring is the circular Buffer implementation. Indexing uses a start
// offset plus a count; the write position is always (start+count)%cap.
type ring[T any] struct {
	mu      sync.RWMutex
	buf     []T
	start   int
	count   int
	stats   *Statistics
	metrics *bufferMetrics // nil unless WithMetrics was given
	opts    *bufferOptions[T]
	closed  bool
}

func newRing[T any](capacity int, opts *bufferOptions[T]) (*ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newRing", "metrics registration")
		}
	}

	return &ring[T]{
		buf:     make([]T, capacity),
		stats:   NewStatistics(),
		metrics: metrics,
		opts:    opts,
	}, nil
}

// sizeChanged pushes the new occupancy to stats and optional metrics.
// Callers hold the write lock.
func (r *ring[T]) sizeChanged() {
	r.stats.UpdateSize(int64(r.count))
	if r.metrics != nil {
		r.metrics.updateSize(r.count, len(r.buf))
	}
}

// Write adds an item, applying the overflow policy when full. Drop
// callbacks run after the lock is released.
func (r *ring[T]) Write(item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "buffer", "Write", "buffer closed")
	}

	if r.count == len(r.buf) {
		r.stats.Overflow()
		r.stats.Drop()
		if r.metrics != nil {
			r.metrics.recordOverflow()
			r.metrics.recordDrop()
		}

		if r.opts.overflowPolicy == DropNewest {
			if cb := r.opts.dropCallback; cb != nil {
				defer cb(item)
			}
			return nil
		}

		// DropOldest: evict the item at start.
		evicted := r.buf[r.start]
		r.start = (r.start + 1) % len(r.buf)
		r.count--
		if cb := r.opts.dropCallback; cb != nil {
			defer cb(evicted)
		}
	}

	r.buf[(r.start+r.count)%len(r.buf)] = item
	r.count++

	r.stats.Write()
	if r.metrics != nil {
		r.metrics.writes.Inc()
	}
	r.sizeChanged()
	return nil
}

// takeLocked removes and returns the oldest item. Caller holds the lock
// and has checked count > 0.
func (r *ring[T]) takeLocked() T {
	var zero T
	item := r.buf[r.start]
	r.buf[r.start] = zero // release for GC
	r.start = (r.start + 1) % len(r.buf)
	r.count--
	r.stats.Read()
	return item
}

// Read retrieves and removes one item.
func (r *ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		var zero T
		return zero, false
	}

	item := r.takeLocked()
	if r.metrics != nil {
		r.metrics.reads.Inc()
	}
	r.sizeChanged()
	return item, true
}

// ReadBatch retrieves and removes up to max items.
func (r *ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	n := max
	if n > r.count {
		n = r.count
	}

	out := make([]T, n)
	for i := range out {
		out[i] = r.takeLocked()
	}
	r.sizeChanged()
	return out
}

// Peek returns the oldest item without removing it.
func (r *ring[T]) Peek() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.start], true
}

func (r *ring[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

func (r *ring[T]) Capacity() int {
	return len(r.buf) // immutable
}

func (r *ring[T]) IsFull() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count == len(r.buf)
}

func (r *ring[T]) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count == 0
}

// Clear drops every buffered item, invoking the drop callback for each
// once the lock is released.
func (r *ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb := r.opts.dropCallback; cb != nil && r.count > 0 {
		cleared := make([]T, r.count)
		for i := range cleared {
			cleared[i] = r.buf[(r.start+i)%len(r.buf)]
		}
		defer func() {
			for _, item := range cleared {
				cb(item)
			}
		}()
	}

	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start, r.count = 0, 0
	r.sizeChanged()
}

func (r *ring[T]) Stats() *Statistics {
	return r.stats
}

// Close marks the buffer closed; subsequent writes fail, reads drain.
func (r *ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
