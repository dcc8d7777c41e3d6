// Package timeseries provides a bounded, append-only sequence with
// oldest-first eviction.
//
// Buffer is used for the session's detection history and confidence history.
// Readers get copies via Snapshot; the buffer itself is never exposed.
package timeseries

import "sync"

// Buffer is a fixed-capacity FIFO. Appending to a full buffer evicts the
// oldest item. Safe for concurrent use.
type Buffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	head     int // index of the oldest item
	count    int
	capacity int
}

// New creates a buffer holding at most capacity items.
// A capacity below 1 is treated as 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Append adds item to the tail, evicting from the head when full.
func (b *Buffer[T]) Append(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tail := (b.head + b.count) % b.capacity
	b.items[tail] = item

	if b.count < b.capacity {
		b.count++
		return
	}

	// Full: tail overwrote the oldest slot
	b.head = (b.head + 1) % b.capacity
}

// Snapshot returns a copy of the items in arrival order (oldest first).
func (b *Buffer[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.items[(b.head+i)%b.capacity]
	}
	return out
}

// Len returns the number of stored items.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Clear drops all items.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.count = 0
}
