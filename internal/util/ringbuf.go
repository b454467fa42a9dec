package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer. When full, Push overwrites
// the oldest element. All methods are safe for concurrent use.
//
// It backs both the log tail (Snapshot) and the per-source PCM queues of the
// recording mixer (PushSlice/PopInto).
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
	lost  uint64
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends an item, overwriting the oldest if full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.pushLocked(item)
	r.mu.Unlock()
}

// PushSlice appends items in order under a single lock.
func (r *RingBuffer[T]) PushSlice(items []T) {
	r.mu.Lock()
	for _, it := range items {
		r.pushLocked(it)
	}
	r.mu.Unlock()
}

func (r *RingBuffer[T]) pushLocked(item T) {
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = item
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		r.lost++
	} else {
		r.count++
	}
}

// PopInto moves up to len(dst) of the oldest elements into dst and returns
// how many were moved.
func (r *RingBuffer[T]) PopInto(dst []T) int {
	r.mu.Lock()
	n := min(len(dst), r.count)
	var zero T
	for i := 0; i < n; i++ {
		dst[i] = r.buf[r.head]
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
	}
	r.count -= n
	r.mu.Unlock()
	return n
}

// Snapshot returns a copy of all elements in order (oldest first).
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.mu.RUnlock()
	return out
}

// Len returns the number of elements stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	n := r.count
	r.mu.RUnlock()
	return n
}

// Overwritten reports how many elements were lost to overflow.
func (r *RingBuffer[T]) Overwritten() uint64 {
	r.mu.RLock()
	n := r.lost
	r.mu.RUnlock()
	return n
}
