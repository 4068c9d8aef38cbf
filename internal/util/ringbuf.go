package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer. When full, Push overwrites
// the oldest element. All methods are safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a ring buffer with the given capacity.
// A capacity below 1 is raised to 1.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends an item, overwriting the oldest if full. The overwritten
// item is returned with evicted=true.
func (r *RingBuffer[T]) Push(item T) (old T, evicted bool) {
	r.mu.Lock()
	idx := (r.head + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		old, evicted = r.buf[idx], true
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
	r.buf[idx] = item
	r.mu.Unlock()
	return old, evicted
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

// Find returns the newest element matching pred.
func (r *RingBuffer[T]) Find(pred func(T) bool) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := r.count - 1; i >= 0; i-- {
		v := r.buf[(r.head+i)%len(r.buf)]
		if pred(v) {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// Replace swaps the oldest element matching pred for item, keeping its
// position. Reports whether a match was found.
func (r *RingBuffer[T]) Replace(pred func(T) bool, item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % len(r.buf)
		if pred(r.buf[idx]) {
			r.buf[idx] = item
			return true
		}
	}
	return false
}

// RemoveIf drops every element matching pred, preserving the order of the
// rest, and returns how many were removed.
func (r *RingBuffer[T]) RemoveIf(pred func(T) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := make([]T, 0, r.count)
	for i := 0; i < r.count; i++ {
		v := r.buf[(r.head+i)%len(r.buf)]
		if !pred(v) {
			kept = append(kept, v)
		}
	}
	removed := r.count - len(kept)
	if removed == 0 {
		return 0
	}
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	copy(r.buf, kept)
	r.head = 0
	r.count = len(kept)
	return removed
}

// Len returns the number of elements stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	n := r.count
	r.mu.RUnlock()
	return n
}

// Cap returns the fixed capacity.
func (r *RingBuffer[T]) Cap() int { return len(r.buf) }
