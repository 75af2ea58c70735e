// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package bridge

import "sync"

// Ring is a fixed-capacity buffer that evicts the oldest entry when full.
type Ring[T any] struct {
	mu      sync.RWMutex
	entries []T
	head    int // index of the next write once full
	total   uint64
}

// NewRing creates a ring holding at most capacity entries.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{entries: make([]T, 0, capacity)}
}

// Push appends v, evicting the oldest entry at capacity.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) < cap(r.entries) {
		r.entries = append(r.entries, v)
	} else {
		r.entries[r.head] = v
		r.head = (r.head + 1) % len(r.entries)
	}
	r.total++
}

// All returns the buffered entries, oldest first.
func (r *Ring[T]) All() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.entries))
	n := copy(out, r.entries[r.head:])
	copy(out[n:], r.entries[:r.head])
	return out
}

// Len returns the number of buffered entries.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Dropped returns how many entries have been evicted.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total - uint64(len(r.entries))
}
