// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package buffer implements the append-only sample store that the
// acquisition loop writes and callers read while streaming.
package buffer

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// MinCapacity is the capacity of a new or cleared buffer.
const MinCapacity = 4096

// Buffer is an append-only sequence backed by a preallocated array that
// doubles on overflow. It is safe for one writer and any number of readers.
type Buffer[T any] struct {
	mu   sync.RWMutex
	data []T // len(data) is the physical capacity
	size int
	gen  uint64 // bumped by Clear
}

// New returns an empty buffer with MinCapacity slots.
func New[T any]() *Buffer[T] {
	return &Buffer[T]{data: make([]T, MinCapacity)}
}

// Append adds one record, growing the backing array when full.
func (b *Buffer[T]) Append(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == len(b.data) {
		grown := make([]T, 2*len(b.data))
		copy(grown, b.data[:b.size])
		b.data = grown
		log.Debugf("buffer: resizing memory for %d samples", len(b.data))
	}
	b.data[b.size] = v
	b.size++
}

// Len returns the number of valid records.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the physical capacity.
func (b *Buffer[T]) Cap() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// At returns record i. It panics when i is outside [0, Len()).
func (b *Buffer[T]) At(i int) T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i < 0 || i >= b.size {
		panic("buffer: index out of range")
	}
	return b.data[i]
}

// Last returns the most recent record.
func (b *Buffer[T]) Last() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		var zero T
		return zero, false
	}
	return b.data[b.size-1], true
}

// Range returns a copy of records [from, to), clipped to the valid range.
func (b *Buffer[T]) Range(from, to int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if to > b.size {
		to = b.size
	}
	if from >= to {
		return nil
	}
	out := make([]T, to-from)
	copy(out, b.data[from:to])
	return out
}

// Since returns a copy of the records from index from onward, together with
// the current size and generation. When gen is not the current generation
// the buffer was cleared since the caller last looked, and the copy starts
// at 0 instead.
func (b *Buffer[T]) Since(from int, gen uint64) (out []T, size int, cur uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if gen != b.gen || from < 0 || from > b.size {
		from = 0
	}
	if from < b.size {
		out = make([]T, b.size-from)
		copy(out, b.data[from:b.size])
	}
	return out, b.size, b.gen
}

// Generation counts the Clear calls so far.
func (b *Buffer[T]) Generation() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gen
}

// Tail returns a copy of the last n records.
func (b *Buffer[T]) Tail(n int) []T {
	size := b.Len()
	return b.Range(size-n, size)
}

// Finalize returns a snapshot trimmed to exactly Len() records.
// The buffer itself is left untouched.
func (b *Buffer[T]) Finalize() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]T, b.size)
	copy(out, b.data[:b.size])
	return out
}

// Clear drops all records and resets the capacity to MinCapacity.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = make([]T, MinCapacity)
	b.size = 0
	b.gen++
}
