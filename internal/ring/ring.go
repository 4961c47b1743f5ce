// Package ring provides a fixed-capacity FIFO buffer that overwrites its
// oldest entry once full.
package ring

import "sync"

// Buffer is safe for concurrent use. The zero value is not usable; call New.
type Buffer[T any] struct {
	mu    sync.RWMutex
	items []T
	next  int
	size  int
}

// New returns a buffer holding at most capacity items. A non-positive
// capacity is treated as 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest item when the buffer is full.
func (b *Buffer[T]) Push(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[b.next] = v
	b.next = (b.next + 1) % len(b.items)
	if b.size < len(b.items) {
		b.size++
	}
}

func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Last returns the most recently pushed item.
func (b *Buffer[T]) Last() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var zero T
	if b.size == 0 {
		return zero, false
	}
	idx := (b.next - 1 + len(b.items)) % len(b.items)
	return b.items[idx], true
}

// Items returns a copy of the contents, oldest first.
func (b *Buffer[T]) Items() []T {
	return b.Tail(0)
}

// Tail returns up to n of the newest items, oldest first. n <= 0 means all.
func (b *Buffer[T]) Tail(n int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > b.size {
		n = b.size
	}
	out := make([]T, 0, n)
	start := (b.next - n + len(b.items)) % len(b.items)
	for i := 0; i < n; i++ {
		out = append(out, b.items[(start+i)%len(b.items)])
	}
	return out
}

// Filter returns the items for which keep reports true, oldest first.
func (b *Buffer[T]) Filter(keep func(T) bool) []T {
	out := make([]T, 0)
	for _, v := range b.Items() {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.next = 0
	b.size = 0
}
