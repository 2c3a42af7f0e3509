// Package list provides a bounded, append-only collection.
package list

import "errors"

// ErrFull is returned by Add once the list holds Cap elements.
var ErrFull = errors.New("list: capacity reached")

// List keeps elements in insertion order. There is no removal primitive.
// Not safe for concurrent use: fill it during setup, iterate afterwards.
type List[T any] struct {
	items []T
}

// New returns an empty list that accepts at most capacity elements.
func New[T any](capacity int) *List[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &List[T]{items: make([]T, 0, capacity)}
}

// Add appends v, or returns ErrFull without modifying the list.
func (l *List[T]) Add(v T) error {
	if len(l.items) == cap(l.items) {
		return ErrFull
	}
	l.items = append(l.items, v)
	return nil
}

func (l *List[T]) Len() int { return len(l.items) }

func (l *List[T]) Cap() int { return cap(l.items) }

// At returns the i-th element in insertion order.
func (l *List[T]) At(i int) T {
	return l.items[i]
}

// Each calls fn for every element in insertion order.
func (l *List[T]) Each(fn func(i int, v T)) {
	for i, v := range l.items {
		fn(i, v)
	}
}
