// Package fifo is an unbounded, goroutine-safe FIFO with a wake channel for a
// single consumer. Producers never block beyond the short critical section
// protecting the ring buffer.
package fifo

import (
	"sync"

	"github.com/eapache/queue"
)

type Queue[T any] struct {
	mu   sync.Mutex
	q    *queue.Queue
	wake chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		q:    queue.New(),
		wake: make(chan struct{}, 1),
	}
}

// Push appends v and nudges the consumer.
func (f *Queue[T]) Push(v T) {
	f.mu.Lock()
	f.q.Add(v)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Pop removes the oldest element.
func (f *Queue[T]) Pop() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	if f.q.Length() == 0 {
		return zero, false
	}
	return f.q.Remove().(T), true
}

// Peek returns the oldest element without removing it.
func (f *Queue[T]) Peek() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	if f.q.Length() == 0 {
		return zero, false
	}
	return f.q.Peek().(T), true
}

// PopAll removes and returns everything queued at the time of the call.
func (f *Queue[T]) PopAll() []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.q.Length()
	if n == 0 {
		return nil
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, f.q.Remove().(T))
	}
	return out
}

func (f *Queue[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.q.Length()
}

// Wake fires (coalesced) after a Push.
func (f *Queue[T]) Wake() <-chan struct{} { return f.wake }
