// Package mainthread serializes world-mutating work onto the simulation
// goroutine. Any goroutine may Enqueue; only the simulation loop calls Drain.
package mainthread

import (
	"worldsync.dev/internal/fifo"
)

type Queue struct {
	q *fifo.Queue[func()]
}

func NewQueue() *Queue {
	return &Queue{q: fifo.New[func()]()}
}

func (q *Queue) Enqueue(fn func()) {
	if q == nil || fn == nil {
		return
	}
	q.q.Push(fn)
}

// Drain runs every task queued before the call, in order, and returns how many
// ran. Tasks enqueued while draining run on the next Drain.
func (q *Queue) Drain() int {
	if q == nil {
		return 0
	}
	tasks := q.q.PopAll()
	for _, fn := range tasks {
		fn()
	}
	return len(tasks)
}

func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	return q.q.Len()
}

// Wake fires after an Enqueue so an idle loop can drain early.
func (q *Queue) Wake() <-chan struct{} { return q.q.Wake() }
