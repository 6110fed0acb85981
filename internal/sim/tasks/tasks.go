// Package tasks runs long-running jobs (snapshot encoding, world loading,
// download waits) one at a time on a background goroutine, away from both the
// transport goroutines and the simulation loop.
package tasks

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"worldsync.dev/internal/fifo"
)

type job struct {
	fn       func(ctx context.Context)
	label    string
	blocking bool
}

type Runner struct {
	log *log.Logger
	q   *fifo.Queue[job]

	blocking atomic.Int32
	current  atomic.Value // string
	done     atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func NewRunner(logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	r := &Runner{
		log:  logger,
		q:    fifo.New[job](),
		stop: make(chan struct{}),
	}
	r.current.Store("")
	return r
}

// Run queues fn. A blocking job freezes simulation time (see Blocking) for as
// long as it runs, the way a loading screen would.
func (r *Runner) Run(fn func(ctx context.Context), label string, blocking bool) {
	if r == nil || fn == nil {
		return
	}
	r.q.Push(job{fn: fn, label: label, blocking: blocking})
}

// Start launches the worker goroutine. Jobs observe ctx for cancellation.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.loop(ctx)
		}()
	})
}

func (r *Runner) loop(ctx context.Context) {
	for {
		for {
			j, ok := r.q.Pop()
			if !ok {
				break
			}
			if ctx.Err() != nil {
				return
			}
			r.exec(ctx, j)
		}
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-r.q.Wake():
		}
	}
}

func (r *Runner) exec(ctx context.Context, j job) {
	if j.blocking {
		r.blocking.Add(1)
		defer r.blocking.Add(-1)
	}
	r.current.Store(j.label)
	defer r.current.Store("")
	defer func() {
		if p := recover(); p != nil {
			r.log.Printf("task %q panicked: %v", j.label, p)
		}
		r.done.Add(1)
	}()
	j.fn(ctx)
}

// Blocking reports whether a blocking job is running.
func (r *Runner) Blocking() bool { return r != nil && r.blocking.Load() > 0 }

// Current returns the label of the running job, or "".
func (r *Runner) Current() string {
	if r == nil {
		return ""
	}
	return r.current.Load().(string)
}

// Pending is the number of queued, not yet started jobs.
func (r *Runner) Pending() int {
	if r == nil {
		return 0
	}
	return r.q.Len()
}

// Completed counts finished jobs.
func (r *Runner) Completed() uint64 {
	if r == nil {
		return 0
	}
	return r.done.Load()
}

// Close stops the worker after the current job returns.
func (r *Runner) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}
