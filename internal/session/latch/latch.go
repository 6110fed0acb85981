// Package latch holds the two rendezvous primitives used during world downloads.
package latch

import (
	"context"
	"sort"
	"sync"
)

// Barrier completes once every participant added to it has reported Done.
// Completion fires at most once; a new cycle needs a new Barrier.
type Barrier struct {
	mu      sync.Mutex
	pending map[uint64]struct{}
	fired   bool
	done    chan struct{}
}

func NewBarrier() *Barrier {
	return &Barrier{
		pending: map[uint64]struct{}{},
		done:    make(chan struct{}),
	}
}

// Add registers a participant. Adding after completion is ignored.
func (b *Barrier) Add(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fired {
		return
	}
	b.pending[id] = struct{}{}
}

// Done removes id and reports whether this call completed the barrier.
// Unknown or repeated ids are a no-op.
func (b *Barrier) Done(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[id]; !ok {
		return false
	}
	delete(b.pending, id)
	if len(b.pending) != 0 || b.fired {
		return false
	}
	b.fired = true
	close(b.done)
	return true
}

// Pending lists ids still outstanding, sorted.
func (b *Barrier) Pending() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint64, 0, len(b.pending))
	for id := range b.pending {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *Barrier) Fired() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fired
}

// C is closed on completion; any number of goroutines may wait on it.
func (b *Barrier) C() <-chan struct{} { return b.done }

// Wait blocks until completion or ctx ends. Never call it from the simulation loop.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signal is a single-slot auto-reset event: Set stores one wakeup (extra Sets
// coalesce) and each Wait consumes it.
type Signal struct {
	ch chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

func (s *Signal) Set() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset discards a pending wakeup.
func (s *Signal) Reset() {
	select {
	case <-s.ch:
	default:
	}
}
