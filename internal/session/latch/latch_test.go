package latch

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBarrier_FiresOnceWhenEmptied(t *testing.T) {
	b := NewBarrier()
	b.Add(1)
	b.Add(2)
	if b.Done(1) {
		t.Fatalf("completed with 2 still pending")
	}
	if b.Done(1) {
		t.Fatalf("repeated done must be a no-op")
	}
	if got := b.Pending(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("pending=%v", got)
	}
	if !b.Done(2) {
		t.Fatalf("last done should complete")
	}
	if b.Done(2) || !b.Fired() {
		t.Fatalf("completion must fire exactly once")
	}
	select {
	case <-b.C():
	default:
		t.Fatalf("channel not closed")
	}
	// Monotone: adding after completion does not reopen the barrier.
	b.Add(3)
	if len(b.Pending()) != 0 || b.Done(3) {
		t.Fatalf("barrier reopened after completion")
	}
}

func TestBarrier_UnderflowIsNoop(t *testing.T) {
	b := NewBarrier()
	if b.Done(99) {
		t.Fatalf("done on unknown id completed the barrier")
	}
	if b.Fired() {
		t.Fatalf("empty barrier must not fire without a participant")
	}
}

func TestBarrier_MultipleWaiters(t *testing.T) {
	b := NewBarrier()
	b.Add(7)
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			errs <- b.Wait(ctx)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	b.Done(7)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("waiter: %v", err)
		}
	}
}

func TestBarrier_WaitTimeout(t *testing.T) {
	b := NewBarrier()
	b.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := b.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestSignal_AutoReset(t *testing.T) {
	s := NewSignal()
	s.Set()
	s.Set()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("second wait should block: sets coalesce into one slot")
	}
}

func TestSignal_ReleasesBlockedWaiter(t *testing.T) {
	s := NewSignal()
	got := make(chan error, 1)
	go func() { got <- s.Wait(context.Background()) }()
	time.Sleep(5 * time.Millisecond)
	s.Set()
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter not released")
	}
}

func TestSignal_Reset(t *testing.T) {
	s := NewSignal()
	s.Set()
	s.Reset()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("reset should discard the pending wakeup")
	}
}
