package tasks

import (
	"context"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunner_FIFO(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRunner(nil)
	r.Start(ctx)
	defer r.Close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		r.Run(func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}, "job", false)
	}
	waitFor(t, func() bool { return r.Completed() == 10 })
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order: %v", got)
		}
	}
}

func TestRunner_BlockingFlagAndLabel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRunner(nil)
	r.Start(ctx)
	defer r.Close()

	release := make(chan struct{})
	r.Run(func(context.Context) { <-release }, "Waiting for other players to load", true)
	waitFor(t, r.Blocking)
	if got := r.Current(); got != "Waiting for other players to load" {
		t.Fatalf("label=%q", got)
	}
	close(release)
	waitFor(t, func() bool { return !r.Blocking() && r.Completed() == 1 })
}

func TestRunner_PanicDoesNotKillWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRunner(nil)
	r.Start(ctx)
	defer r.Close()

	r.Run(func(context.Context) { panic("boom") }, "bad", false)
	ran := make(chan struct{})
	r.Run(func(context.Context) { close(ran) }, "good", false)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker died after panic")
	}
}

func TestRunner_JobSeesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(nil)
	r.Start(ctx)
	defer r.Close()

	exited := make(chan struct{})
	r.Run(func(ctx context.Context) {
		<-ctx.Done()
		close(exited)
	}, "wait", true)
	waitFor(t, r.Blocking)
	cancel()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not observe cancellation")
	}
}
