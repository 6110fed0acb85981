package fifo

import (
	"sync"
	"testing"
)

func TestQueue_Order(t *testing.T) {
	q := New[int]()
	if _, ok := q.Pop(); ok {
		t.Fatalf("empty queue popped")
	}
	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	if v, _ := q.Peek(); v != 0 {
		t.Fatalf("peek=%d", v)
	}
	for i := 0; i < 50; i++ {
		v, ok := q.Pop()
		if !ok || v != i {
			t.Fatalf("pop %d: got %d ok=%v", i, v, ok)
		}
	}
	rest := q.PopAll()
	if len(rest) != 50 || rest[0] != 50 || rest[49] != 99 {
		t.Fatalf("PopAll: %v", rest)
	}
	if q.Len() != 0 {
		t.Fatalf("len=%d", q.Len())
	}
}

func TestQueue_WakeCoalesces(t *testing.T) {
	q := New[string]()
	q.Push("a")
	q.Push("b")
	select {
	case <-q.Wake():
	default:
		t.Fatalf("expected wake")
	}
	select {
	case <-q.Wake():
		t.Fatalf("wake should coalesce")
	default:
	}
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				q.Push(i)
			}
		}()
	}
	wg.Wait()
	if q.Len() != 8000 {
		t.Fatalf("len=%d", q.Len())
	}
}
