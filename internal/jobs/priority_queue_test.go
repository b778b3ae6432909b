package jobs

import (
	"sync"
	"testing"
	"time"
)

func intLess(a, b int) bool { return a < b }

func TestPriorityQueue_BasicOrdering(t *testing.T) {
	pq := NewPriorityQueue(intLess)
	for _, v := range []int{5, 1, 3} {
		pq.Push(v)
	}

	for _, want := range []int{1, 3, 5} {
		got, ok := pq.TryPop()
		if !ok || got != want {
			t.Errorf("expected %d, got %d (ok=%v)", want, got, ok)
		}
	}

	if pq.Len() != 0 {
		t.Errorf("expected empty queue, got %d items", pq.Len())
	}
}

type tagged struct {
	prio int
	id   string
}

func TestPriorityQueue_FIFOWithinPriority(t *testing.T) {
	pq := NewPriorityQueue(func(a, b tagged) bool { return a.prio < b.prio })
	pq.Push(tagged{1, "first"})
	pq.Push(tagged{1, "second"})
	pq.Push(tagged{0, "urgent"})
	pq.Push(tagged{1, "third"})

	for _, want := range []string{"urgent", "first", "second", "third"} {
		got, _ := pq.TryPop()
		if got.id != want {
			t.Errorf("expected %q, got %q", want, got.id)
		}
	}
}

func TestPriorityQueue_Reprioritize(t *testing.T) {
	// Priority is distance to a focus point read at comparison time.
	var mu sync.Mutex
	focus := 0
	dist := func(v int) int {
		mu.Lock()
		defer mu.Unlock()
		if v > focus {
			return v - focus
		}
		return focus - v
	}
	pq := NewPriorityQueue(func(a, b int) bool { return dist(a) < dist(b) })
	for _, v := range []int{0, 5, 10} {
		pq.Push(v)
	}

	mu.Lock()
	focus = 10
	mu.Unlock()
	pq.Reprioritize()

	if got, _ := pq.TryPop(); got != 10 {
		t.Errorf("expected 10 after refocus, got %d", got)
	}
}

func TestPriorityQueue_Remove(t *testing.T) {
	pq := NewPriorityQueue(intLess)
	for i := 0; i < 10; i++ {
		pq.Push(i)
	}
	removed := pq.Remove(func(v int) bool { return v%2 == 0 })
	if len(removed) != 5 {
		t.Fatalf("expected 5 removed, got %d", len(removed))
	}
	for _, want := range []int{1, 3, 5, 7, 9} {
		if got, _ := pq.TryPop(); got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}
}

func TestPriorityQueue_PopBlocks(t *testing.T) {
	pq := NewPriorityQueue[int](nil)
	done := make(chan struct{})

	result := make(chan int, 1)
	go func() {
		v, ok := pq.Pop(done)
		if ok {
			result <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	pq.Push(42)

	select {
	case v := <-result:
		if v != 42 {
			t.Errorf("expected 42, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Push")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(done)
	}()
	if _, ok := pq.Pop(done); ok {
		t.Error("expected Pop to return false after done closed")
	}
}
