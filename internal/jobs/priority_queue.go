package jobs

import (
	"container/heap"
	"sync"
)

// Less reports whether a should be dequeued before b.
type Less[T any] func(a, b T) bool

// PriorityQueue is a thread-safe priority queue.
// Items for which less reports neither order are dequeued FIFO.
type PriorityQueue[T any] struct {
	mu     sync.Mutex
	items  itemHeap[T]
	seq    uint64        // Sequence number for FIFO ordering within same priority
	notify chan struct{} // Signaled when items are pushed
}

// NewPriorityQueue creates a queue ordered by less. A nil less gives FIFO.
func NewPriorityQueue[T any](less Less[T]) *PriorityQueue[T] {
	if less == nil {
		less = func(T, T) bool { return false }
	}
	pq := &PriorityQueue[T]{
		items:  itemHeap[T]{less: less},
		notify: make(chan struct{}, 1), // Buffered to avoid blocking Push
	}
	heap.Init(&pq.items)
	return pq
}

// Push adds an item to the queue.
func (pq *PriorityQueue[T]) Push(v T) {
	pq.mu.Lock()
	pq.seq++
	heap.Push(&pq.items, &item[T]{value: v, seq: pq.seq})
	pq.mu.Unlock()
	pq.signal()
}

func (pq *PriorityQueue[T]) signal() {
	select {
	case pq.notify <- struct{}{}:
	default:
		// Channel already has a pending notification
	}
}

// Pop removes and returns the first item.
// Blocks until an item is available or done is closed.
func (pq *PriorityQueue[T]) Pop(done <-chan struct{}) (T, bool) {
	for {
		if v, ok := pq.TryPop(); ok {
			return v, true
		}
		select {
		case <-done:
			var zero T
			return zero, false
		case <-pq.notify:
			// Item may have been pushed, loop to check
		}
	}
}

// TryPop pops without blocking.
func (pq *PriorityQueue[T]) TryPop() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.items.Len() == 0 {
		var zero T
		return zero, false
	}
	it := heap.Pop(&pq.items).(*item[T])
	return it.value, true
}

// Reprioritize restores heap order after the inputs of less changed.
func (pq *PriorityQueue[T]) Reprioritize() {
	pq.mu.Lock()
	heap.Init(&pq.items)
	pq.mu.Unlock()
}

// Remove deletes every item matching pred and returns them.
func (pq *PriorityQueue[T]) Remove(pred func(T) bool) []T {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	var removed []T
	kept := pq.items.items[:0]
	for _, it := range pq.items.items {
		if pred(it.value) {
			removed = append(removed, it.value)
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(pq.items.items); i++ {
		pq.items.items[i] = nil
	}
	pq.items.items = kept
	if len(removed) > 0 {
		heap.Init(&pq.items)
	}
	return removed
}

// Len returns the number of items in the queue.
func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.items.Len()
}

// item wraps a value with a sequence number for heap ordering.
type item[T any] struct {
	value T
	seq   uint64
}

// itemHeap implements heap.Interface.
type itemHeap[T any] struct {
	items []*item[T]
	less  Less[T]
}

func (h itemHeap[T]) Len() int { return len(h.items) }

func (h itemHeap[T]) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.less(a.value, b.value) {
		return true
	}
	if h.less(b.value, a.value) {
		return false
	}
	return a.seq < b.seq
}

func (h itemHeap[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *itemHeap[T]) Push(x any) {
	h.items = append(h.items, x.(*item[T]))
}

func (h *itemHeap[T]) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // Avoid memory leak
	h.items = old[0 : n-1]
	return it
}
