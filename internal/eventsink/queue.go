package eventsink

import "sync"

// Queue is an unbounded multi-producer, single-consumer FIFO.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

// Push appends item. It never blocks on a consumer and never fails.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// Drain removes and returns every queued item in push order.
// The result is never nil.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	if items == nil {
		return []T{}
	}
	return items
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
