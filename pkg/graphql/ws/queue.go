package ws

import "sync"

// queue is an unbounded FIFO with a single consumer. push never blocks, so
// a consumer that falls behind only grows its own backlog.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

func newQueue[T any](capacity int) *queue[T] {
	return &queue[T]{
		items: make([]T, 0, capacity),
		ready: make(chan struct{}, 1),
	}
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]

	return v, true
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// wait is signalled after a push. A signal may be stale, so callers pop
// again rather than assume an item is there.
func (q *queue[T]) wait() <-chan struct{} { return q.ready }
