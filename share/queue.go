package share

import "sync"

// queue is an unbounded FIFO shared between one producer side and one
// consumer side. Pushes never block; ready wakes the consumer when items
// arrive. Closing is one-way and makes further pushes fail.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{
		notify: make(chan struct{}, 1),
	}
}

// push appends an item, returning false when the queue is closed.
func (q *queue[T]) push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop removes and returns the oldest item, or ok=false when empty.
func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}

	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// drain removes and returns all queued items in FIFO order.
func (q *queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	out := q.items
	q.items = nil
	return out
}

// ready signals after a push. A received token means "re-check the queue",
// not "exactly one item is waiting".
func (q *queue[T]) ready() <-chan struct{} {
	return q.notify
}

// close marks the queue closed. Queued items stay drainable.
func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}
