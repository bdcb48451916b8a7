// Package queue provides the unbounded FIFO used by the event loop, the
// identity streams, and the change-feed subscribers.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a thread-safe, unbounded FIFO.
//
// The queue is unbounded so producers (I/O goroutines posting continuations,
// change-feed pollers) never block on a slow consumer.
//
// A buffered signal channel of size 1 coalesces wakeups and lets consumers
// wait in a select alongside ctx.Done().
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items:  make([]T, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds v to the back of the queue.
// Returns false if the queue is closed.
func (q *Queue[T]) Enqueue(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, v)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes and returns the front item without blocking.
// Returns false if the queue is empty.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	v := q.items[0]

	// Zero the slot so the backing array does not pin the item.
	q.items[0] = zero

	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return v, true
}

// Next blocks until an item is available, the queue is closed and empty
// (ErrClosed), or ctx is done.
func (q *Queue[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		if v, ok := q.TryDequeue(); ok {
			return v, nil
		}
		if q.drained() {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.signal:
			// Loop back to TryDequeue. A closed signal channel fires
			// immediately, which drains the remainder then returns ErrClosed.
		}
	}
}

// Wait returns a channel that signals when items may be available.
// The channel is closed when the queue is closed.
func (q *Queue[T]) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops further enqueues and wakes every waiter.
// Items already queued can still be dequeued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

func (q *Queue[T]) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}
