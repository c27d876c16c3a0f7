// Package queue provides the bounded FIFO that sits between the accept loop
// and the worker pool.
package queue

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue closed")

// Queue is a fixed-capacity FIFO. Insert blocks while the queue is full and
// Remove blocks while it is empty.
type Queue[T any] struct {
	items chan T
	done  chan struct{}
	once  sync.Once
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items: make(chan T, capacity),
		done:  make(chan struct{}),
	}
}

// Insert appends item, waiting for a free slot. It returns ErrClosed if the
// queue is closed before the item could be queued.
func (q *Queue[T]) Insert(item T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.items <- item:
		return nil
	case <-q.done:
		return ErrClosed
	}
}

// Remove takes the oldest item, waiting until one is available. After Close
// the remaining items are still handed out; ok is false once none are left.
func (q *Queue[T]) Remove() (item T, ok bool) {
	select {
	case item = <-q.items:
		return item, true
	default:
	}

	select {
	case item = <-q.items:
		return item, true
	case <-q.done:
		// Drain anything that raced in with Close.
		select {
		case item = <-q.items:
			return item, true
		default:
			return item, false
		}
	}
}

// Close wakes every blocked Insert and Remove. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}
