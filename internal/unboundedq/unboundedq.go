// Package unboundedq provides a FIFO queue where pushing never blocks.
package unboundedq

import (
	"context"
	"errors"
	"sync"

	list "github.com/bahlo/generic-list-go"
)

// ErrClosed is returned by Pop once the queue has been closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO queue with a single consumer. Any number of
// goroutines may Push concurrently, but only one goroutine may Pop.
type Queue[T any] struct {
	mtx    sync.Mutex
	l      *list.List[T]
	closed bool

	signal chan struct{}
	done   chan struct{}
}

// New returns a new, empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		l:      list.New[T](),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push adds v to the back of the queue. It returns false if the queue was
// already closed, in which case v is discarded.
func (q *Queue[T]) Push(v T) bool {
	q.mtx.Lock()
	if q.closed {
		q.mtx.Unlock()
		return false
	}
	q.l.PushBack(v)
	q.mtx.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Pop removes and returns the item at the front of the queue, waiting until
// one is available. Items pushed before Close are still returned after it.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mtx.Lock()
		if q.l.Len() > 0 {
			v := q.l.Remove(q.l.Front())
			q.mtx.Unlock()
			return v, nil
		}
		closed := q.closed
		q.mtx.Unlock()

		var zero T
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-q.signal:
		case <-q.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mtx.Lock()
	n := q.l.Len()
	q.mtx.Unlock()
	return n
}

// Close stops the queue from accepting new items. It is safe to call more
// than once.
func (q *Queue[T]) Close() {
	q.mtx.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mtx.Unlock()
}

// Clear discards every queued item, returning how many were dropped.
func (q *Queue[T]) Clear() int {
	q.mtx.Lock()
	n := q.l.Len()
	q.l.Init()
	q.mtx.Unlock()
	return n
}
