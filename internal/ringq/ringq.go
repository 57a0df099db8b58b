// Package ringq implements a fixed-capacity, multi-consumer queue that sheds
// load by evicting its oldest element. Producers never block.
package ringq

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop once a queue closed without an error has been
// fully drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded ring buffer with drop-oldest overflow.
//
// Items buffered before Close remain readable: Pop returns them in order and
// only reports the close error once the buffer is empty.
type Queue[T any] struct {
	err     error
	ready   chan struct{}
	closed  chan struct{}
	onDrop  func(T)
	buf     []T
	head    int
	size    int
	dropped uint64
	mu      sync.Mutex
	done    bool
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithDropHook registers fn to be called (outside the lock) with every
// element evicted by overflow.
func WithDropHook[T any](fn func(T)) Option[T] {
	return func(q *Queue[T]) { q.onDrop = fn }
}

// New returns a queue holding at most capacity elements. A capacity below one
// is treated as one.
func New[T any](capacity int, opts ...Option[T]) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		buf:    make([]T, capacity),
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push appends v, evicting the oldest element when full. It reports false if
// the queue is already closed, in which case v is discarded.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return false
	}
	var (
		evicted    T
		hasEvicted bool
	)
	if q.size == len(q.buf) {
		evicted = q.buf[q.head]
		hasEvicted = true
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
	}
	q.buf[(q.head+q.size)%len(q.buf)] = v
	q.size++
	q.mu.Unlock()

	q.wake()
	if hasEvicted && q.onDrop != nil {
		q.onDrop(evicted)
	}
	return true
}

// TryPop removes and returns the oldest element without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Pop waits for the next element. It returns ctx.Err() if ctx ends first,
// and the close error (or ErrClosed) once the queue is closed and drained.
// Cancelling one reader has no effect on other readers.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		v, ok := q.popLocked()
		more := q.size > 0
		done, err := q.done, q.err
		q.mu.Unlock()

		if ok {
			if more {
				q.wake()
			}
			return v, nil
		}
		if done {
			if err == nil {
				err = ErrClosed
			}
			return zero, err
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.ready:
		case <-q.closed:
		}
	}
}

// Close marks the queue complete with err (nil for a clean end). Only the
// first call has any effect; it reports whether this call closed the queue.
func (q *Queue[T]) Close(err error) bool {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return false
	}
	q.done = true
	q.err = err
	q.mu.Unlock()
	close(q.closed)
	return true
}

// Done is closed once Close has been called.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.closed
}

// Err returns the error passed to Close.
func (q *Queue[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Len returns the number of buffered elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return len(q.buf)
}

// Dropped returns how many elements were evicted by overflow.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return v, true
}

// wake hands one token to a waiting reader. A reader that takes an element
// and sees more re-arms the token, so every waiter is eventually woken.
func (q *Queue[T]) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
