package eventloop

import (
	"errors"
	"sync"
)

// Queue errors.
var (
	// ErrQueueFull indicates a non-blocking enqueue hit the capacity
	// bound.
	ErrQueueFull = errors.New("queue full")

	// ErrQueueClosed indicates the queue no longer accepts elements.
	ErrQueueClosed = errors.New("queue closed")
)

// DefaultQueueSize is the capacity bound used by NewQueue callers that
// have no special sizing needs.
const DefaultQueueSize = 1024

// Queue is a bounded request queue drained by the event loop, one
// element per dispatch.
//
// Producers running on the loop itself must use TryEnqueue: a blocking
// enqueue from a handler would stall the only consumer. Producers on
// other goroutines may block in Enqueue and rely on the loop draining.
type Queue[T any] struct {
	name string
	ch   chan T

	closeOnce sync.Once
	closed    chan struct{}
}

// NewQueue creates a bounded queue. Capacity values below 1 fall back to
// DefaultQueueSize.
func NewQueue[T any](name string, capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = DefaultQueueSize
	}
	return &Queue[T]{
		name:   name,
		ch:     make(chan T, capacity),
		closed: make(chan struct{}),
	}
}

// Name returns the queue name used for logging and source registration.
func (q *Queue[T]) Name() string {
	return q.name
}

// Enqueue blocks until the element is accepted or the queue closes.
func (q *Queue[T]) Enqueue(v T) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- v:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	}
}

// TryEnqueue never blocks; it fails with ErrQueueFull when the bound is
// reached.
func (q *Queue[T]) TryEnqueue(v T) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- v:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close marks the queue as closed for producers. Elements already queued
// are still delivered.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the capacity bound.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
