package orchestrator

import (
	"sync"
	"sync/atomic"
)

// LatestQueue is a single-slot hand-off. Put replaces an unread value, so
// a slow consumer only ever sees the newest one.
type LatestQueue[T any] struct {
	mu          sync.Mutex
	value       T
	full        bool
	overwritten atomic.Int64
	ready       chan struct{}
}

func NewLatestQueue[T any]() *LatestQueue[T] {
	return &LatestQueue[T]{ready: make(chan struct{}, 1)}
}

// Put stores v and reports whether an unread value was overwritten.
func (q *LatestQueue[T]) Put(v T) bool {
	q.mu.Lock()
	replaced := q.full
	q.value = v
	q.full = true
	q.mu.Unlock()

	if replaced {
		q.overwritten.Add(1)
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return replaced
}

// Take removes and returns the value, if any.
func (q *LatestQueue[T]) Take() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if !q.full {
		return zero, false
	}
	v := q.value
	q.value = zero
	q.full = false
	return v, true
}

// Ready is signalled after each Put.
func (q *LatestQueue[T]) Ready() <-chan struct{} { return q.ready }

// Overwritten counts values replaced before they were read.
func (q *LatestQueue[T]) Overwritten() int64 { return q.overwritten.Load() }

// DropQueue is a bounded FIFO that rejects new items when full.
type DropQueue[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

func NewDropQueue[T any](capacity int) *DropQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &DropQueue[T]{ch: make(chan T, capacity)}
}

// Offer enqueues v, or drops it and returns false when the queue is full.
func (q *DropQueue[T]) Offer(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Poll dequeues the oldest item without blocking.
func (q *DropQueue[T]) Poll() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// C exposes the queue for select loops.
func (q *DropQueue[T]) C() <-chan T { return q.ch }

func (q *DropQueue[T]) Len() int { return len(q.ch) }

func (q *DropQueue[T]) Cap() int { return cap(q.ch) }

// Dropped counts rejected items.
func (q *DropQueue[T]) Dropped() int64 { return q.dropped.Load() }
