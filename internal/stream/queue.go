// Package stream provides an unbounded, ordered, push-only sequence backed by a channel.
//
// Producers call Push, which never blocks; a single consumer ranges over C. Close marks the
// end of the sequence: items already pushed are still delivered, then C is closed.
package stream

import "sync"

type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	wake   chan struct{}
	out    chan T
	done   chan struct{}
	once   sync.Once
}

func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: make(chan struct{}),
	}
	go q.pump()
	return q
}

// C returns the consumer side of the queue.
func (q *Queue[T]) C() <-chan T {
	return q.out
}

// Push appends v. It reports false once the queue has been closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
	return true
}

// Close finishes the sequence. Safe to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Abandon closes the queue and drops anything not yet delivered, for consumers that stopped
// reading.
func (q *Queue[T]) Abandon() {
	q.mu.Lock()
	q.items = nil
	alreadyClosed := q.closed
	q.closed = true
	q.mu.Unlock()
	if !alreadyClosed {
		q.signal()
	}
	q.once.Do(func() { close(q.done) })
}

// Len returns the number of items pushed but not yet handed to the consumer.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.wake:
			case <-q.done:
				return
			}
			continue
		}
		next := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- next:
		case <-q.done:
			return
		}
	}
}
