package sequence

import "sync/atomic"

type queueNode[T any] struct {
	value T
	next  atomic.Pointer[queueNode[T]]
}

// Queue is an unbounded multi-producer multi-consumer FIFO queue built on
// the Michael-Scott algorithm. The zero value is not usable; call NewQueue.
type Queue[T any] struct {
	head atomic.Pointer[queueNode[T]]
	tail atomic.Pointer[queueNode[T]]
	size atomic.Int64
}

func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	sentinel := &queueNode[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Enqueue appends value at the tail. It never blocks.
func (q *Queue[T]) Enqueue(value T) {
	node := &queueNode[T]{value: value}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			// tail is lagging, help it forward
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, node) {
			q.tail.CompareAndSwap(tail, node)
			q.size.Add(1)
			return
		}
	}
}

// Dequeue removes the head value. ok is false when the queue is empty.
func (q *Queue[T]) Dequeue() (value T, ok bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if next == nil {
			return value, false
		}
		if head == tail {
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if q.head.CompareAndSwap(head, next) {
			value = next.value
			var zero T
			// next is the new sentinel; drop its payload reference
			next.value = zero
			q.size.Add(-1)
			return value, true
		}
	}
}

// Len is a best-effort count; concurrent operations may make it stale.
func (q *Queue[T]) Len() int {
	n := q.size.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// IsEmpty reports whether the queue had no elements at the time of the call.
func (q *Queue[T]) IsEmpty() bool {
	return q.head.Load().next.Load() == nil
}
