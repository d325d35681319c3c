package sequence

import (
	"cmp"
	"container/heap"
)

type PriorityItem[T any, P cmp.Ordered] struct {
	Value    T
	Priority P
	index    int
}

type priorityQueue[T any, P cmp.Ordered] struct {
	items []*PriorityItem[T, P]
}

func (pq *priorityQueue[T, P]) Len() int {
	return len(pq.items)
}

func (pq *priorityQueue[T, P]) Less(i, j int) bool {
	return pq.items[i].Priority < pq.items[j].Priority
}

func (pq *priorityQueue[T, P]) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}

func (pq *priorityQueue[T, P]) Push(x any) {
	item := x.(*PriorityItem[T, P])
	item.index = len(pq.items)
	pq.items = append(pq.items, item)
}

func (pq *priorityQueue[T, P]) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	pq.items = old[0 : n-1]
	return item
}

// PriorityQueue is a binary heap that yields the lowest priority first.
// It is not safe for concurrent use.
type PriorityQueue[T any, P cmp.Ordered] struct {
	pq priorityQueue[T, P]
}

func NewPriorityQueue[T any, P cmp.Ordered]() *PriorityQueue[T, P] {
	pq := &PriorityQueue[T, P]{}
	heap.Init(&pq.pq)
	return pq
}

func (pq *PriorityQueue[T, P]) Enqueue(value T, priority P) *PriorityItem[T, P] {
	item := &PriorityItem[T, P]{
		Value:    value,
		Priority: priority,
	}
	heap.Push(&pq.pq, item)
	return item
}

func (pq *PriorityQueue[T, P]) Dequeue() (T, bool) {
	if pq.pq.Len() == 0 {
		var zero T
		return zero, false
	}
	item := heap.Pop(&pq.pq).(*PriorityItem[T, P])
	return item.Value, true
}

// Peek returns the head item without removing it.
func (pq *PriorityQueue[T, P]) Peek() (*PriorityItem[T, P], bool) {
	if pq.pq.Len() == 0 {
		return nil, false
	}
	return pq.pq.items[0], true
}

// Update changes an item still in the queue and restores heap order.
func (pq *PriorityQueue[T, P]) Update(item *PriorityItem[T, P], value T, priority P) {
	item.Value = value
	item.Priority = priority
	heap.Fix(&pq.pq, item.index)
}

// Reset empties the queue, keeping its storage.
func (pq *PriorityQueue[T, P]) Reset() {
	clear(pq.pq.items)
	pq.pq.items = pq.pq.items[:0]
}

func (pq *PriorityQueue[T, P]) Len() int {
	return pq.pq.Len()
}

func (pq *PriorityQueue[T, P]) IsEmpty() bool {
	return pq.pq.Len() == 0
}
