package sequence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int]()
	require.True(t, q.IsEmpty())

	_, ok := q.Dequeue()
	require.False(t, ok)

	for i := 0; i < 5; i++ {
		q.Enqueue(i)
	}
	require.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		v, ok := q.Dequeue()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	require.True(t, q.IsEmpty())
	require.Equal(t, 0, q.Len())
}

func TestQueue_Concurrent(t *testing.T) {
	const producers, perProducer = 8, 2000

	q := NewQueue[int]()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(p*perProducer + i)
			}
		}(p)
	}

	var (
		mu   sync.Mutex
		seen = make(map[int]struct{}, producers*perProducer)
	)
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				done := len(seen) == producers*perProducer
				mu.Unlock()
				if done {
					return
				}
				v, ok := q.Dequeue()
				if !ok {
					continue
				}
				mu.Lock()
				_, dup := seen[v]
				seen[v] = struct{}{}
				mu.Unlock()
				assert.False(t, dup, "value %d dequeued twice", v)
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, producers*perProducer)
	require.True(t, q.IsEmpty())
}
