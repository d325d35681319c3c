package ecs

import (
	"reflect"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeOf(t *testing.T) {
	pos, err := TypeOf[Position]()
	require.NoError(t, err)
	again := MustTypeOf[Position]()
	require.Same(t, pos, again)
	require.Equal(t, uintptr(8), pos.Size())
	require.Equal(t, reflect.TypeFor[Position](), pos.Type())

	_, err = TypeOf[Pointy]()
	require.ErrorIs(t, err, ErrComponentNotPlain)
	_, err = TypeOf[*Position]()
	require.ErrorIs(t, err, ErrComponentNotPlain)

	require.NotEqual(t, MustTypeOf[Velocity]().ID(), pos.ID())
}

func TestArchetypeIdentityIgnoresOrder(t *testing.T) {
	w := newTestWorld(t)

	a, err := w.GetArchetype(Position{}, Velocity{}, Health{})
	require.NoError(t, err)
	b, err := w.GetArchetype(Health{HP: 3}, Position{X: 1}, Velocity{Y: 2})
	require.NoError(t, err)
	c, err := w.GetArchetype(Velocity{}, Health{}, Position{})
	require.NoError(t, err)

	require.Same(t, a, b)
	require.Same(t, a, c)
	require.Len(t, w.Archetypes(), 1)

	d, err := w.GetArchetype(Position{}, Velocity{})
	require.NoError(t, err)
	require.NotSame(t, a, d)
}

func TestArchetypeAffectiveSplit(t *testing.T) {
	w := newTestWorld(t)

	circle, err := w.GetArchetype(Position{}, Shape{Kind: 1, Size: 3})
	require.NoError(t, err)
	bigCircle, err := w.GetArchetype(Shape{Kind: 1, Size: 30}, Position{})
	require.NoError(t, err)
	square, err := w.GetArchetype(Position{}, Shape{Kind: 2})
	require.NoError(t, err)

	require.Same(t, circle, bigCircle, "same hash, same archetype")
	require.NotSame(t, circle, square)
	require.Equal(t, uint64(2), circle.AffectiveHash(reflect.TypeFor[Shape]()))
	require.Equal(t, uint64(0), circle.AffectiveHash(reflect.TypeFor[Position]()))
}

func TestArchetypeRejectsBadComponents(t *testing.T) {
	w := newTestWorld(t)

	_, err := w.GetArchetype(Position{}, Position{X: 1})
	require.ErrorIs(t, err, ErrDuplicateComponent)
	_, err = w.GetArchetype(Position{}, nil)
	require.ErrorIs(t, err, ErrNilComponent)
	_, err = w.GetArchetype(Pointy{Name: "x"})
	require.ErrorIs(t, err, ErrComponentNotPlain)
}

func TestArchetypeLayout(t *testing.T) {
	type Wide struct {
		A uint8
		B uint64
	}
	type Small struct {
		V uint16
	}

	w := newTestWorld(t)
	a, err := w.GetArchetype(Small{}, Wide{}, Frozen{})
	require.NoError(t, err)

	require.Zero(t, a.RecordSize()%8)
	for typ, off := range a.Offsets() {
		require.Zero(t, off%uintptr(typ.Align()), typ.String())
	}
	require.Equal(t, DefaultChunkBytes/a.RecordSize(), a.ChunkCapacity())

	pv, err := w.GetArchetype(Position{}, Velocity{})
	require.NoError(t, err)
	require.Equal(t, 16, pv.RecordSize())
	require.Equal(t, 1000, pv.ChunkCapacity())
}

func TestChunkCapacityFollowsConfig(t *testing.T) {
	w := newTestWorld(t, func(c *WorldConfig) { c.ChunkBytes = 4096 })

	a, err := w.GetArchetype(Position{}, Velocity{})
	require.NoError(t, err)
	require.Equal(t, 256, a.ChunkCapacity())

	tiny := newTestWorld(t, func(c *WorldConfig) { c.ChunkBytes = 4 })
	b, err := tiny.GetArchetype(Position{}, Velocity{})
	require.NoError(t, err)
	require.Equal(t, 1, b.ChunkCapacity(), "capacity never drops below one")
}

func TestTakeRecordConcurrentUnique(t *testing.T) {
	w := newTestWorld(t, func(c *WorldConfig) { c.ChunkBytes = 512 })
	a, err := w.GetArchetype(Position{}, Velocity{})
	require.NoError(t, err)

	const (
		workers = 8
		each    = 500
	)
	results := make([][]record, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < each; j++ {
				c, slot := a.TakeRecord()
				results[i] = append(results[i], record{chunk: c, slot: slot})
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[record]struct{}, workers*each)
	for _, rs := range results {
		for _, r := range rs {
			_, dup := seen[r]
			require.False(t, dup, "record handed out twice: chunk %d slot %d", r.chunk.ID(), r.slot)
			seen[r] = struct{}{}
		}
	}
	require.Len(t, seen, workers*each)
	require.Equal(t, workers*each, a.Len())

	// dirty every record, release, and take them all again
	for r := range seen {
		b := r.chunk.record(r.slot)
		for i := range b {
			b[i] = 0xAB
		}
		a.ReleaseRecord(r.chunk, r.slot)
	}
	require.Equal(t, 0, a.Len())
	chunks := len(a.Chunks())

	var mu sync.Mutex
	again := make(map[record]struct{}, workers*each)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				c, slot := a.TakeRecord()
				assert.Nil(t, c.Owner(slot))
				for _, v := range c.record(slot) {
					if !assert.Zero(t, v) {
						break
					}
				}
				mu.Lock()
				again[record{chunk: c, slot: slot}] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, again, workers*each)
	require.Len(t, a.Chunks(), chunks, "released records are reused before growing")
}

func TestChunkBufferAlignment(t *testing.T) {
	w := newTestWorld(t)
	a, err := w.GetArchetype(Health{})
	require.NoError(t, err)

	c, _ := a.TakeRecord()
	require.Zero(t, uintptr(unsafe.Pointer(&c.buf[0]))%8)
	require.Equal(t, len(c.buf), c.Capacity()*a.RecordSize())
}

func TestAffectiveSystemWaitsForSample(t *testing.T) {
	w := newTestWorld(t)

	var classified []uint8
	sys := mustSystem(t, Definition{
		Name:   "big-shapes",
		Access: []Access{Reads[Shape]()},
		Classify: func(sample *Entity) bool {
			s, ok := TryGet[Shape](sample)
			classified = append(classified, s.Kind)
			return ok && s.Kind == 2
		},
	})
	require.NoError(t, sys.Initialize(w))

	small, err := w.GetArchetype(Shape{Kind: 1})
	require.NoError(t, err)
	require.Empty(t, classified, "no record to inspect yet")
	require.EqualValues(t, 1, small.affectivePending.Load())

	mustSpawn(t, w, Shape{Kind: 1})
	mustSpawn(t, w, Shape{Kind: 2})

	require.Equal(t, []uint8{1, 2}, classified)
	require.Len(t, sys.Archetypes(), 1)
	require.Equal(t, uint64(3), sys.Archetypes()[0].AffectiveHash(reflect.TypeFor[Shape]()))

	// registering against an archetype that already has records drains at once
	late := mustSystem(t, Definition{
		Access:   []Access{Reads[Shape]()},
		Classify: func(*Entity) bool { return true },
	})
	require.NoError(t, late.Initialize(w))
	require.Len(t, late.Archetypes(), 2)
}
