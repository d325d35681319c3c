package ecs

import (
	"reflect"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueryFilters(t *testing.T) {
	w := newTestWorld(t)
	moving := mustSpawn(t, w, Position{X: 1}, Velocity{X: 1})
	mustSpawn(t, w, Position{X: 2})
	frozen := mustSpawn(t, w, Position{X: 3}, Velocity{}, Frozen{})
	mustSpawn(t, w, Velocity{})

	q, err := w.AddQuery(Without[Frozen](With[Velocity](With[Position](Filter{}))))
	require.NoError(t, err)
	require.Len(t, q.Archetypes(), 1)
	require.Equal(t, 1, q.Count())

	var got []*Entity
	require.NoError(t, q.Each(func(e *Entity) bool {
		got = append(got, e)
		return true
	}))
	require.Equal(t, []*Entity{moving}, got)

	all, err := w.AddQuery(With[Position](Filter{}))
	require.NoError(t, err)
	require.Equal(t, 3, all.Count())

	visited := 0
	require.NoError(t, all.Each(func(*Entity) bool {
		visited++
		return false
	}))
	require.Equal(t, 1, visited, "Each stops when fn returns false")

	// new archetypes are picked up as they appear
	late := mustSpawn(t, w, Position{}, Velocity{}, Health{})
	require.Equal(t, 2, q.Count())
	require.Equal(t, 4, all.Count())

	require.NoError(t, frozen.Insert(Health{}))
	require.Equal(t, 2, q.Count(), "still frozen")
	require.NoError(t, Remove[Frozen](frozen))
	require.Equal(t, 3, q.Count())
	require.NoError(t, late.Insert(Frozen{}))
	require.Equal(t, 2, q.Count())
}

func TestQueryGet(t *testing.T) {
	w := newTestWorld(t)
	e := mustSpawn(t, w, Position{X: 4, Y: 2})
	bare := mustSpawn(t, w, Velocity{})

	q, err := w.AddQuery(Filter{Include: []reflect.Type{reflect.TypeFor[Position]()}})
	require.NoError(t, err)
	require.Equal(t, []reflect.Type{reflect.TypeFor[Position]()}, q.Filter().Include)

	pos, err := QueryGet[Position](q, e)
	require.NoError(t, err)
	require.Equal(t, Position{X: 4, Y: 2}, pos)

	_, err = QueryGet[Velocity](q, bare)
	require.ErrorIs(t, err, ErrUndeclaredComponent)
	_, err = QueryGet[Position](q, bare)
	require.ErrorIs(t, err, ErrComponentMissing)

	e.Despawn()
	require.NoError(t, w.WaitDespawns(testContext(t)))
	_, err = QueryGet[Position](q, e)
	require.ErrorIs(t, err, ErrEntityNotAlive)

	q.Dispose()
	q.Dispose()
	_, err = QueryGet[Position](q, bare)
	require.ErrorIs(t, err, ErrQueryDisposed)
	require.ErrorIs(t, q.Each(func(*Entity) bool { return true }), ErrQueryDisposed)
	require.Empty(t, q.Archetypes())
	require.Zero(t, q.Count())
}

func TestQueryRejectsBadFilter(t *testing.T) {
	w := newTestWorld(t)
	_, err := w.AddQuery(Filter{Include: []reflect.Type{reflect.TypeFor[Pointy]()}})
	require.ErrorIs(t, err, ErrComponentNotPlain)
}

func TestQuerySkipsFreedRecords(t *testing.T) {
	w := newTestWorld(t)
	q, err := w.AddQuery(With[Health](Filter{}))
	require.NoError(t, err)

	entities := make([]*Entity, 6)
	for i := range entities {
		entities[i] = mustSpawn(t, w, Health{HP: int32(i)})
	}
	entities[1].Despawn()
	entities[4].Despawn()
	require.NoError(t, w.WaitDespawns(testContext(t)))

	var hp []int32
	for e := range q.All() {
		v, err := QueryGet[Health](q, e)
		require.NoError(t, err)
		hp = append(hp, v.HP)
	}
	require.ElementsMatch(t, []int32{0, 2, 3, 5}, hp)
}

// dropQuery leaves no reference to the query behind.
func dropQuery(t *testing.T, w *World) {
	t.Helper()
	_, err := w.AddQuery(With[Position](Filter{}))
	require.NoError(t, err)
}

func TestUnreferencedQueriesArePruned(t *testing.T) {
	w := newTestWorld(t)
	dropQuery(t, w)

	w.queriesMu.Lock()
	require.Len(t, w.queries, 1)
	w.queriesMu.Unlock()

	var kinds uint8
	require.Eventually(t, func() bool {
		runtime.GC()
		kinds++
		// each new archetype walks the query list
		mustSpawn(t, w, Position{}, Shape{Kind: kinds})
		w.queriesMu.Lock()
		defer w.queriesMu.Unlock()
		return len(w.queries) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
