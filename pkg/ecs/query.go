package ecs

import (
	"fmt"
	"iter"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/kelindar/bitmap"
)

// Filter selects archetypes by component type. Include is also the set of
// components a query may read.
type Filter struct {
	Include []reflect.Type
	Exclude []reflect.Type
}

// With returns a copy of f that additionally requires T.
func With[T any](f Filter) Filter {
	f.Include = append(slices.Clone(f.Include), reflect.TypeFor[T]())
	return f
}

// Without returns a copy of f that additionally rejects T.
func Without[T any](f Filter) Filter {
	f.Exclude = append(slices.Clone(f.Exclude), reflect.TypeFor[T]())
	return f
}

type matcher struct {
	include bitmap.Bitmap
	exclude bitmap.Bitmap
}

func newMatcher(include, exclude []reflect.Type) (matcher, error) {
	var m matcher
	for _, t := range include {
		ct, err := componentTypeOf(t)
		if err != nil {
			return m, err
		}
		m.include.Set(ct.id)
	}
	for _, t := range exclude {
		ct, err := componentTypeOf(t)
		if err != nil {
			return m, err
		}
		m.exclude.Set(ct.id)
	}
	return m, nil
}

func (m *matcher) matches(a *Archetype) bool {
	ok := true
	m.include.Range(func(id uint32) {
		if ok && !a.mask.Contains(id) {
			ok = false
		}
	})
	if !ok {
		return false
	}
	m.exclude.Range(func(id uint32) {
		if ok && a.mask.Contains(id) {
			ok = false
		}
	})
	return ok
}

// Query tracks the archetypes matching a filter as they are created.
type Query struct {
	world    *World
	filter   Filter
	matcher  matcher
	declared map[*ComponentType]struct{}

	mu         sync.RWMutex
	archetypes []*Archetype
	disposed   atomic.Bool
}

func newQuery(w *World, filter Filter) (*Query, error) {
	m, err := newMatcher(filter.Include, filter.Exclude)
	if err != nil {
		return nil, err
	}
	q := &Query{
		world:    w,
		filter:   Filter{Include: slices.Clone(filter.Include), Exclude: slices.Clone(filter.Exclude)},
		matcher:  m,
		declared: make(map[*ComponentType]struct{}, len(filter.Include)),
	}
	for _, t := range filter.Include {
		ct, _ := lookupType(t)
		q.declared[ct] = struct{}{}
	}
	return q, nil
}

func (q *Query) Filter() Filter { return q.filter }

func (q *Query) consider(a *Archetype) {
	if !q.matcher.matches(a) {
		return
	}
	q.mu.Lock()
	if !slices.Contains(q.archetypes, a) {
		q.archetypes = append(q.archetypes, a)
	}
	q.mu.Unlock()
}

// Archetypes returns the archetypes matched so far.
func (q *Query) Archetypes() []*Archetype {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return slices.Clone(q.archetypes)
}

// Count returns the number of live matched entities.
func (q *Query) Count() int {
	n := 0
	for _, a := range q.Archetypes() {
		n += a.Len()
	}
	return n
}

// All iterates the live matched entities without locking. Entities that move
// during iteration may be visited twice or skipped.
func (q *Query) All() iter.Seq[*Entity] {
	return func(yield func(*Entity) bool) {
		if q.disposed.Load() {
			return
		}
		for _, a := range q.Archetypes() {
			for _, c := range a.Chunks() {
				for slot, n := 0, c.Count(); slot < n; slot++ {
					e := c.owners[slot].Load()
					if e == nil {
						continue
					}
					if !yield(e) {
						return
					}
				}
			}
		}
	}
}

// Each calls fn for every live matched entity until fn returns false.
func (q *Query) Each(fn func(e *Entity) bool) error {
	if q.disposed.Load() {
		return ErrQueryDisposed
	}
	for e := range q.All() {
		if !fn(e) {
			break
		}
	}
	return nil
}

// Dispose detaches the query from its world.
func (q *Query) Dispose() {
	if !q.disposed.CompareAndSwap(false, true) {
		return
	}
	q.world.removeQuery(q)
	q.mu.Lock()
	q.archetypes = nil
	q.mu.Unlock()
}

// QueryGet reads component T of e through q. T must be in the query's
// Include set.
func QueryGet[T any](q *Query, e *Entity) (T, error) {
	var zero T
	if q.disposed.Load() {
		return zero, ErrQueryDisposed
	}
	t := reflect.TypeFor[T]()
	ct, ok := lookupType(t)
	if _, declared := q.declared[ct]; !ok || !declared {
		return zero, fmt.Errorf("%w: %s", ErrUndeclaredComponent, t)
	}
	v, ok := TryGet[T](e)
	if !ok {
		if !e.Alive() {
			return zero, fmt.Errorf("%w: %s", ErrEntityNotAlive, e)
		}
		return zero, fmt.Errorf("%w: %s", ErrComponentMissing, t)
	}
	return v, nil
}
