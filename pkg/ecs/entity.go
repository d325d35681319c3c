package ecs

import (
	"fmt"
	"reflect"
	"sync/atomic"
)

type location struct {
	chunk *ArchetypeChunk
	slot  int
}

// Entity is a relocatable handle to one record. Its location is swapped
// atomically whenever the record moves and cleared when it is despawned.
type Entity struct {
	id    uint64
	world *World
	loc   atomic.Pointer[location]

	despawning atomic.Bool
}

func (e *Entity) ID() uint64    { return e.id }
func (e *Entity) World() *World { return e.world }

// Alive reports whether the entity currently owns a record.
func (e *Entity) Alive() bool { return e.loc.Load() != nil }

// Despawning reports whether Despawn was called, even if the entity is still
// waiting for the despawn worker.
func (e *Entity) Despawning() bool { return e.despawning.Load() }

func (e *Entity) String() string {
	return fmt.Sprintf("entity(%d)", e.id)
}

// Chunk returns the chunk holding the entity, nil once despawned.
func (e *Entity) Chunk() *ArchetypeChunk {
	if loc := e.loc.Load(); loc != nil {
		return loc.chunk
	}
	return nil
}

// Offset returns the byte offset of the record inside its chunk, or -1.
func (e *Entity) Offset() int {
	if loc := e.loc.Load(); loc != nil {
		return int(loc.chunk.Offset(loc.slot))
	}
	return -1
}

func (e *Entity) Archetype() *Archetype {
	if loc := e.loc.Load(); loc != nil {
		return loc.chunk.archetype
	}
	return nil
}

// Components returns the entity's component types in layout order.
func (e *Entity) Components() []*ComponentType {
	if a := e.Archetype(); a != nil {
		return a.Types()
	}
	return nil
}

// Despawn queues the entity for removal by the world's despawn worker. It
// returns immediately; repeated calls are ignored. Once the world is closed
// Despawn is a no-op and the entity stays alive.
func (e *Entity) Despawn() {
	if e.loc.Load() == nil || e.world.disposed.Load() || !e.despawning.CompareAndSwap(false, true) {
		return
	}
	if !e.world.enqueueDespawn(e) {
		e.despawning.Store(false)
	}
}

// Insert adds components to the entity, replacing values of types it already
// carries. The entity moves to the matching archetype under its chunk locks.
// Must not be called while holding the entity's chunk lock; use Commands
// from inside a system.
func (e *Entity) Insert(components ...any) error {
	return e.world.restructure(e, components, nil)
}

// Remove drops the given component types. Types the entity lacks are ignored.
func (e *Entity) Remove(types ...reflect.Type) error {
	cts := make([]*ComponentType, 0, len(types))
	for _, t := range types {
		if ct, ok := lookupType(t); ok {
			cts = append(cts, ct)
		}
	}
	if len(cts) == 0 {
		return nil
	}
	return e.world.restructure(e, nil, cts)
}

// Remove drops component T from e.
func Remove[T any](e *Entity) error {
	return e.Remove(reflect.TypeFor[T]())
}

// TryGet reads component T without locking. The read is retried until the
// location observed before and after copying the bytes is the same and the
// slot's back-reference still points at e.
func TryGet[T any](e *Entity) (T, bool) {
	var zero T
	ct, ok := lookupType(reflect.TypeFor[T]())
	if !ok {
		return zero, false
	}
	for {
		loc := e.loc.Load()
		if loc == nil {
			return zero, false
		}
		a := loc.chunk.archetype
		col := a.columnFor(ct)
		if col == nil {
			if e.loc.Load() == loc {
				return zero, false
			}
			continue
		}
		v := *(*T)(loc.chunk.pointer(loc.slot, col))
		if loc.chunk.owners[loc.slot].Load() == e && e.loc.Load() == loc {
			a.drainAffective(e)
			return v, true
		}
	}
}

// Contains reports whether e is alive and carries component T.
func Contains[T any](e *Entity) bool {
	ct, ok := lookupType(reflect.TypeFor[T]())
	if !ok {
		return false
	}
	a := e.Archetype()
	if a == nil {
		return false
	}
	_, ok = a.index[ct]
	return ok
}

// Mut returns a raw pointer to component T inside the slab, or nil. The
// pointer is only stable while the caller holds the chunk's write lock, as
// system callbacks do.
func Mut[T any](e *Entity) *T {
	ct, ok := lookupType(reflect.TypeFor[T]())
	if !ok {
		return nil
	}
	loc := e.loc.Load()
	if loc == nil {
		return nil
	}
	col := loc.chunk.archetype.columnFor(ct)
	if col == nil {
		return nil
	}
	return (*T)(loc.chunk.pointer(loc.slot, col))
}
