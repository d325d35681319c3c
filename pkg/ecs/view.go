package ecs

import (
	"fmt"
	"reflect"
)

// ChunkView is the record range handed to a system's Process callback. It
// is only valid for the duration of the call, while the chunk lock is held
// in the system's access mode.
type ChunkView struct {
	chunk  *ArchetypeChunk
	system *System
	n      int
}

func (v *ChunkView) Chunk() *ArchetypeChunk { return v.chunk }

// Len is the number of slots in range; some may be free.
func (v *ChunkView) Len() int { return v.n }

// Entity returns the owner of slot i, nil for a free slot.
func (v *ChunkView) Entity(i int) *Entity { return v.chunk.owners[i].Load() }

// Each calls fn with every occupied slot index.
func (v *ChunkView) Each(fn func(i int)) {
	for i := 0; i < v.n; i++ {
		if v.chunk.owners[i].Load() != nil {
			fn(i)
		}
	}
}

// Offset returns the byte offset of component type t inside a record.
func (v *ChunkView) Offset(t reflect.Type) (uintptr, bool) {
	return v.chunk.archetype.Offset(t)
}

// Offsets returns the chunk's type to byte offset table.
func (v *ChunkView) Offsets() map[reflect.Type]uintptr {
	return v.chunk.archetype.Offsets()
}

func (v *ChunkView) column(t reflect.Type, write bool) *column {
	ct, ok := lookupType(t)
	if ok {
		if w, declared := v.system.access[ct]; declared && (w || !write) {
			if col := v.chunk.archetype.columnFor(ct); col != nil {
				return col
			}
		}
	}
	mode := "read"
	if write {
		mode = "write"
	}
	panic(fmt.Errorf("%w: system %s has no %s access to %s", ErrUndeclaredComponent, v.system.name, mode, t))
}

// Read returns a copy of component T at slot i. The system must declare
// read or write access to T.
func Read[T any](v *ChunkView, i int) T {
	col := v.column(reflect.TypeFor[T](), false)
	return *(*T)(v.chunk.pointer(i, col))
}

// Write returns a pointer to component T at slot i. The system must declare
// write access to T.
func Write[T any](v *ChunkView, i int) *T {
	col := v.column(reflect.TypeFor[T](), true)
	return (*T)(v.chunk.pointer(i, col))
}
