package ecs

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/kelindar/bitmap"

	"github.com/zeusync/zecs/pkg/sequence"
)

type column struct {
	ctype  *ComponentType
	hash   uint64
	offset uintptr
}

type record struct {
	chunk *ArchetypeChunk
	slot  int
}

// Archetype represents a unique combination of component types and affective
// hashes. Its layout is computed once; chunks are only ever appended.
type Archetype struct {
	id    uint32
	world *World
	key   uint64
	sig   []componentKey

	columns    []column
	index      map[*ComponentType]int
	mask       bitmap.Bitmap
	recordSize int
	capacity   int

	chunks   atomic.Pointer[[]*ArchetypeChunk]
	allocMu  sync.Mutex
	released *sequence.Queue[record]

	affective        *sequence.Queue[*System]
	affectivePending atomic.Int32
	draining         atomic.Bool
}

func newArchetype(w *World, id uint32, key uint64, sig []componentKey) *Archetype {
	a := &Archetype{
		id:        id,
		world:     w,
		key:       key,
		sig:       sig,
		columns:   make([]column, len(sig)),
		index:     make(map[*ComponentType]int, len(sig)),
		released:  sequence.NewQueue[record](),
		affective: sequence.NewQueue[*System](),
	}

	var offset uintptr
	for i, k := range sig {
		if align := k.ctype.align; align > 1 {
			offset = (offset + align - 1) &^ (align - 1)
		}
		a.columns[i] = column{ctype: k.ctype, hash: k.hash, offset: offset}
		a.index[k.ctype] = i
		a.mask.Set(k.ctype.id)
		offset += k.ctype.size
	}
	a.recordSize = int((offset + 7) &^ 7)
	a.capacity = max(1, w.cfg.ChunkBytes/max(a.recordSize, 8))

	empty := make([]*ArchetypeChunk, 0)
	a.chunks.Store(&empty)
	return a
}

// ID returns the archetype's identifier, unique within its world.
func (a *Archetype) ID() uint32 { return a.id }

// RecordSize is the byte size of one record; identical across all chunks.
func (a *Archetype) RecordSize() int { return a.recordSize }

// ChunkCapacity is the number of records one chunk holds.
func (a *Archetype) ChunkCapacity() int { return a.capacity }

// Chunks returns a snapshot of the chunk list.
func (a *Archetype) Chunks() []*ArchetypeChunk { return *a.chunks.Load() }

// Types returns the component types in layout order.
func (a *Archetype) Types() []*ComponentType {
	types := make([]*ComponentType, len(a.columns))
	for i := range a.columns {
		types[i] = a.columns[i].ctype
	}
	return types
}

// Has reports whether the archetype carries component type t.
func (a *Archetype) Has(t reflect.Type) bool {
	ct, ok := lookupType(t)
	if !ok {
		return false
	}
	_, ok = a.index[ct]
	return ok
}

// Offset returns the byte offset of t within a record.
func (a *Archetype) Offset(t reflect.Type) (uintptr, bool) {
	col := a.columnOf(t)
	if col == nil {
		return 0, false
	}
	return col.offset, true
}

// Offsets returns the type to byte offset table.
func (a *Archetype) Offsets() map[reflect.Type]uintptr {
	m := make(map[reflect.Type]uintptr, len(a.columns))
	for _, col := range a.columns {
		m[col.ctype.typ] = col.offset
	}
	return m
}

// AffectiveHash returns the hash t contributes to the archetype identity.
func (a *Archetype) AffectiveHash(t reflect.Type) uint64 {
	if col := a.columnOf(t); col != nil {
		return col.hash
	}
	return 0
}

// Len counts live records over all chunks.
func (a *Archetype) Len() int {
	n := 0
	for _, c := range a.Chunks() {
		n += c.Live()
	}
	return n
}

func (a *Archetype) columnOf(t reflect.Type) *column {
	ct, ok := lookupType(t)
	if !ok {
		return nil
	}
	return a.columnFor(ct)
}

func (a *Archetype) columnFor(ct *ComponentType) *column {
	i, ok := a.index[ct]
	if !ok {
		return nil
	}
	return &a.columns[i]
}

// TakeRecord hands out a free record. Released records are reused first and
// zero-cleared on the way out; otherwise the chunk list is scanned for
// capacity and, only when every chunk is full, a chunk is appended under
// the allocation lock.
func (a *Archetype) TakeRecord() (*ArchetypeChunk, int) {
	if c, slot, ok := a.takeFree(); ok {
		return c, slot
	}

	a.allocMu.Lock()
	defer a.allocMu.Unlock()

	// someone may have released or grown while we waited
	if c, slot, ok := a.takeFree(); ok {
		return c, slot
	}

	c := newChunk(a)
	slot, _ := c.tryAlloc()
	c.live.Add(1)

	old := *a.chunks.Load()
	next := make([]*ArchetypeChunk, len(old), len(old)+1)
	copy(next, old)
	next = append(next, c)
	a.chunks.Store(&next)
	return c, slot
}

func (a *Archetype) takeFree() (*ArchetypeChunk, int, bool) {
	if r, ok := a.released.Dequeue(); ok {
		r.chunk.clear(r.slot)
		r.chunk.live.Add(1)
		return r.chunk, r.slot, true
	}
	chunks := a.Chunks()
	// chunks fill in order, so only the tail can have room
	for i := len(chunks) - 1; i >= 0; i-- {
		c := chunks[i]
		slot, ok := c.tryAlloc()
		if !ok {
			break
		}
		c.live.Add(1)
		return c, slot, true
	}
	return nil, 0, false
}

// ReleaseRecord returns a record to the free queue. The bytes are cleared
// when the record is taken again.
func (a *Archetype) ReleaseRecord(c *ArchetypeChunk, slot int) {
	c.live.Add(-1)
	a.released.Enqueue(record{chunk: c, slot: slot})
}

// RegisterAffectiveSystem defers the classification of this archetype by s
// until a record can be read. The queue is drained by the first goroutine
// that reads a published record.
func (a *Archetype) RegisterAffectiveSystem(s *System) {
	a.affectivePending.Add(1)
	a.affective.Enqueue(s)
	if sample := a.sample(); sample != nil {
		a.drainAffective(sample)
	}
}

// sample finds any live entity of the archetype.
func (a *Archetype) sample() *Entity {
	for _, c := range a.Chunks() {
		for slot, n := 0, c.Count(); slot < n; slot++ {
			if e := c.owners[slot].Load(); e != nil && e.Alive() {
				return e
			}
		}
	}
	return nil
}

func (a *Archetype) drainAffective(sample *Entity) {
	for a.affectivePending.Load() > 0 {
		if !a.draining.CompareAndSwap(false, true) {
			return
		}
		for {
			s, ok := a.affective.Dequeue()
			if !ok {
				break
			}
			a.affectivePending.Add(-1)
			s.classify(a, sample)
		}
		a.draining.Store(false)
	}
}
