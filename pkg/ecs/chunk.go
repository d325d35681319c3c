package ecs

import (
	"sync/atomic"
	"unsafe"
)

var (
	chunkSeq atomic.Uint64
	// zeroBase backs every zero-size component.
	zeroBase uint64
)

// ArchetypeChunk is a fixed-capacity slab of packed records. Records are
// addressed by slot; a slot's byte offset is slot * RecordSize. The owner
// column holds the back-reference to the entity occupying each slot and is
// kept beside the byte arena because Go pointers cannot live inside it.
type ArchetypeChunk struct {
	archetype *Archetype
	id        uint64

	words    []uint64
	buf      []byte
	capacity int
	// count is the allocation high-water mark. It never decreases.
	count atomic.Int32
	live  atomic.Int32

	owners []atomic.Pointer[Entity]
	locker *EntityLocker
}

func newChunk(a *Archetype) *ArchetypeChunk {
	words := make([]uint64, (a.capacity*a.recordSize+7)/8)
	c := &ArchetypeChunk{
		archetype: a,
		id:        chunkSeq.Add(1),
		words:     words,
		capacity:  a.capacity,
		owners:    make([]atomic.Pointer[Entity], a.capacity),
		locker:    newEntityLocker(),
	}
	if len(words) > 0 {
		c.buf = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	}
	return c
}

func (c *ArchetypeChunk) ID() uint64              { return c.id }
func (c *ArchetypeChunk) Archetype() *Archetype   { return c.archetype }
func (c *ArchetypeChunk) Capacity() int           { return c.capacity }
func (c *ArchetypeChunk) Locker() *EntityLocker   { return c.locker }
func (c *ArchetypeChunk) Owner(slot int) *Entity  { return c.owners[slot].Load() }
func (c *ArchetypeChunk) Live() int               { return int(c.live.Load()) }
func (c *ArchetypeChunk) Offset(slot int) uintptr { return uintptr(slot * c.archetype.recordSize) }

// Count returns the number of slots ever handed out, live or released.
func (c *ArchetypeChunk) Count() int {
	n := int(c.count.Load())
	if n > c.capacity {
		return c.capacity
	}
	return n
}

// Full reports whether the high-water mark reached capacity.
func (c *ArchetypeChunk) Full() bool {
	return int(c.count.Load()) >= c.capacity
}

// tryAlloc claims the next never-used slot.
func (c *ArchetypeChunk) tryAlloc() (int, bool) {
	for {
		n := c.count.Load()
		if int(n) >= c.capacity {
			return 0, false
		}
		if c.count.CompareAndSwap(n, n+1) {
			return int(n), true
		}
	}
}

func (c *ArchetypeChunk) record(slot int) []byte {
	rs := c.archetype.recordSize
	if rs == 0 {
		return nil
	}
	return c.buf[slot*rs : (slot+1)*rs]
}

func (c *ArchetypeChunk) clear(slot int) {
	clear(c.record(slot))
}

// pointer returns the address of col in slot. Zero-size components share
// one address.
func (c *ArchetypeChunk) pointer(slot int, col *column) unsafe.Pointer {
	if col.ctype.size == 0 {
		return unsafe.Pointer(&zeroBase)
	}
	return unsafe.Pointer(&c.buf[slot*c.archetype.recordSize+int(col.offset)])
}

func (c *ArchetypeChunk) bytes(slot int, col *column) []byte {
	if col.ctype.size == 0 {
		return nil
	}
	start := slot*c.archetype.recordSize + int(col.offset)
	return c.buf[start : start+int(col.ctype.size)]
}
