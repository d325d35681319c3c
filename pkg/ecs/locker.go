package ecs

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// LockMode is the access a system or caller needs on a chunk.
type LockMode uint8

const (
	LockNone LockMode = iota
	LockRead
	LockWrite
)

func (m LockMode) String() string {
	switch m {
	case LockRead:
		return "read"
	case LockWrite:
		return "write"
	default:
		return "none"
	}
}

// gate is a level-triggered signal. While open, the channel returned by
// wait is closed.
type gate struct {
	mu   sync.Mutex
	ch   chan struct{}
	open bool
}

func newGate(open bool) *gate {
	g := &gate{ch: make(chan struct{})}
	if open {
		close(g.ch)
		g.open = true
	}
	return g
}

func (g *gate) set(open bool) {
	g.mu.Lock()
	g.setLocked(open)
	g.mu.Unlock()
}

// update recomputes the state under the gate mutex, so the last caller to
// update wins regardless of how concurrent counter changes interleave.
func (g *gate) update(open func() bool) {
	g.mu.Lock()
	g.setLocked(open())
	g.mu.Unlock()
}

func (g *gate) setLocked(open bool) {
	if open == g.open {
		return
	}
	if open {
		close(g.ch)
	} else {
		g.ch = make(chan struct{})
	}
	g.open = open
}

func (g *gate) wait() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

func (g *gate) isOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

func (g *gate) waitContext(ctx context.Context) error {
	select {
	case <-g.wait():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EntityLocker is the reader/writer gate of one chunk. Besides the lock it
// exposes two gates: NoWriter is open while no writer holds the lock and
// NoReader is open while no reader does, so callers can block on a channel
// instead of polling TryLock.
type EntityLocker struct {
	rw sync.RWMutex

	state    sync.Mutex
	readers  int
	noWriter *gate
	noReader *gate
}

func newEntityLocker() *EntityLocker {
	return &EntityLocker{
		noWriter: newGate(true),
		noReader: newGate(true),
	}
}

func (l *EntityLocker) TryRLock() bool {
	if !l.rw.TryRLock() {
		return false
	}
	l.state.Lock()
	l.readers++
	if l.readers == 1 {
		l.noReader.set(false)
	}
	l.state.Unlock()
	return true
}

func (l *EntityLocker) RUnlock() {
	l.state.Lock()
	l.readers--
	if l.readers == 0 {
		l.noReader.set(true)
	}
	l.state.Unlock()
	l.rw.RUnlock()
}

func (l *EntityLocker) TryLock() bool {
	if !l.rw.TryLock() {
		return false
	}
	l.noWriter.set(false)
	return true
}

func (l *EntityLocker) Unlock() {
	l.noWriter.set(true)
	l.rw.Unlock()
}

// NoWriter returns a channel closed while no writer holds the lock.
func (l *EntityLocker) NoWriter() <-chan struct{} { return l.noWriter.wait() }

// NoReader returns a channel closed while no reader holds the lock.
func (l *EntityLocker) NoReader() <-chan struct{} { return l.noReader.wait() }

// RLock waits on the writer gate until a read lock is acquired.
func (l *EntityLocker) RLock(ctx context.Context) error {
	return l.Acquire(ctx, LockRead)
}

// Lock waits on both gates until the write lock is acquired.
func (l *EntityLocker) Lock(ctx context.Context) error {
	return l.Acquire(ctx, LockWrite)
}

// Acquire blocks until the lock is held in mode or ctx is done.
func (l *EntityLocker) Acquire(ctx context.Context, mode LockMode) error {
	for {
		if l.TryAcquire(mode) {
			return nil
		}
		if err := l.waitFor(ctx, mode); err != nil {
			return err
		}
	}
}

// TryAcquire is the non-blocking form of Acquire. LockNone always succeeds.
func (l *EntityLocker) TryAcquire(mode LockMode) bool {
	switch mode {
	case LockRead:
		return l.TryRLock()
	case LockWrite:
		return l.TryLock()
	default:
		return true
	}
}

// Release undoes a successful TryAcquire or Acquire with the same mode.
func (l *EntityLocker) Release(mode LockMode) {
	switch mode {
	case LockRead:
		l.RUnlock()
	case LockWrite:
		l.Unlock()
	}
}

func (l *EntityLocker) waitFor(ctx context.Context, mode LockMode) error {
	switch mode {
	case LockRead:
		return l.noWriter.waitContext(ctx)
	case LockWrite:
		if err := l.noWriter.waitContext(ctx); err != nil {
			return err
		}
		return l.noReader.waitContext(ctx)
	default:
		return nil
	}
}

// EntityLock is a set of chunk locks held together. Unlock releases all of
// them; it is safe to call more than once.
type EntityLock struct {
	mode   LockMode
	chunks []*ArchetypeChunk
	once   sync.Once
}

func (l *EntityLock) Mode() LockMode { return l.mode }

// Chunks returns the locked chunks ordered by chunk ID.
func (l *EntityLock) Chunks() []*ArchetypeChunk { return l.chunks }

func (l *EntityLock) Unlock() {
	l.once.Do(func() {
		for i := len(l.chunks) - 1; i >= 0; i-- {
			l.chunks[i].locker.Release(l.mode)
		}
	})
}

// acquireChunks locks every chunk in mode or none of them. Chunks are taken
// in ID order without blocking; when one is busy everything held is
// released before waiting on that chunk's gate, then the whole set is
// retried.
func acquireChunks(ctx context.Context, mode LockMode, chunks []*ArchetypeChunk) (*EntityLock, error) {
	set := make([]*ArchetypeChunk, 0, len(chunks))
	for _, c := range chunks {
		if c != nil {
			set = append(set, c)
		}
	}
	slices.SortFunc(set, func(a, b *ArchetypeChunk) int { return cmp.Compare(a.id, b.id) })
	set = slices.Compact(set)

	lock := &EntityLock{mode: mode, chunks: set}
	if mode == LockNone {
		return lock, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		busy := -1
		for i, c := range set {
			if !c.locker.TryAcquire(mode) {
				busy = i
				break
			}
		}
		if busy < 0 {
			return lock, nil
		}
		for i := busy - 1; i >= 0; i-- {
			set[i].locker.Release(mode)
		}
		if err := set[busy].locker.waitFor(ctx, mode); err != nil {
			return nil, err
		}
	}
}
