package ecs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/google/uuid"
	"github.com/kamstrup/intmap"

	"github.com/zeusync/zecs/internal/core/observability/log"
	"github.com/zeusync/zecs/pkg/concurrent"
	"github.com/zeusync/zecs/pkg/sequence"
)

// World owns archetypes, systems, queries and the despawn worker.
type World struct {
	id     string
	cfg    WorldConfig
	logger log.Log

	ctx    context.Context
	cancel context.CancelFunc

	// Archetype index
	mu            sync.RWMutex
	archetypes    *intmap.Map[uint64, []*Archetype]
	archetypeList atomic.Pointer[[]*Archetype]
	nextArchetype uint32

	systemsMu sync.Mutex
	systems   []*System

	queriesMu sync.Mutex
	queries   []weak.Pointer[Query]

	// Despawn worker
	despawnQ    *sequence.Queue[*Entity]
	despawnWake chan struct{}
	despawnStop chan struct{}
	despawnDone chan struct{}
	pending     atomic.Int64
	idle        *gate

	nextEntity  atomic.Uint64
	lockRetries atomic.Uint64
	disposed    atomic.Bool

	// testHookLocked runs after chunk locks are taken and before the
	// locations are validated again.
	testHookLocked func()
}

// component value resolved to its type and affective hash
type value struct {
	ctype *ComponentType
	hash  uint64
	v     any
}

// NewWorld creates a world and starts its despawn worker.
func NewWorld(cfg WorldConfig) *World {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	id := uuid.NewString()
	w := &World{
		id:          id,
		cfg:         cfg,
		logger:      cfg.Logger.With(log.String("component", "world"), log.String("world", id)),
		ctx:         ctx,
		cancel:      cancel,
		archetypes:  intmap.New[uint64, []*Archetype](64),
		despawnQ:    sequence.NewQueue[*Entity](),
		despawnWake: make(chan struct{}, 1),
		despawnStop: make(chan struct{}),
		despawnDone: make(chan struct{}),
		idle:        newGate(true),
	}
	empty := make([]*Archetype, 0)
	w.archetypeList.Store(&empty)

	go w.despawnLoop()

	w.logger.Debug("World created",
		log.Int("chunk_bytes", cfg.ChunkBytes),
		log.Int("despawn_batch", cfg.DespawnBatch))

	return w
}

func (w *World) ID() string          { return w.id }
func (w *World) Config() WorldConfig { return w.cfg }
func (w *World) Disposed() bool      { return w.disposed.Load() }

// Archetypes returns a snapshot of every archetype created so far.
func (w *World) Archetypes() []*Archetype { return *w.archetypeList.Load() }

// Systems returns a snapshot of the initialized systems.
func (w *World) Systems() []*System {
	w.systemsMu.Lock()
	defer w.systemsMu.Unlock()
	return slices.Clone(w.systems)
}

// Spawn creates an entity carrying the given component values.
func (w *World) Spawn(components ...any) (*Entity, error) {
	if w.disposed.Load() {
		return nil, ErrWorldDisposed
	}
	values, err := resolve(components)
	if err != nil {
		return nil, err
	}
	a := w.archetypeFor(signatureOf(values))

	chunk, slot := a.TakeRecord()
	writeValues(chunk, slot, values)

	e := &Entity{id: w.nextEntity.Add(1), world: w}
	chunk.owners[slot].Store(e)
	e.loc.Store(&location{chunk: chunk, slot: slot})

	a.drainAffective(e)
	return e, nil
}

// GetArchetype returns the archetype the given component values map to,
// creating it when needed. Argument order does not matter.
func (w *World) GetArchetype(components ...any) (*Archetype, error) {
	if w.disposed.Load() {
		return nil, ErrWorldDisposed
	}
	values, err := resolve(components)
	if err != nil {
		return nil, err
	}
	return w.archetypeFor(signatureOf(values)), nil
}

func resolve(components []any) ([]value, error) {
	values := make([]value, 0, len(components))
	for _, c := range components {
		if c == nil {
			return nil, ErrNilComponent
		}
		ct, err := componentTypeOf(reflect.TypeOf(c))
		if err != nil {
			return nil, err
		}
		for i := range values {
			if values[i].ctype == ct {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateComponent, ct)
			}
		}
		values = append(values, value{ctype: ct, hash: affectiveHash(c), v: c})
	}
	return values, nil
}

func signatureOf(values []value) []componentKey {
	sig := make([]componentKey, len(values))
	for i, v := range values {
		sig[i] = componentKey{ctype: v.ctype, hash: v.hash}
	}
	slices.SortFunc(sig, lessKey)
	return sig
}

func (w *World) archetypeFor(sig []componentKey) *Archetype {
	key := signatureHash(sig)

	w.mu.RLock()
	a := w.findArchetype(key, sig)
	w.mu.RUnlock()
	if a != nil {
		return a
	}

	w.mu.Lock()
	if a = w.findArchetype(key, sig); a != nil {
		w.mu.Unlock()
		return a
	}
	a = newArchetype(w, w.nextArchetype, key, slices.Clone(sig))
	w.nextArchetype++
	bucket, _ := w.archetypes.Get(key)
	w.archetypes.Put(key, append(bucket, a))
	list := append(slices.Clone(w.Archetypes()), a)
	w.archetypeList.Store(&list)
	w.mu.Unlock()

	w.announce(a)
	return a
}

func (w *World) findArchetype(key uint64, sig []componentKey) *Archetype {
	bucket, ok := w.archetypes.Get(key)
	if !ok {
		return nil
	}
	for _, a := range bucket {
		if sameSignature(a.sig, sig) {
			return a
		}
	}
	return nil
}

// announce offers a new archetype to every system and live query.
func (w *World) announce(a *Archetype) {
	names := make([]string, len(a.columns))
	for i, col := range a.columns {
		names[i] = col.ctype.String()
	}
	w.logger.Debug("Archetype created",
		log.Uint32("archetype", a.id),
		log.Int("record_size", a.recordSize),
		log.Int("chunk_capacity", a.capacity),
		log.Any("types", names))

	for _, s := range w.Systems() {
		s.considerArchetype(a)
	}
	for _, q := range w.liveQueries() {
		q.consider(a)
	}
	publish(w.cfg.Bus, EventArchetypeCreated, w.id, ArchetypeCreated{ID: a.id, Types: names})
}

// restructure adds and removes components of e. The move to the target
// archetype happens with both chunks write-locked and the entity location
// validated again, so it either fully applies or not at all.
func (w *World) restructure(e *Entity, add []any, remove []*ComponentType) error {
	adds, err := resolve(add)
	if err != nil {
		return err
	}
	for {
		loc := e.loc.Load()
		if loc == nil {
			return fmt.Errorf("%w: %s", ErrEntityNotAlive, e)
		}
		src := loc.chunk.archetype
		if len(adds) == 0 && !src.hasAny(remove) {
			return nil
		}

		sig := deriveSignature(src.sig, adds, remove)
		if sameSignature(sig, src.sig) {
			lock, err := acquireChunks(w.ctx, LockWrite, []*ArchetypeChunk{loc.chunk})
			if err != nil {
				return err
			}
			if e.loc.Load() != loc {
				lock.Unlock()
				continue
			}
			writeValues(loc.chunk, loc.slot, adds)
			lock.Unlock()
			return nil
		}

		dst := w.archetypeFor(sig)
		chunk, slot := dst.TakeRecord()
		lock, err := acquireChunks(w.ctx, LockWrite, []*ArchetypeChunk{loc.chunk, chunk})
		if err != nil {
			dst.ReleaseRecord(chunk, slot)
			return err
		}
		if e.loc.Load() != loc {
			lock.Unlock()
			dst.ReleaseRecord(chunk, slot)
			continue
		}
		w.migrate(e, loc, chunk, slot, adds)
		lock.Unlock()
		return nil
	}
}

func (a *Archetype) hasAny(types []*ComponentType) bool {
	for _, ct := range types {
		if _, ok := a.index[ct]; ok {
			return true
		}
	}
	return false
}

func deriveSignature(base []componentKey, adds []value, remove []*ComponentType) []componentKey {
	sig := make([]componentKey, 0, len(base)+len(adds))
	for _, k := range base {
		if slices.Contains(remove, k.ctype) || slices.ContainsFunc(adds, func(v value) bool { return v.ctype == k.ctype }) {
			continue
		}
		sig = append(sig, k)
	}
	for _, v := range adds {
		sig = append(sig, componentKey{ctype: v.ctype, hash: v.hash})
	}
	slices.SortFunc(sig, lessKey)
	return sig
}

// migrate copies e from its current record into (chunk, slot) and swaps the
// location. The caller holds both chunk locks and has validated from.
func (w *World) migrate(e *Entity, from *location, chunk *ArchetypeChunk, slot int, adds []value) {
	dst := chunk.archetype
	for i := range dst.columns {
		col := &dst.columns[i]
		if srcCol := from.chunk.archetype.columnFor(col.ctype); srcCol != nil {
			copy(chunk.bytes(slot, col), from.chunk.bytes(from.slot, srcCol))
		}
	}
	writeValues(chunk, slot, adds)

	chunk.owners[slot].Store(e)
	e.loc.Store(&location{chunk: chunk, slot: slot})
	from.chunk.owners[from.slot].CompareAndSwap(e, nil)
	from.chunk.archetype.ReleaseRecord(from.chunk, from.slot)
}

func writeValues(chunk *ArchetypeChunk, slot int, values []value) {
	for _, v := range values {
		col := chunk.archetype.columnFor(v.ctype)
		if col == nil || v.ctype.size == 0 {
			continue
		}
		reflect.NewAt(v.ctype.typ, chunk.pointer(slot, col)).Elem().Set(reflect.ValueOf(v.v))
	}
}

// TryLockEntities locks the chunks of every entity in mode. Locations are
// snapshotted, the chunks locked all-or-nothing, and the locations checked
// again; if any entity moved in between, everything is released and the
// acquisition restarts. A dead entity fails with ErrEntityNotAlive.
func (w *World) TryLockEntities(ctx context.Context, mode LockMode, entities ...*Entity) (*EntityLock, error) {
	return w.lockEntities(ctx, mode, entities, false)
}

func (w *World) lockEntities(ctx context.Context, mode LockMode, entities []*Entity, skipDead bool) (*EntityLock, error) {
	snapshot := make([]*location, len(entities))
	chunks := make([]*ArchetypeChunk, 0, len(entities))
	for {
		chunks = chunks[:0]
		for i, e := range entities {
			loc := e.loc.Load()
			if loc == nil && !skipDead {
				return nil, fmt.Errorf("%w: %s", ErrEntityNotAlive, e)
			}
			snapshot[i] = loc
			if loc != nil {
				chunks = append(chunks, loc.chunk)
			}
		}

		lock, err := acquireChunks(ctx, mode, chunks)
		if err != nil {
			return nil, err
		}
		if w.testHookLocked != nil {
			w.testHookLocked()
		}

		moved := false
		for i, e := range entities {
			if e.loc.Load() != snapshot[i] {
				moved = true
				break
			}
		}
		if !moved {
			return lock, nil
		}
		lock.Unlock()
		w.lockRetries.Add(1)
	}
}

// enqueueDespawn reports false once the world is closed.
func (w *World) enqueueDespawn(e *Entity) bool {
	if w.disposed.Load() {
		return false
	}
	w.idle.update(func() bool {
		w.pending.Add(1)
		return false
	})
	w.despawnQ.Enqueue(e)
	select {
	case w.despawnWake <- struct{}{}:
	default:
	}
	return true
}

func (w *World) despawnLoop() {
	defer close(w.despawnDone)

	batch := make([]*Entity, 0, w.cfg.DespawnBatch)
	for {
		select {
		case <-w.despawnStop:
			return
		case <-w.despawnWake:
		}

		for {
			batch = batch[:0]
			for len(batch) < w.cfg.DespawnBatch {
				e, ok := w.despawnQ.Dequeue()
				if !ok {
					break
				}
				batch = append(batch, e)
			}
			if len(batch) == 0 {
				break
			}
			w.despawnBatch(batch)
		}
	}
}

func (w *World) despawnBatch(batch []*Entity) {
	defer w.idle.update(func() bool {
		return w.pending.Add(-int64(len(batch))) == 0
	})

	lock, err := w.lockEntities(w.ctx, LockWrite, batch, true)
	if err != nil {
		w.logger.Warn("Despawn batch dropped", log.Int("entities", len(batch)), log.Error(err))
		return
	}

	freed := make([]record, 0, len(batch))
	ids := make([]uint64, 0, len(batch))
	for _, e := range batch {
		loc := e.loc.Load()
		if loc == nil {
			continue
		}
		e.loc.Store(nil)
		loc.chunk.owners[loc.slot].CompareAndSwap(e, nil)
		freed = append(freed, record{chunk: loc.chunk, slot: loc.slot})
		ids = append(ids, e.id)
	}
	lock.Unlock()

	for _, r := range freed {
		r.chunk.archetype.ReleaseRecord(r.chunk, r.slot)
	}
	if len(ids) > 0 {
		publish(w.cfg.Bus, EventEntityDespawned, w.id, EntitiesDespawned{IDs: ids})
	}
}

// WaitDespawns blocks until every queued despawn has been applied.
func (w *World) WaitDespawns(ctx context.Context) error {
	return w.idle.waitContext(ctx)
}

func (w *World) addSystem(s *System) error {
	w.systemsMu.Lock()
	if w.disposed.Load() {
		w.systemsMu.Unlock()
		return ErrWorldDisposed
	}
	w.systems = append(w.systems, s)
	w.systemsMu.Unlock()

	for _, a := range w.Archetypes() {
		s.considerArchetype(a)
	}
	return nil
}

func (w *World) removeSystem(s *System) {
	w.systemsMu.Lock()
	w.systems = slices.DeleteFunc(w.systems, func(o *System) bool { return o == s })
	w.systemsMu.Unlock()
}

// AddQuery creates a query matching filter. The world holds it weakly, so an
// unreferenced query is collected without Dispose.
func (w *World) AddQuery(filter Filter) (*Query, error) {
	if w.disposed.Load() {
		return nil, ErrWorldDisposed
	}
	q, err := newQuery(w, filter)
	if err != nil {
		return nil, err
	}

	w.queriesMu.Lock()
	w.queries = append(w.queries, weak.Make(q))
	w.queriesMu.Unlock()

	for _, a := range w.Archetypes() {
		q.consider(a)
	}
	return q, nil
}

// liveQueries returns the queries still referenced and prunes the rest.
func (w *World) liveQueries() []*Query {
	w.queriesMu.Lock()
	defer w.queriesMu.Unlock()

	live := make([]*Query, 0, len(w.queries))
	kept := w.queries[:0]
	for _, wp := range w.queries {
		q := wp.Value()
		if q == nil || q.disposed.Load() {
			continue
		}
		live = append(live, q)
		kept = append(kept, wp)
	}
	clear(w.queries[len(kept):])
	w.queries = kept
	return live
}

func (w *World) removeQuery(q *Query) {
	w.queriesMu.Lock()
	w.queries = slices.DeleteFunc(w.queries, func(wp weak.Pointer[Query]) bool {
		v := wp.Value()
		return v == nil || v == q
	})
	w.queriesMu.Unlock()
}

// Close disposes every system, applies pending despawns and stops the
// despawn worker. Later Spawn, Initialize and AddQuery calls fail with
// ErrWorldDisposed.
func (w *World) Close(ctx context.Context) error {
	if !w.disposed.CompareAndSwap(false, true) {
		return ErrWorldDisposed
	}

	w.logger.Debug("Closing world")

	errs := concurrent.Concurrent(w.Systems(), func(s *System) error { return s.Dispose(ctx) })
	for _, q := range w.liveQueries() {
		q.Dispose()
	}
	if err := w.WaitDespawns(ctx); err != nil {
		errs = errors.Join(errs, err)
	}

	// Signal stop
	close(w.despawnStop)
	select {
	case <-w.despawnDone:
	case <-ctx.Done():
		errs = errors.Join(errs, ctx.Err())
	}
	w.cancel()

	w.logger.Debug("World closed")
	return errs
}
