package ecs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelindar/bitmap"
	"github.com/rotisserie/eris"

	"github.com/zeusync/zecs/internal/core/observability/log"
)

// Access declares one component a system touches.
type Access struct {
	Type  reflect.Type
	Write bool
}

func Reads[T any]() Access  { return Access{Type: reflect.TypeFor[T]()} }
func Writes[T any]() Access { return Access{Type: reflect.TypeFor[T](), Write: true} }

// Definition is everything the engine needs to run a system. Access lists
// the components the system reads or writes; every matched archetype carries
// all of them plus Include and none of Exclude.
type Definition struct {
	Name    string
	Access  []Access
	Include []reflect.Type
	Exclude []reflect.Type

	// Classify, when set, is asked once per matched archetype with a live
	// sample entity; archetypes it rejects are not processed.
	Classify func(sample *Entity) bool

	// Process runs once per chunk package under the chunk lock.
	Process func(view *ChunkView, cmds *Commands)

	OnStart      func()
	OnCycle      func(dt time.Duration)
	OnLateUpdate func()
}

type SystemOption func(*System)

// WithSchedule runs the system on sched. Without a schedule, Execute runs
// the cycle on the calling goroutine.
func WithSchedule(sched *Schedule) SystemOption {
	return func(s *System) { s.schedule = sched }
}

// WithCyclePeriod limits the system to one cycle per period.
func WithCyclePeriod(period time.Duration) SystemOption {
	return func(s *System) { s.period = period }
}

func WithEnabled(enabled bool) SystemOption {
	return func(s *System) { s.enabled = enabled }
}

var (
	errBusy   = errors.New("system is working")
	errNotDue = errors.New("system is not due")
)

// System is the execution state of one Definition: enablement, cadence,
// dependencies and in-flight accounting. A system runs at most one cycle at
// a time.
type System struct {
	def     Definition
	name    string
	access  map[*ComponentType]bool
	mode    LockMode
	writes  bitmap.Bitmap
	matcher matcher

	world    *World
	schedule *Schedule
	clock    Clock
	logger   log.Log

	mu          sync.Mutex
	initialized bool
	enabled     bool
	working     bool
	period      time.Duration
	drift       time.Duration
	lastExec    time.Time
	dt          time.Duration
	cycleStart  time.Time
	deps        map[*System]uint64

	disposed atomic.Bool
	detached atomic.Bool

	archMu     sync.RWMutex
	archetypes []*Archetype

	inflight atomic.Int64
	cycles   atomic.Uint64
	idle     *gate

	packages  atomic.Uint64
	faults    atomic.Uint64
	lastCycle atomic.Int64
}

// NewSystem validates def and returns an uninitialized system.
func NewSystem(def Definition) (*System, error) {
	if def.Name == "" {
		def.Name = "system"
	}
	s := &System{
		def:     def,
		name:    def.Name,
		access:  make(map[*ComponentType]bool, len(def.Access)),
		mode:    LockNone,
		logger:  log.Nop(),
		enabled: true,
		deps:    make(map[*System]uint64),
		idle:    newGate(true),
	}

	include := slices.Clone(def.Include)
	for _, acc := range def.Access {
		ct, err := componentTypeOf(acc.Type)
		if err != nil {
			return nil, fmt.Errorf("system %s: %w", def.Name, err)
		}
		s.access[ct] = s.access[ct] || acc.Write
		include = append(include, acc.Type)
	}
	for ct, write := range s.access {
		if write {
			s.writes.Set(ct.id)
			s.mode = LockWrite
		} else if s.mode == LockNone {
			s.mode = LockRead
		}
	}

	m, err := newMatcher(include, def.Exclude)
	if err != nil {
		return nil, fmt.Errorf("system %s: %w", def.Name, err)
	}
	s.matcher = m
	return s, nil
}

// Initialize attaches the system to w and, when configured, a schedule.
func (s *System) Initialize(w *World, opts ...SystemOption) error {
	if s.disposed.Load() {
		return ErrSystemDisposed
	}
	if w.Disposed() {
		return ErrWorldDisposed
	}

	for _, dep := range s.Dependencies() {
		if dw := dep.World(); dw != nil && dw != w {
			return ErrForeignDependency
		}
	}

	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	for _, opt := range opts {
		opt(s)
	}
	s.world = w
	s.clock = SystemClock()
	base := w.logger
	if s.schedule != nil {
		s.clock = s.schedule.cfg.Clock
		base = s.schedule.logger
	}
	s.logger = base.With(log.String("system", s.name))
	s.initialized = true
	enabled := s.enabled
	s.mu.Unlock()

	if err := w.addSystem(s); err != nil {
		s.uninitialize()
		return err
	}
	if s.schedule != nil {
		if err := s.schedule.register(s); err != nil {
			w.removeSystem(s)
			s.uninitialize()
			return err
		}
	}

	s.logger.Debug("System initialized",
		log.String("mode", s.mode.String()),
		log.Duration("period", s.CycleTime()),
		log.Bool("enabled", enabled))

	if enabled && s.def.OnStart != nil {
		_ = s.guard("OnStart", s.def.OnStart)
	}
	return nil
}

func (s *System) uninitialize() {
	s.mu.Lock()
	s.initialized = false
	s.world = nil
	s.mu.Unlock()
}

func (s *System) Name() string { return s.name }

// Mode is the chunk lock mode derived from the declared access.
func (s *System) Mode() LockMode { return s.mode }

func (s *System) World() *World {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.world
}

func (s *System) Schedule() *Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule
}

// Writes reports whether the system declared write access to t.
func (s *System) Writes(t reflect.Type) bool {
	ct, ok := lookupType(t)
	return ok && s.writes.Contains(ct.id)
}

func (s *System) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled toggles the system. Enabling an initialized system fires OnStart.
func (s *System) SetEnabled(enabled bool) {
	s.mu.Lock()
	was := s.enabled
	s.enabled = enabled
	live := s.initialized && !s.disposed.Load()
	s.mu.Unlock()

	if !live || was == enabled || !enabled {
		return
	}
	if s.def.OnStart != nil {
		_ = s.guard("OnStart", s.def.OnStart)
	}
	if s.schedule != nil {
		s.schedule.notify()
	}
}

// CycleTime is the configured cycle period; zero means every opportunity.
func (s *System) CycleTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

func (s *System) SetCycleTime(period time.Duration) {
	s.mu.Lock()
	s.period = period
	s.drift = 0
	s.mu.Unlock()
	if s.schedule != nil {
		s.schedule.notify()
	}
}

// Cycles is the number of completed cycles.
func (s *System) Cycles() uint64 { return s.cycles.Load() }

func (s *System) IsWorking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working
}

// AddDependency blocks new cycles of s until dep completes a cycle after
// the one s last observed.
func (s *System) AddDependency(dep *System) error {
	if dep == s {
		return ErrSelfDependency
	}
	if s.disposed.Load() {
		return ErrSystemDisposed
	}
	if w, dw := s.World(), dep.World(); w != nil && dw != nil && w != dw {
		return ErrForeignDependency
	}
	s.mu.Lock()
	s.deps[dep] = dep.cycles.Load()
	s.mu.Unlock()
	return nil
}

func (s *System) RemoveDependency(dep *System) {
	s.mu.Lock()
	delete(s.deps, dep)
	s.mu.Unlock()
	if s.schedule != nil {
		s.schedule.notify()
	}
}

func (s *System) Dependencies() []*System {
	s.mu.Lock()
	defer s.mu.Unlock()
	deps := make([]*System, 0, len(s.deps))
	for dep := range s.deps {
		deps = append(deps, dep)
	}
	return deps
}

// Archetypes returns the archetypes the system processes.
func (s *System) Archetypes() []*Archetype {
	s.archMu.RLock()
	defer s.archMu.RUnlock()
	return slices.Clone(s.archetypes)
}

func (s *System) considerArchetype(a *Archetype) {
	if s.disposed.Load() || !s.matcher.matches(a) {
		return
	}
	if s.def.Classify != nil {
		a.RegisterAffectiveSystem(s)
		return
	}
	s.addArchetype(a)
}

func (s *System) classify(a *Archetype, sample *Entity) {
	if s.disposed.Load() {
		return
	}
	keep := false
	if err := s.guard("Classify", func() { keep = s.def.Classify(sample) }); err != nil || !keep {
		return
	}
	s.addArchetype(a)
}

func (s *System) addArchetype(a *Archetype) {
	s.archMu.Lock()
	if !slices.Contains(s.archetypes, a) {
		s.archetypes = append(s.archetypes, a)
	}
	s.archMu.Unlock()
}

func (s *System) now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock.Now()
}

func (s *System) dueLocked(now time.Time) bool {
	if s.period <= 0 || s.lastExec.IsZero() {
		return true
	}
	return now.Sub(s.lastExec) >= s.period-s.drift
}

// deadline is the time the system next becomes due. ok is false when the
// system is not waiting on its cadence.
func (s *System) deadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized || !s.enabled || s.working || s.period <= 0 || s.lastExec.IsZero() {
		return time.Time{}, false
	}
	return s.lastExec.Add(s.period - s.drift), true
}

func (s *System) lastExecution() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExec
}

// TryOrderWork starts a cycle if the system is enabled, idle, due at now and
// every dependency has advanced since the last observation.
func (s *System) TryOrderWork(now time.Time) bool {
	return s.order(now, false) == nil
}

func (s *System) order(now time.Time, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.disposed.Load():
		return ErrSystemDisposed
	case !s.initialized:
		return ErrNotInitialized
	case !s.enabled:
		return ErrSystemDisabled
	case s.schedule != nil && s.schedule.isClosed():
		return ErrScheduleClosed
	case s.working:
		return errBusy
	case !force && !s.dueLocked(now):
		return errNotDue
	}

	type seen struct {
		dep    *System
		cycles uint64
	}
	observed := make([]seen, 0, len(s.deps))
	for dep, last := range s.deps {
		if dep.disposed.Load() {
			continue
		}
		cur := dep.cycles.Load()
		if cur <= last {
			return ErrDependencyPending
		}
		observed = append(observed, seen{dep: dep, cycles: cur})
	}
	for _, o := range observed {
		s.deps[o.dep] = o.cycles
	}

	s.dt = 0
	if !s.lastExec.IsZero() {
		elapsed := now.Sub(s.lastExec)
		s.dt = elapsed
		if s.period > 0 {
			s.drift = min(max(s.drift+elapsed-s.period, 0), s.period)
		}
	}
	s.lastExec = now
	s.cycleStart = time.Now()
	s.working = true
	s.inflight.Store(1)
	s.idle.set(false)
	return nil
}

// beginCycle runs OnCycle and accounts one package per non-empty chunk.
func (s *System) beginCycle() ([]*ArchetypeChunk, error) {
	s.mu.Lock()
	dt := s.dt
	s.mu.Unlock()

	var err error
	if s.def.OnCycle != nil {
		err = s.guard("OnCycle", func() { s.def.OnCycle(dt) })
	}
	if s.def.Process == nil {
		return nil, err
	}

	var chunks []*ArchetypeChunk
	for _, a := range s.Archetypes() {
		for _, c := range a.Chunks() {
			if c.Count() > 0 {
				chunks = append(chunks, c)
			}
		}
	}
	s.inflight.Add(int64(len(chunks)))
	return chunks, err
}

// processChunk runs Process over c. The caller holds the chunk lock.
func (s *System) processChunk(c *ArchetypeChunk, cmds *Commands) error {
	s.packages.Add(1)
	view := ChunkView{chunk: c, system: s, n: c.Count()}
	return s.guard("Process", func() { s.def.Process(&view, cmds) })
}

// ReleaseWork completes one package. The last one ends the cycle: OnLateUpdate
// fires, the cycle counter advances and the system becomes idle.
func (s *System) ReleaseWork() {
	if s.inflight.Add(-1) != 0 {
		return
	}
	if s.def.OnLateUpdate != nil {
		_ = s.guard("OnLateUpdate", s.def.OnLateUpdate)
	}

	s.mu.Lock()
	s.lastCycle.Store(int64(time.Since(s.cycleStart)))
	cycle := s.cycles.Add(1)
	s.working = false
	s.idle.set(true)
	s.mu.Unlock()

	if s.schedule != nil {
		s.schedule.cycleDone(s, cycle)
	}
}

// guard runs fn and turns a panic into a reported fault.
func (s *System) guard(stage string, fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		cause, ok := r.(error)
		if !ok {
			cause = eris.New(fmt.Sprint(r))
		}
		err = eris.Wrapf(cause, "system %s: %s panicked", s.name, stage)
		s.faults.Add(1)
		if s.schedule != nil {
			s.schedule.fault(s, err)
			return
		}
		s.logger.Error("System fault", log.String("stage", stage), log.Error(err))
	}()
	fn()
	return nil
}

// Execute starts a cycle regardless of cadence, waiting for a running cycle
// to finish first. On a schedule it returns once the cycle is queued;
// otherwise the cycle runs on the calling goroutine.
func (s *System) Execute(ctx context.Context) error {
	for {
		err := s.order(s.now(), true)
		if err == nil {
			return s.dispatch(ctx)
		}
		if !errors.Is(err, errBusy) {
			return err
		}
		if err := s.idle.waitContext(ctx); err != nil {
			return err
		}
	}
}

// ExecuteAndWait is Execute followed by Wait.
func (s *System) ExecuteAndWait(ctx context.Context) error {
	if err := s.Execute(ctx); err != nil {
		return err
	}
	return s.Wait(ctx)
}

// TryExecute starts a cycle only if the system can start one right now.
// It reports false on a closed schedule.
func (s *System) TryExecute() bool {
	if s.order(s.now(), true) != nil {
		return false
	}
	return s.dispatch(context.Background()) == nil
}

func (s *System) dispatch(ctx context.Context) error {
	if s.schedule != nil {
		if !s.schedule.enqueue(workPackage{system: s}) {
			s.ReleaseWork()
			return ErrScheduleClosed
		}
		return nil
	}
	return s.runInline(ctx)
}

func (s *System) runInline(ctx context.Context) error {
	chunks, errs := s.beginCycle()
	cmds := newCommands()
	for i, c := range chunks {
		if err := c.locker.Acquire(ctx, s.mode); err != nil {
			for range chunks[i:] {
				s.ReleaseWork()
			}
			s.ReleaseWork()
			return errors.Join(errs, err)
		}
		err := s.processChunk(c, cmds)
		c.locker.Release(s.mode)
		errs = errors.Join(errs, err)
		if cmds.Len() > 0 {
			errs = errors.Join(errs, cmds.apply(s.world))
			cmds.reset()
		}
		s.ReleaseWork()
	}
	s.ReleaseWork()
	return errs
}

// Wait blocks until the system has no cycle in flight.
func (s *System) Wait(ctx context.Context) error {
	return s.idle.waitContext(ctx)
}

// Dispose stops new cycles, waits for the running one to drain and detaches
// the system from its world and schedule. If ctx ends first the system stays
// disposed and a later Dispose finishes the detach.
func (s *System) Dispose(ctx context.Context) error {
	// under mu, so a cycle is either already ordered or never starts
	s.mu.Lock()
	s.disposed.Store(true)
	s.mu.Unlock()
	if err := s.idle.waitContext(ctx); err != nil {
		return err
	}
	if !s.detached.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	w, sched, initialized := s.world, s.schedule, s.initialized
	clear(s.deps)
	s.mu.Unlock()

	if initialized {
		if sched != nil {
			sched.unregister(s)
		}
		w.removeSystem(s)
	}

	s.archMu.Lock()
	s.archetypes = nil
	s.archMu.Unlock()

	s.logger.Debug("System disposed", log.Uint64("cycles", s.cycles.Load()))
	return nil
}

// Metrics returns a point-in-time view of the system counters.
func (s *System) Metrics() SystemMetrics {
	s.mu.Lock()
	enabled, working := s.enabled, s.working
	s.mu.Unlock()
	return SystemMetrics{
		Name:      s.name,
		Cycles:    s.cycles.Load(),
		Packages:  s.packages.Load(),
		Faults:    s.faults.Load(),
		LastCycle: time.Duration(s.lastCycle.Load()),
		Enabled:   enabled,
		Working:   working,
	}
}
