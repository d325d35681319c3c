package ecs

import (
	"context"
	"errors"
	"math"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/zecs/internal/core/observability/log"
	"github.com/zeusync/zecs/pkg/generic"
	"github.com/zeusync/zecs/pkg/sequence"
)

// workPackage is either the start of a system cycle (chunk nil) or one
// chunk's worth of a running cycle.
type workPackage struct {
	system *System
	chunk  *ArchetypeChunk
}

// Schedule owns one enqueue goroutine and a pool of executor goroutines.
// The enqueue goroutine orders due systems; executors drain the shared
// package queue.
type Schedule struct {
	id     string
	cfg    ScheduleConfig
	logger log.Log

	mu      sync.RWMutex
	systems []*System
	closed  bool

	queue       *sequence.Queue[workPackage]
	wake        chan struct{}
	enqueueWake chan struct{}
	stop        chan struct{}
	group       *errgroup.Group
	commands    *generic.Pool[*Commands]

	executed atomic.Uint64
	requeued atomic.Uint64
	faults   atomic.Uint64
	cycles   atomic.Uint64
}

// NewSchedule starts a schedule. Stop it with Close.
func NewSchedule(cfg ScheduleConfig) *Schedule {
	cfg = cfg.withDefaults()
	id := uuid.NewString()

	s := &Schedule{
		id:  id,
		cfg: cfg,
		logger: cfg.Logger.With(
			log.String("component", "schedule"),
			log.String("schedule", cfg.Name),
			log.String("schedule_id", id)),
		queue:       sequence.NewQueue[workPackage](),
		wake:        make(chan struct{}, cfg.Workers),
		enqueueWake: make(chan struct{}, 1),
		stop:        make(chan struct{}),
		group:       new(errgroup.Group),
		commands:    generic.NewResetPool(newCommands, (*Commands).reset),
	}

	s.group.Go(func() error {
		s.enqueueLoop()
		return nil
	})
	for i := 0; i < cfg.Workers; i++ {
		s.group.Go(func() error {
			s.executorLoop()
			return nil
		})
	}

	s.logger.Info("Schedule started", log.Int("workers", cfg.Workers))
	return s
}

func (s *Schedule) ID() string   { return s.id }
func (s *Schedule) Name() string { return s.cfg.Name }

// Systems returns a snapshot of the registered systems.
func (s *Schedule) Systems() []*System {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.systems)
}

func (s *Schedule) register(sys *System) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrScheduleClosed
	}
	s.systems = append(s.systems, sys)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Schedule) unregister(sys *System) {
	s.mu.Lock()
	s.systems = slices.DeleteFunc(s.systems, func(o *System) bool { return o == sys })
	s.mu.Unlock()
}

func (s *Schedule) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// enqueue pushes a package and wakes one executor. It reports false once
// the schedule is closed; the caller then owns the package's release.
func (s *Schedule) enqueue(pkg workPackage) bool {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	s.queue.Enqueue(pkg)
	s.mu.RUnlock()
	s.signal(1)
	return true
}

func (s *Schedule) signal(n int) {
	for i := 0; i < n; i++ {
		select {
		case s.wake <- struct{}{}:
		default:
			return
		}
	}
}

// notify wakes the enqueue goroutine.
func (s *Schedule) notify() {
	select {
	case s.enqueueWake <- struct{}{}:
	default:
	}
}

// idleKey orders systems longest idle first; never-run systems lead.
func idleKey(last time.Time) int64 {
	if last.IsZero() {
		return math.MinInt64
	}
	return last.UnixNano()
}

func (s *Schedule) enqueueLoop() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	candidates := sequence.NewPriorityQueue[*System, int64]()
	deadlines := sequence.NewPriorityQueue[time.Time, int64]()
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		candidates.Reset()
		deadlines.Reset()
		for _, sys := range s.Systems() {
			candidates.Enqueue(sys, idleKey(sys.lastExecution()))
		}

		now := s.cfg.Clock.Now()
		for {
			sys, ok := candidates.Dequeue()
			if !ok {
				break
			}
			err := sys.order(now, false)
			if err == nil {
				if !s.enqueue(workPackage{system: sys}) {
					sys.ReleaseWork()
					return
				}
				continue
			}
			if errors.Is(err, errNotDue) {
				if d, ok := sys.deadline(); ok {
					deadlines.Enqueue(d, d.UnixNano())
				}
			}
		}

		var timeout <-chan time.Time
		if next, ok := deadlines.Peek(); ok {
			timer.Reset(max(next.Value.Sub(s.cfg.Clock.Now()), 0))
			timeout = timer.C
		}

		select {
		case <-s.stop:
			return
		case <-s.enqueueWake:
		case <-timeout:
		}
		timer.Stop()
	}
}

func (s *Schedule) executorLoop() {
	for {
		pkg, ok := s.queue.Dequeue()
		if !ok {
			select {
			case <-s.stop:
				return
			case <-s.wake:
			}
			continue
		}

		s.run(pkg)

		select {
		case <-s.stop:
			return
		default:
		}
	}
}

func (s *Schedule) run(pkg workPackage) {
	sys := pkg.system

	if pkg.chunk == nil {
		chunks, _ := sys.beginCycle()
		for _, c := range chunks {
			if !s.enqueue(workPackage{system: sys, chunk: c}) {
				sys.ReleaseWork()
			}
		}
		sys.ReleaseWork()
		return
	}

	if !pkg.chunk.locker.TryAcquire(sys.mode) {
		// lock is busy, let this executor move on
		s.requeued.Add(1)
		if !s.enqueue(pkg) {
			sys.ReleaseWork()
		}
		runtime.Gosched()
		return
	}

	cmds := s.commands.Get()
	_ = sys.processChunk(pkg.chunk, cmds)
	pkg.chunk.locker.Release(sys.mode)

	if cmds.Len() > 0 {
		if err := cmds.apply(sys.world); err != nil {
			s.logger.Warn("Commands failed",
				log.String("system", sys.name),
				log.Int("commands", cmds.Len()),
				log.Error(err))
		}
	}
	s.commands.Put(cmds)
	s.executed.Add(1)
	sys.ReleaseWork()
}

func (s *Schedule) fault(sys *System, err error) {
	s.faults.Add(1)
	s.logger.Error("System fault", log.String("system", sys.name), log.Error(err))
	publish(s.cfg.Bus, EventSystemFault, s.id, SystemFault{System: sys.name, Err: err})
	if s.cfg.OnFault != nil {
		s.cfg.OnFault(sys, err)
	}
}

func (s *Schedule) cycleDone(sys *System, cycle uint64) {
	s.cycles.Add(1)
	publish(s.cfg.Bus, EventSystemCycle, s.id, SystemCycle{System: sys.name, Cycle: cycle})
	s.notify()
}

// Stats returns a point-in-time view of the schedule counters.
func (s *Schedule) Stats() ScheduleStats {
	s.mu.RLock()
	systems := len(s.systems)
	s.mu.RUnlock()
	return ScheduleStats{
		ID:       s.id,
		Name:     s.cfg.Name,
		Systems:  systems,
		Workers:  s.cfg.Workers,
		Queued:   s.queue.Len(),
		Executed: s.executed.Load(),
		Requeued: s.requeued.Load(),
		Faults:   s.faults.Load(),
		Cycles:   s.cycles.Load(),
	}
}

// Close stops the enqueue and executor goroutines and releases packages
// that were still queued, so every started cycle completes.
func (s *Schedule) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrScheduleClosed
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("Stopping schedule")

	// Signal stop
	close(s.stop)
	s.signal(s.cfg.Workers)

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	drained := 0
	for {
		pkg, ok := s.queue.Dequeue()
		if !ok {
			break
		}
		pkg.system.ReleaseWork()
		drained++
	}

	s.logger.Info("Schedule stopped",
		log.Uint64("executed", s.executed.Load()),
		log.Int("drained", drained))
	return nil
}
