package scenario

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/zeusync/zecs/internal/config"
	"github.com/zeusync/zecs/internal/core/observability/log"
	"github.com/zeusync/zecs/pkg/ecs"
)

type Position struct {
	X, Y float32
}

type Velocity struct {
	X, Y float32
}

// Lifetime counts the aging cycles an entity has left.
type Lifetime struct {
	Cycles int32
}

// Report summarizes one run.
type Report struct {
	Elapsed   time.Duration `json:"elapsed"`
	Entities  int           `json:"entities"`
	Cycles    uint64        `json:"cycles"`
	Packages  uint64        `json:"packages"`
	Respawned uint64        `json:"respawned"`
	Faults    uint64        `json:"faults"`
}

// Movement integrates Position by Velocity every cycle. With churn, an aging
// system that depends on movement replaces entities whose Lifetime ran out.
type Movement struct {
	cfg    config.ScenarioConfig
	world  *ecs.World
	logger log.Log

	move *ecs.System
	age  *ecs.System

	lifetime  int32
	dt        atomic.Uint64 // float64 bits, seconds
	respawned atomic.Uint64
}

// NewMovement spawns the population and registers the systems on sched.
func NewMovement(cfg config.ScenarioConfig, w *ecs.World, sched *ecs.Schedule, logger log.Log) (*Movement, error) {
	if logger == nil {
		logger = log.Nop()
	}
	m := &Movement{
		cfg:    cfg,
		world:  w,
		logger: logger.With(log.String("component", "scenario"), log.String("scenario", "movement")),
	}
	if cfg.Churn > 0 {
		m.lifetime = int32(max(cfg.Entities/cfg.Churn, 1))
	}

	for i := 0; i < cfg.Entities; i++ {
		if _, err := w.Spawn(m.spawnSet(int32(i))...); err != nil {
			return nil, fmt.Errorf("spawn entity %d: %w", i, err)
		}
	}

	move, err := ecs.NewSystem(ecs.Definition{
		Name:    "movement",
		Access:  []ecs.Access{ecs.Writes[Position](), ecs.Reads[Velocity]()},
		OnCycle: func(dt time.Duration) { m.dt.Store(math.Float64bits(dt.Seconds())) },
		Process: m.integrate,
	})
	if err != nil {
		return nil, err
	}
	m.move = move

	opts := []ecs.SystemOption{ecs.WithSchedule(sched), ecs.WithCyclePeriod(cfg.Period), ecs.WithEnabled(false)}
	if err := move.Initialize(w, opts...); err != nil {
		return nil, err
	}

	if m.lifetime > 0 {
		age, err := ecs.NewSystem(ecs.Definition{
			Name:    "aging",
			Access:  []ecs.Access{ecs.Writes[Lifetime]()},
			Process: m.expire,
		})
		if err != nil {
			return nil, err
		}
		if err := age.AddDependency(move); err != nil {
			return nil, err
		}
		if err := age.Initialize(w, opts...); err != nil {
			return nil, err
		}
		m.age = age
	}

	m.logger.Info("Scenario ready",
		log.Int("entities", cfg.Entities),
		log.Int("archetypes", len(w.Archetypes())),
		log.Int("lifetime", int(m.lifetime)))
	return m, nil
}

// spawnSet builds the components of one entity. Initial lifetimes are spread
// so that about Churn entities expire per cycle.
func (m *Movement) spawnSet(i int32) []any {
	angle := rand.Float64() * 2 * math.Pi
	set := []any{
		Position{X: rand.Float32() * 1000, Y: rand.Float32() * 1000},
		Velocity{X: float32(math.Cos(angle)), Y: float32(math.Sin(angle))},
	}
	if m.lifetime > 0 {
		set = append(set, Lifetime{Cycles: i%m.lifetime + 1})
	}
	return set
}

func (m *Movement) integrate(view *ecs.ChunkView, _ *ecs.Commands) {
	dt := float32(math.Float64frombits(m.dt.Load()))
	view.Each(func(i int) {
		p := ecs.Write[Position](view, i)
		v := ecs.Read[Velocity](view, i)
		p.X += v.X * dt
		p.Y += v.Y * dt
	})
}

func (m *Movement) expire(view *ecs.ChunkView, cmds *ecs.Commands) {
	view.Each(func(i int) {
		e := view.Entity(i)
		if e.Despawning() {
			return
		}
		l := ecs.Write[Lifetime](view, i)
		l.Cycles--
		if l.Cycles > 0 {
			return
		}
		cmds.Despawn(e)
		cmds.Spawn(m.spawnSet(m.lifetime - 1)...)
		m.respawned.Add(1)
	})
}

// Systems returns the scenario systems in dependency order.
func (m *Movement) Systems() []*ecs.System {
	if m.age == nil {
		return []*ecs.System{m.move}
	}
	return []*ecs.System{m.move, m.age}
}

// Run enables the systems for the configured duration, or until ctx ends,
// then waits for the running cycles and pending despawns.
func (m *Movement) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	for _, s := range m.Systems() {
		s.SetEnabled(true)
	}

	timer := time.NewTimer(m.cfg.Duration)
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()

	// finish up even when ctx is already done
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var errs error
	for _, s := range m.Systems() {
		s.SetEnabled(false)
		errs = errors.Join(errs, s.Wait(waitCtx))
	}
	errs = errors.Join(errs, m.world.WaitDespawns(waitCtx))

	mv := m.move.Metrics()
	r := Report{
		Elapsed:   time.Since(start),
		Entities:  m.world.Stats().Entities,
		Cycles:    mv.Cycles,
		Packages:  mv.Packages,
		Respawned: m.respawned.Load(),
		Faults:    mv.Faults,
	}
	if m.age != nil {
		r.Faults += m.age.Metrics().Faults
	}

	m.logger.Info("Scenario finished",
		log.Duration("elapsed", r.Elapsed),
		log.Uint64("cycles", r.Cycles),
		log.Uint64("packages", r.Packages),
		log.Uint64("respawned", r.Respawned),
		log.Int("entities", r.Entities))
	return r, errs
}
