package ecs

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/zecs/internal/core/events/bus"
)

func TestMovementAcrossChunkBoundary(t *testing.T) {
	const (
		entities = 1000
		dt       = float32(0.5)
	)

	w := newTestWorld(t, func(c *WorldConfig) { c.ChunkBytes = 4096 })
	sched := newTestSchedule(t, 4)

	spawned := make([]*Entity, entities)
	for i := range spawned {
		spawned[i] = mustSpawn(t, w,
			Position{X: float32(i), Y: -float32(i)},
			Velocity{X: 1, Y: float32(i % 7)},
		)
	}
	a := spawned[0].Archetype()
	require.Equal(t, 256, a.ChunkCapacity())
	require.Len(t, a.Chunks(), 4)
	require.NotSame(t, spawned[255].Chunk(), spawned[256].Chunk())
	require.Equal(t, 255*a.RecordSize(), spawned[255].Offset())
	require.Equal(t, 0, spawned[256].Offset())

	var mu sync.Mutex
	visits := make(map[*Entity]int, entities)
	move := mustSystem(t, Definition{
		Name:   "movement",
		Access: []Access{Writes[Position](), Reads[Velocity]()},
		Process: func(view *ChunkView, cmds *Commands) {
			view.Each(func(i int) {
				p := Write[Position](view, i)
				v := Read[Velocity](view, i)
				p.X += v.X * dt
				p.Y += v.Y * dt

				mu.Lock()
				visits[view.Entity(i)]++
				mu.Unlock()
			})
		},
	})
	// a long period leaves exactly the first cycle to the enqueue goroutine
	require.NoError(t, move.Initialize(w, WithSchedule(sched), WithCyclePeriod(time.Hour)))

	ctx := testContext(t)
	require.Eventually(t, func() bool { return move.Cycles() == 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, move.Wait(ctx))

	require.Len(t, visits, entities)
	for i, e := range spawned {
		require.Equal(t, 1, visits[e], "entity %d", i)
		pos, ok := TryGet[Position](e)
		require.True(t, ok)
		require.Equal(t, Position{X: float32(i) + dt, Y: -float32(i) + float32(i%7)*dt}, pos, "entity %d", i)
	}

	require.EqualValues(t, 4, move.Metrics().Packages)
	require.EqualValues(t, 4, sched.Stats().Executed)
	require.Eventually(t, func() bool { return sched.Stats().Cycles == 1 }, time.Second, time.Millisecond)
}

func TestScheduledDependencyOrdering(t *testing.T) {
	w := newTestWorld(t)
	sched := newTestSchedule(t, 4)

	producer := mustSystem(t, Definition{Name: "producer"})
	var (
		mu       sync.Mutex
		observed []uint64
		sampled  []uint64
		consumer *System
	)
	consumer = mustSystem(t, Definition{
		Name: "consumer",
		OnCycle: func(time.Duration) {
			// the producer count this cycle was ordered against
			consumer.mu.Lock()
			o := consumer.deps[producer]
			consumer.mu.Unlock()

			mu.Lock()
			observed = append(observed, o)
			sampled = append(sampled, producer.Cycles())
			mu.Unlock()
		},
	})
	require.NoError(t, consumer.AddDependency(producer))
	require.NoError(t, producer.Initialize(w, WithSchedule(sched)))
	require.NoError(t, consumer.Initialize(w, WithSchedule(sched)))

	require.Eventually(t, func() bool { return consumer.Cycles() >= 50 }, 5*time.Second, time.Millisecond)
	consumer.SetEnabled(false)
	require.NoError(t, consumer.Wait(testContext(t)))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, observed)
	for i, n := range observed {
		require.GreaterOrEqual(t, n, uint64(i+1), "consumer cycle %d", i+1)
		if i > 0 {
			require.Greater(t, n, observed[i-1], "every consumer cycle follows a new producer cycle")
		}
		require.GreaterOrEqual(t, sampled[i], n)
	}
}

func TestScheduleRunsPeriodicSystem(t *testing.T) {
	w := newTestWorld(t)
	sched := newTestSchedule(t, 2)

	var ticks atomic.Int64
	s := mustSystem(t, Definition{OnCycle: func(time.Duration) { ticks.Add(1) }})
	require.NoError(t, s.Initialize(w, WithSchedule(sched), WithCyclePeriod(5*time.Millisecond)))

	time.Sleep(120 * time.Millisecond)
	n := ticks.Load()
	require.GreaterOrEqual(t, n, int64(5))
	require.LessOrEqual(t, n, int64(30))
}

func TestScheduleSurvivesFaults(t *testing.T) {
	events := bus.New()
	var published atomic.Int64
	_, err := events.Subscribe(EventSystemFault, func(ev bus.Event) error {
		published.Add(1)
		return nil
	})
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		faults []error
	)
	w := newTestWorld(t)
	sched := newTestSchedule(t, 2, func(c *ScheduleConfig) {
		c.Bus = events
		c.OnFault = func(_ *System, err error) {
			mu.Lock()
			faults = append(faults, err)
			mu.Unlock()
		}
	})

	for i := 0; i < 8; i++ {
		mustSpawn(t, w, Health{HP: int32(i)})
	}

	broken := mustSystem(t, Definition{
		Name:   "broken",
		Access: []Access{Reads[Health]()},
		Process: func(view *ChunkView, cmds *Commands) {
			panic("boom")
		},
	})
	var healthy atomic.Int64
	fine := mustSystem(t, Definition{
		Name:    "fine",
		Access:  []Access{Reads[Health]()},
		Process: func(view *ChunkView, cmds *Commands) { healthy.Add(int64(view.Len())) },
	})
	require.NoError(t, broken.Initialize(w, WithSchedule(sched)))
	require.NoError(t, fine.Initialize(w, WithSchedule(sched)))

	require.Eventually(t, func() bool {
		return broken.Cycles() >= 10 && fine.Cycles() >= 10
	}, 5*time.Second, time.Millisecond, "workers keep running after faults")

	require.GreaterOrEqual(t, broken.Metrics().Faults, uint64(10))
	require.Zero(t, fine.Metrics().Faults)
	require.Positive(t, healthy.Load())
	require.GreaterOrEqual(t, sched.Stats().Faults, uint64(10))
	require.Positive(t, published.Load())

	mu.Lock()
	require.NotEmpty(t, faults)
	require.ErrorContains(t, faults[0], "boom")
	require.ErrorContains(t, faults[0], "broken")
	mu.Unlock()
}

func TestScheduleRequeuesLockedChunk(t *testing.T) {
	w := newTestWorld(t)
	sched := newTestSchedule(t, 2)
	e := mustSpawn(t, w, Position{})

	// hold the only chunk so the package cannot run
	require.True(t, e.Chunk().Locker().TryLock())

	s := mustSystem(t, Definition{
		Access: []Access{Writes[Position]()},
		Process: func(view *ChunkView, cmds *Commands) {
			view.Each(func(i int) { Write[Position](view, i).X++ })
		},
	})
	require.NoError(t, s.Initialize(w, WithSchedule(sched), WithCyclePeriod(time.Hour)))
	require.Eventually(t, func() bool { return sched.Stats().Requeued > 0 }, 5*time.Second, time.Millisecond)
	require.True(t, s.IsWorking())

	e.Chunk().Locker().Unlock()
	require.NoError(t, s.Wait(testContext(t)))
	pos, _ := TryGet[Position](e)
	require.Equal(t, float32(1), pos.X)
}

func TestScheduleCloseReleasesQueuedWork(t *testing.T) {
	w := newTestWorld(t)
	sched := NewSchedule(ScheduleConfig{Name: "closing", Workers: 1})
	e := mustSpawn(t, w, Position{})
	require.True(t, e.Chunk().Locker().TryLock())

	s := mustSystem(t, Definition{
		Access:  []Access{Writes[Position]()},
		Process: func(view *ChunkView, cmds *Commands) {},
	})
	require.NoError(t, s.Initialize(w, WithSchedule(sched), WithCyclePeriod(time.Hour)))
	require.Eventually(t, func() bool { return sched.Stats().Requeued > 0 }, 5*time.Second, time.Millisecond)

	require.NoError(t, sched.Close(testContext(t)))
	e.Chunk().Locker().Unlock()

	require.NoError(t, s.Wait(testContext(t)), "queued packages are released on close")
	require.EqualValues(t, 1, s.Cycles())
	require.ErrorIs(t, sched.Close(testContext(t)), ErrScheduleClosed)
	require.ErrorIs(t, s.Execute(testContext(t)), ErrScheduleClosed)
	require.False(t, s.TryExecute(), "no cycle starts on a closed schedule")
	require.EqualValues(t, 1, s.Cycles())

	late := mustSystem(t, Definition{})
	require.ErrorIs(t, late.Initialize(w, WithSchedule(sched)), ErrScheduleClosed)
	require.NotContains(t, w.Systems(), late)
}

func TestScheduleCommandsAndEvents(t *testing.T) {
	events := bus.New()
	var created atomic.Int64
	_, err := events.Subscribe(EventArchetypeCreated, func(bus.Event) error {
		created.Add(1)
		return nil
	})
	require.NoError(t, err)
	var cycles atomic.Int64
	_, err = events.Subscribe(EventSystemCycle, func(ev bus.Event) error {
		if _, ok := ev.Data().(SystemCycle); !ok {
			return errors.New("unexpected payload")
		}
		cycles.Add(1)
		return nil
	})
	require.NoError(t, err)

	w := newTestWorld(t, func(c *WorldConfig) { c.Bus = events })
	sched := newTestSchedule(t, 3, func(c *ScheduleConfig) { c.Bus = events })

	for i := 0; i < 30; i++ {
		mustSpawn(t, w, Health{HP: int32(i % 3)})
	}
	require.EqualValues(t, 1, created.Load())

	reaper := mustSystem(t, Definition{
		Name:    "reaper",
		Access:  []Access{Reads[Health]()},
		Process: func(view *ChunkView, cmds *Commands) {
			view.Each(func(i int) {
				switch Read[Health](view, i).HP {
				case 0:
					cmds.Despawn(view.Entity(i))
				case 1:
					cmds.Insert(view.Entity(i), Frozen{})
				}
			})
		},
	})
	require.NoError(t, reaper.Initialize(w, WithSchedule(sched), WithCyclePeriod(time.Hour)))
	require.Eventually(t, func() bool { return reaper.Cycles() == 1 }, 5*time.Second, time.Millisecond)
	ctx := testContext(t)
	require.NoError(t, reaper.Wait(ctx))
	require.NoError(t, w.WaitDespawns(ctx))

	q, err := w.AddQuery(With[Frozen](Filter{}))
	require.NoError(t, err)
	require.Equal(t, 10, q.Count())
	require.Equal(t, 20, w.Stats().Entities)
	require.EqualValues(t, 2, created.Load())
	assert.Eventually(t, func() bool { return cycles.Load() >= 1 }, time.Second, time.Millisecond)
}
