package scenario

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/zecs/internal/config"
	"github.com/zeusync/zecs/pkg/ecs"
)

func setup(t *testing.T, cfg config.ScenarioConfig) (*ecs.World, *Movement) {
	t.Helper()
	w := ecs.NewWorld(ecs.WorldConfig{ChunkBytes: 4096})
	sched := ecs.NewSchedule(ecs.ScheduleConfig{Name: "scenario", Workers: 4})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Close(ctx)
		_ = w.Close(ctx)
	})

	m, err := NewMovement(cfg, w, sched, nil)
	require.NoError(t, err)
	return w, m
}

func TestMovementRun(t *testing.T) {
	w, m := setup(t, config.ScenarioConfig{
		Entities: 600,
		Duration: 100 * time.Millisecond,
		Period:   time.Millisecond,
	})
	require.Len(t, m.Systems(), 1)
	require.Equal(t, 600, w.Stats().Entities)

	q, err := w.AddQuery(ecs.With[Position](ecs.Filter{}))
	require.NoError(t, err)
	before := make(map[*ecs.Entity]Position, 600)
	for e := range q.All() {
		p, err := ecs.QueryGet[Position](q, e)
		require.NoError(t, err)
		before[e] = p
	}

	r, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Positive(t, r.Cycles)
	require.Zero(t, r.Faults)
	require.Zero(t, r.Respawned)
	require.Equal(t, 600, r.Entities)
	require.GreaterOrEqual(t, r.Elapsed, 100*time.Millisecond)
	require.False(t, m.Systems()[0].Enabled())

	moved := 0
	for e, p := range before {
		now, ok := ecs.TryGet[Position](e)
		require.True(t, ok)
		if now != p {
			moved++
		}
	}
	require.Equal(t, 600, moved)
}

func TestMovementChurn(t *testing.T) {
	w, m := setup(t, config.ScenarioConfig{
		Entities: 500,
		Duration: 150 * time.Millisecond,
		Churn:    50,
	})
	require.Len(t, m.Systems(), 2)
	require.EqualValues(t, 10, m.lifetime)

	r, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Positive(t, r.Respawned)
	require.Equal(t, 500, r.Entities, "every despawn is paired with a spawn")
	require.Equal(t, 500, w.Stats().Entities)
	require.LessOrEqual(t, m.Systems()[1].Cycles(), m.Systems()[0].Cycles())
}

func TestMovementRunStopsWithContext(t *testing.T) {
	_, m := setup(t, config.ScenarioConfig{
		Entities: 10,
		Duration: time.Hour,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	r, err := m.Run(ctx)
	require.NoError(t, err)
	require.Less(t, r.Elapsed, time.Minute)
}
