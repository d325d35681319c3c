package ecs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type Position struct {
	X, Y float32
}

type Velocity struct {
	X, Y float32
}

type Health struct {
	HP int32
}

type Frozen struct{}

// Shape routes entities to archetypes by Kind.
type Shape struct {
	Kind uint8
	Size float32
}

func (s Shape) AffectiveHash() uint64 { return uint64(s.Kind) + 1 }

type Pointy struct {
	Name string
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newTestWorld(t *testing.T, opts ...func(*WorldConfig)) *World {
	t.Helper()
	cfg := DefaultWorldConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	w := NewWorld(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Close(ctx)
	})
	return w
}

func newTestSchedule(t *testing.T, workers int, opts ...func(*ScheduleConfig)) *Schedule {
	t.Helper()
	cfg := DefaultScheduleConfig()
	cfg.Workers = workers
	for _, opt := range opts {
		opt(&cfg)
	}
	s := NewSchedule(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustSpawn(t *testing.T, w *World, components ...any) *Entity {
	t.Helper()
	e, err := w.Spawn(components...)
	require.NoError(t, err)
	return e
}

func mustSystem(t *testing.T, def Definition) *System {
	t.Helper()
	s, err := NewSystem(def)
	require.NoError(t, err)
	return s
}
