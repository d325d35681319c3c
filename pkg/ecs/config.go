package ecs

import (
	"runtime"
	"time"

	"github.com/zeusync/zecs/internal/core/events/bus"
	"github.com/zeusync/zecs/internal/core/observability/log"
)

// DefaultChunkBytes is the target slab size of one archetype chunk.
const DefaultChunkBytes = 16000

// Clock is the time source of the scheduler.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// WorldConfig holds world configuration
type WorldConfig struct {
	// ChunkBytes is the byte budget of one chunk; capacity = ChunkBytes / RecordSize.
	ChunkBytes int
	// DespawnBatch caps how many despawns the background worker locks at once.
	DespawnBatch int

	Logger log.Log
	// Bus receives archetype and despawn events when set.
	Bus bus.EventBus
}

// DefaultWorldConfig returns default world configuration
func DefaultWorldConfig() WorldConfig {
	return WorldConfig{
		ChunkBytes:   DefaultChunkBytes,
		DespawnBatch: 256,
	}
}

func (c WorldConfig) withDefaults() WorldConfig {
	d := DefaultWorldConfig()
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = d.ChunkBytes
	}
	if c.DespawnBatch <= 0 {
		c.DespawnBatch = d.DespawnBatch
	}
	if c.Logger == nil {
		c.Logger = log.Nop()
	}
	return c
}

// ScheduleConfig holds scheduler configuration
type ScheduleConfig struct {
	Name string
	// Workers is the number of executor goroutines.
	Workers int
	Clock   Clock

	Logger log.Log
	// Bus receives system cycle and fault events when set.
	Bus bus.EventBus
	// OnFault is called after a panic escaping system code was recovered.
	OnFault func(sys *System, err error)
}

// DefaultScheduleConfig returns default scheduler configuration
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Name:    "default",
		Workers: runtime.GOMAXPROCS(0),
		Clock:   SystemClock(),
	}
}

func (c ScheduleConfig) withDefaults() ScheduleConfig {
	d := DefaultScheduleConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	if c.Logger == nil {
		c.Logger = log.Nop()
	}
	return c
}
