package ecs

import "github.com/zeusync/zecs/internal/core/events/bus"

// Event types published on the configured bus.
const (
	EventArchetypeCreated = "archetype.created"
	EventEntityDespawned  = "entity.despawned"
	EventSystemCycle      = "system.cycle"
	EventSystemFault      = "system.fault"
)

// SystemFault is the payload of EventSystemFault.
type SystemFault struct {
	System string
	Err    error
}

// SystemCycle is the payload of EventSystemCycle.
type SystemCycle struct {
	System string
	Cycle  uint64
}

func publish(b bus.EventBus, typ, source string, data any) {
	if b == nil {
		return
	}
	_ = b.Publish(bus.NewEvent(typ, source, data))
}

// ArchetypeCreated is the payload of EventArchetypeCreated.
type ArchetypeCreated struct {
	ID    uint32
	Types []string
}

// EntitiesDespawned is the payload of EventEntityDespawned. One event is
// published per despawn batch.
type EntitiesDespawned struct {
	IDs []uint64
}
