package ecs

import "time"

// WorldStats is a snapshot of world storage counters.
type WorldStats struct {
	ID              string `json:"id"`
	Archetypes      int    `json:"archetypes"`
	Chunks          int    `json:"chunks"`
	Entities        int    `json:"entities"`
	PendingDespawns int64  `json:"pending_despawns"`
	LockRetries     uint64 `json:"lock_retries"`
}

// ScheduleStats is a snapshot of schedule counters.
type ScheduleStats struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Systems  int    `json:"systems"`
	Workers  int    `json:"workers"`
	Queued   int    `json:"queued"`
	Executed uint64 `json:"executed"`
	Requeued uint64 `json:"requeued"`
	Faults   uint64 `json:"faults"`
	Cycles   uint64 `json:"cycles"`
}

// SystemMetrics is a snapshot of one system's counters.
type SystemMetrics struct {
	Name      string        `json:"name"`
	Cycles    uint64        `json:"cycles"`
	Packages  uint64        `json:"packages"`
	Faults    uint64        `json:"faults"`
	LastCycle time.Duration `json:"last_cycle"`
	Enabled   bool          `json:"enabled"`
	Working   bool          `json:"working"`
}

// Stats walks the archetype list without locking.
func (w *World) Stats() WorldStats {
	st := WorldStats{
		ID:              w.id,
		PendingDespawns: w.pending.Load(),
		LockRetries:     w.lockRetries.Load(),
	}
	for _, a := range w.Archetypes() {
		st.Archetypes++
		for _, c := range a.Chunks() {
			st.Chunks++
			st.Entities += c.Live()
		}
	}
	return st
}
