package httpapi

import (
	"time"

	"tlbengine/internal/driver"
)

// PairStatus is the wire shape of one driver.PairSnapshot.
type PairStatus struct {
	Pair         string `json:"pair"`
	Queued       bool   `json:"queued"`
	PendingBatch bool   `json:"pending_batch"`
	BacklogDepth int    `json:"backlog_depth"`
}

// StatusSnapshot is the wire shape of driver.Snapshot, served by
// GET /api/snapshot.
type StatusSnapshot struct {
	Timestamp    time.Time    `json:"timestamp"`
	Pairs        []PairStatus `json:"pairs"`
	FocusDepth   int          `json:"focus_depth"`
	PendingCount int          `json:"pending_count"`
}

// NewStatusSnapshot converts a driver.Snapshot into its wire shape.
func NewStatusSnapshot(snap driver.Snapshot) StatusSnapshot {
	pairs := make([]PairStatus, 0, len(snap.Pairs))
	for _, p := range snap.Pairs {
		pairs = append(pairs, PairStatus{
			Pair:         p.Pair.String(),
			Queued:       p.Queued,
			PendingBatch: p.PendingBatch,
			BacklogDepth: p.BacklogDepth,
		})
	}
	return StatusSnapshot{
		Timestamp:    time.Now(),
		Pairs:        pairs,
		FocusDepth:   snap.FocusDepth,
		PendingCount: snap.PendingCount,
	}
}

// RecipeEventWire is the wire shape of one driver.RecipeEvent, sent as an
// SSE "message" event.
type RecipeEventWire struct {
	Timestamp time.Time `json:"timestamp"`
	Pair      string    `json:"pair"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
}

// NewRecipeEventWire converts a driver.RecipeEvent into its wire shape.
func NewRecipeEventWire(evt driver.RecipeEvent) RecipeEventWire {
	return RecipeEventWire{
		Timestamp: time.Now(),
		Pair:      evt.Pair.String(),
		Kind:      string(evt.Kind),
		Detail:    evt.Detail,
	}
}
