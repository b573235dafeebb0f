// Package httpapi serves the driver's externally-visible state: a
// point-in-time snapshot endpoint and a server-sent-events stream of
// recipe occurrences. Grounded on internal/api (the teacher's dashboard
// surface) for structure, but trimmed to match §6's narrower requirement —
// a snapshot and an event stream, not a full WebSocket-driven dashboard —
// so it stays on bare net/http with no router library, same as the
// teacher.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tlbengine/internal/driver"
)

// SnapshotProvider is the narrow capability Handlers needs from a driver,
// mirroring internal/api.MarketSnapshotProvider's "ask the engine, don't
// embed it" boundary.
type SnapshotProvider interface {
	Snapshot() driver.Snapshot
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	provider SnapshotProvider
	hub      *Hub
	logger   *slog.Logger
}

// NewHandlers builds a Handlers reading snapshots from provider and
// streaming events fanned out by hub.
func NewHandlers(provider SnapshotProvider, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{provider: provider, hub: hub, logger: logger.With("component", "httpapi")}
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleSnapshot returns the driver's current state as JSON.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := NewStatusSnapshot(h.provider.Snapshot())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		h.logger.Error("failed to encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleEvents streams driver.RecipeEvents as server-sent events until the
// client disconnects or the request context is cancelled. Each event is a
// single "message" event whose data is a JSON RecipeEventWire.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	ctx := r.Context()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(NewRecipeEventWire(evt))
			if err != nil {
				h.logger.Error("failed to marshal recipe event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
