package httpapi

import (
	"sync"

	"tlbengine/internal/driver"
)

// Hub fans a single driver.RecipeEvent stream out to any number of SSE
// subscribers. Grounded on internal/api.Hub's register/unregister/broadcast
// select loop, trimmed of the WebSocket-specific Client wrapper since an
// SSE subscriber is just a plain channel.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan driver.RecipeEvent]struct{}
}

// NewHub returns a Hub that is not yet running; call Run in a goroutine.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan driver.RecipeEvent]struct{})}
}

// Run drains source and broadcasts every event to every current subscriber
// until source closes. A subscriber that can't keep up (its buffer is
// full) has that event dropped for it rather than stalling the others.
func (h *Hub) Run(source <-chan driver.RecipeEvent) {
	for evt := range source {
		h.mu.Lock()
		for sub := range h.subscribers {
			select {
			case sub <- evt:
			default:
			}
		}
		h.mu.Unlock()
	}
}

// Subscribe registers a new SSE client and returns its event channel plus
// an unsubscribe func the caller must invoke when the client disconnects.
func (h *Hub) Subscribe() (<-chan driver.RecipeEvent, func()) {
	ch := make(chan driver.RecipeEvent, 32)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		h.mu.Unlock()
	}
	return ch, unsubscribe
}
