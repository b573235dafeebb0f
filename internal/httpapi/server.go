package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tlbengine/internal/driver"
)

// Server runs the driver's HTTP surface: GET /health, GET /api/snapshot,
// GET /api/events (SSE). Grounded on internal/api.Server's construction and
// Start/Stop shape, minus the WebSocket hub and static dashboard file
// server the teacher also serves — §6 asks only for a snapshot and an
// event stream.
type Server struct {
	hub      *Hub
	events   <-chan driver.RecipeEvent
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer builds a Server listening on addr, reading snapshots from
// provider and events from the driver's Events channel.
func NewServer(addr string, provider SnapshotProvider, events <-chan driver.RecipeEvent, logger *slog.Logger) *Server {
	hub := NewHub()
	handlers := NewHandlers(provider, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/api/events", handlers.HandleEvents)

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		hub:      hub,
		events:   events,
		handlers: handlers,
		server:   srv,
		logger:   logger.With("component", "httpapi-server"),
	}
}

// Start runs the event hub and blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	go s.hub.Run(s.events)

	s.logger.Info("http api starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http api: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping http api")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http api shutdown: %w", err)
	}
	return nil
}
