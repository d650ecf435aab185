package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Server is the HTTP front of the reporting pipeline.
type Server struct {
	handler *chi.Mux
	server  *http.Server
}

// NewServer wires the handlers into a router.
func NewServer(handlers *Handlers) *Server {
	return &Server{handler: SetupRoutes(handlers)}
}

// ListenAndServe starts the HTTP server. Report runs can legitimately take
// minutes (sequential batches with inter-batch delays), so the write timeout
// is generous.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
