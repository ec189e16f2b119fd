package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/segment-engine/internal/config"
)

// Server represents the API server
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer creates a new API server serving rc.
func NewServer(cfg config.ServerConfig, rc RouteConfig) *Server {
	if rc.AllowedOrigins == nil {
		rc.AllowedOrigins = cfg.AllowedOrigins
	}
	return &Server{
		config:  cfg,
		handler: SetupRoutes(rc),
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// Refresh and search-to-segment requests materialize synchronously.
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
