// Package server provides the local HTTP bridge: the same command registry
// as the stdio channel, the SSE progress stream, health and system status,
// and Prometheus metrics. It exists so a browser-based shell can drive the
// engine exactly like the desktop host does.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/skeptomenos/prism/internal/events"
	"github.com/skeptomenos/prism/internal/metrics"
	"github.com/skeptomenos/prism/internal/transport"
)

// Config holds server configuration.
type Config struct {
	Port       int
	Log        zerolog.Logger
	Dispatcher *transport.Dispatcher
	Bus        *events.Bus
	Met        *metrics.Metrics
	DevMode    bool
}

// Server is the HTTP bridge.
type Server struct {
	router     *chi.Mux
	server     *http.Server
	dispatcher *transport.Dispatcher
	bus        *events.Bus
	met        *metrics.Metrics
	log        zerolog.Logger
}

// New creates the bridge.
func New(cfg Config) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		dispatcher: cfg.Dispatcher,
		bus:        cfg.Bus,
		met:        cfg.Met,
		log:        cfg.Log.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler: s.router,
		// No WriteTimeout: the SSE stream is long-lived by design.
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)

	allowed := []string{"tauri://localhost", "http://localhost:1420"}
	if devMode {
		allowed = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/system/status", s.handleSystemStatus)
	s.router.Post("/api/command", s.handleCommand)
	s.router.Get("/api/events/stream", s.handleEventStream)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.met.Registry(), promhttp.HandlerOpts{}))
}

// Start begins serving. Blocks until shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP bridge listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleCommand accepts the same framed request body as the stdio channel
// and returns the framed response.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req transport.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, transport.Response{
			Status: "error",
			Error:  transport.Errorf("BAD_REQUEST", "unparseable request: %v", err),
		})
		return
	}

	resp := s.dispatcher.Dispatch(req)
	status := http.StatusOK
	if resp.Status == "error" && resp.Error != nil && resp.Error.Code == "UNKNOWN_COMMAND" {
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "prism-engine",
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
