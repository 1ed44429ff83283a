// Package server provides the HTTP API for vibrio.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ayusman/vibrio/internal/app"
	"github.com/ayusman/vibrio/internal/server/api"
	"github.com/ayusman/vibrio/internal/store"
)

// Config holds the server configuration.
type Config struct {
	// StaticDir is served at "/" and receives annotated predictions.
	StaticDir string
	Store     *store.Store
	App       *app.App
}

// Server represents the HTTP server for the vibrio application.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
	app    *api.Guarded
	events *EventsHandler
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
		events: NewEventsHandler(),
	}
	if config.App != nil {
		s.app = api.NewGuarded(config.App)
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.Handle("/api/events", s.events)

	// Register run history API handler if Store is configured
	if s.config.Store != nil {
		runsHandler := api.NewRunsHandler(s.config.Store)
		s.mux.Handle("/api/runs", runsHandler)
		s.mux.Handle("/api/runs/", runsHandler)
	}

	// Register the model and dataset endpoints if an App is configured
	if s.app != nil {
		datasetHandler := api.NewDatasetHandler(s.app, s.events)
		s.mux.Handle("/api/dataset", datasetHandler)
		s.mux.Handle("/api/dataset/", datasetHandler)
		s.mux.Handle("/api/predict", api.NewPredictHandler(s.app, s.events, s.config.StaticDir))
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Events returns the WebSocket event broadcaster.
func (s *Server) Events() *EventsHandler {
	return s.events
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(s.start)

	response := map[string]interface{}{
		"status": "ok",
		"uptime": uptime.String(),
	}
	if s.app != nil {
		s.app.Do(func(a *app.App) error {
			response["model_loaded"] = a.Loaded()
			if m := a.Model(); m != nil {
				response["model_path"] = m.Path()
			}
			return nil
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	log.WithField("addr", addr).Info("starting server")
	return http.ListenAndServe(addr, s)
}
