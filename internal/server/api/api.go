// Package api provides the HTTP API handlers for vibrio.
package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/ayusman/vibrio/internal/app"
	"github.com/ayusman/vibrio/internal/apperr"
)

// Publisher receives notifications about completed operations.
type Publisher interface {
	Publish(event string, payload any)
}

// Guarded serializes access to an app.App, which is not safe for concurrent use.
type Guarded struct {
	mu  sync.Mutex
	app *app.App
}

// NewGuarded wraps a.
func NewGuarded(a *app.App) *Guarded {
	return &Guarded{app: a}
}

// Do runs fn while holding the lock.
func (g *Guarded) Do(fn func(a *app.App) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(g.app)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeAppError writes err with the status code matching its kind.
func writeAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	resp := errorResponse{Error: err.Error()}
	if kind != apperr.Unknown {
		resp.Kind = kind.String()
	}
	writeJSON(w, StatusFor(err), resp)
}

// StatusFor maps an error to an HTTP status code.
func StatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.ImageNotFound:
		return http.StatusNotFound
	case apperr.ModelNotFound, apperr.MissingDatasetConfig:
		return http.StatusConflict
	case apperr.ParseFailure:
		return http.StatusBadRequest
	case apperr.ModelLoadFailure, apperr.TrainFailure, apperr.PredictFailure, apperr.EvaluateFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
