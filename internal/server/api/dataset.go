package api

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"github.com/ayusman/vibrio/internal/app"
	"github.com/ayusman/vibrio/internal/dataset"
)

// MaxSamples bounds a single sample generation request.
const MaxSamples = 1000

// DatasetHandler reports on and generates the configured dataset.
type DatasetHandler struct {
	app    *Guarded
	events Publisher
}

// NewDatasetHandler creates a new DatasetHandler. events may be nil.
func NewDatasetHandler(g *Guarded, events Publisher) *DatasetHandler {
	return &DatasetHandler{app: g, events: events}
}

type datasetResponse struct {
	Root    string         `json:"root"`
	Classes []string       `json:"classes"`
	Counts  dataset.Counts `json:"counts"`
}

type createSamplesRequest struct {
	NumSamples int `json:"num_samples"`
}

// ServeHTTP handles GET /api/dataset and POST /api/dataset/samples.
func (h *DatasetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/dataset" && r.Method == http.MethodGet:
		h.counts(w, r)
	case r.URL.Path == "/api/dataset/samples" && r.Method == http.MethodPost:
		h.createSamples(w, r)
	case r.URL.Path == "/api/dataset" || r.URL.Path == "/api/dataset/samples":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func (h *DatasetHandler) counts(w http.ResponseWriter, r *http.Request) {
	var resp datasetResponse
	err := h.app.Do(func(a *app.App) error {
		cfg := a.Materializer().Config()
		resp.Root = cfg.RootPath
		resp.Classes = cfg.ClassNames
		var err error
		resp.Counts, err = a.Materializer().CountImages()
		return err
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "Dataset not found")
			return
		}
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *DatasetHandler) createSamples(w http.ResponseWriter, r *http.Request) {
	req := createSamplesRequest{NumSamples: 10}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.NumSamples < 1 || req.NumSamples > MaxSamples {
		writeError(w, http.StatusBadRequest, "num_samples must be between 1 and 1000")
		return
	}

	var resp datasetResponse
	err := h.app.Do(func(a *app.App) error {
		cfg := a.Materializer().Config()
		resp.Root = cfg.RootPath
		resp.Classes = cfg.ClassNames
		var err error
		resp.Counts, err = a.CreateSamples(req.NumSamples)
		return err
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	if h.events != nil {
		h.events.Publish("samples_created", resp)
	}
	writeJSON(w, http.StatusCreated, resp)
}
