package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ayusman/vibrio/internal/app"
	"github.com/ayusman/vibrio/internal/engine"
)

// PredictHandler runs the detection model on an image on the server's disk.
type PredictHandler struct {
	app       *Guarded
	events    Publisher
	outputDir string
}

// NewPredictHandler creates a new PredictHandler. Annotated images are
// written below outputDir, which the server exposes at "/"; an empty
// outputDir disables annotation. events may be nil.
func NewPredictHandler(g *Guarded, events Publisher, outputDir string) *PredictHandler {
	return &PredictHandler{app: g, events: events, outputDir: outputDir}
}

type predictRequest struct {
	Image    string   `json:"image"`
	Conf     *float64 `json:"conf"`
	Annotate bool     `json:"annotate"`
}

type predictResponse struct {
	Image        string             `json:"image"`
	Conf         float64            `json:"conf"`
	Detections   []engine.Detection `json:"detections"`
	AnnotatedURL string             `json:"annotated_url,omitempty"`
}

// ServeHTTP handles POST /api/predict.
func (h *PredictHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, "Image is required")
		return
	}
	if req.Conf != nil && (*req.Conf < 0 || *req.Conf > 1) {
		writeError(w, http.StatusBadRequest, "conf must be between 0 and 1")
		return
	}
	if req.Annotate && h.outputDir == "" {
		writeError(w, http.StatusBadRequest, "Annotation is not enabled on this server")
		return
	}

	var resp predictResponse
	err := h.app.Do(func(a *app.App) error {
		conf := a.Config().ConfThreshold
		if req.Conf != nil {
			conf = *req.Conf
		}
		dets, err := a.Predict(r.Context(), req.Image, conf)
		if err != nil {
			return err
		}
		resp = predictResponse{Image: req.Image, Conf: conf, Detections: dets.Boxes}
		if resp.Detections == nil {
			resp.Detections = []engine.Detection{}
		}

		if req.Annotate {
			name := annotatedName(req.Image)
			if err := a.Annotate(dets, filepath.Join(h.outputDir, "predictions", name)); err != nil {
				return err
			}
			resp.AnnotatedURL = "/predictions/" + name
		}
		return nil
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	if h.events != nil {
		h.events.Publish("prediction", resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

func annotatedName(image string) string {
	base := filepath.Base(image)
	ext := filepath.Ext(base)
	if ext == "" {
		ext = ".jpg"
	}
	return strings.TrimSuffix(base, filepath.Ext(base)) + "_pred" + ext
}

