// Package engine abstracts the object-detection framework that trains, runs
// and scores models. The rest of vibrio only talks to the interfaces here.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrUnsupported is returned by backends that lack a capability.
var ErrUnsupported = errors.New("operation not supported by this engine")

// Engine loads model weights into a usable Model.
type Engine interface {
	// Name identifies the backend in logs and run records.
	Name() string

	// Load opens the weights at path. It fails if the file is missing or unreadable.
	Load(ctx context.Context, path string) (Model, error)
}

// Model is a loaded detector. Every method blocks until the engine finishes.
type Model interface {
	// Path returns the weights file the model was loaded from.
	Path() string

	// Train fine-tunes the model on the dataset described by descriptorPath.
	Train(ctx context.Context, descriptorPath string, params TrainingParameters) (*TrainingSummary, error)

	// Predict runs detection on a single image.
	Predict(ctx context.Context, imagePath string, confidence float64) (*Detections, error)

	// Evaluate scores the model on the validation split of the dataset.
	Evaluate(ctx context.Context, descriptorPath string) (*Metrics, error)

	// Close releases any resources held by the model.
	Close() error
}

// TrainingParameters are handed to the engine as-is.
type TrainingParameters struct {
	Epochs              int     `json:"epochs"`
	BatchSize           int     `json:"batch_size"`
	ImageSize           int     `json:"image_size"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	// RunName names the output directory under runs/detect.
	RunName string `json:"run_name,omitempty"`
	// ProjectDir is the directory that holds runs/. Empty means the working directory.
	ProjectDir string `json:"project_dir,omitempty"`
}

// DefaultTrainingParameters returns the stock hyperparameters.
func DefaultTrainingParameters() TrainingParameters {
	return TrainingParameters{
		Epochs:              100,
		BatchSize:           16,
		ImageSize:           640,
		ConfidenceThreshold: 0.25,
	}
}

// Validate checks that every numeric parameter is in range.
func (p TrainingParameters) Validate() error {
	var problems []string
	if p.Epochs <= 0 {
		problems = append(problems, fmt.Sprintf("epochs must be positive, got %d", p.Epochs))
	}
	if p.BatchSize <= 0 {
		problems = append(problems, fmt.Sprintf("batch size must be positive, got %d", p.BatchSize))
	}
	if p.ImageSize <= 0 {
		problems = append(problems, fmt.Sprintf("image size must be positive, got %d", p.ImageSize))
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		problems = append(problems, fmt.Sprintf("confidence threshold must be in [0,1], got %v", p.ConfidenceThreshold))
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Metrics summarizes detection quality on a validation set.
// Values are in [0,1] or NaN when the engine could not compute them.
type Metrics struct {
	Map50         float64 `json:"map50"`
	Map50_95      float64 `json:"map50_95"`
	MeanPrecision float64 `json:"precision"`
	MeanRecall    float64 `json:"recall"`
}

// NaNMetrics returns a Metrics with every value unset.
func NaNMetrics() Metrics {
	return Metrics{Map50: math.NaN(), Map50_95: math.NaN(), MeanPrecision: math.NaN(), MeanRecall: math.NaN()}
}

type jsonMetrics struct {
	Map50         *float64 `json:"map50"`
	Map50_95      *float64 `json:"map50_95"`
	MeanPrecision *float64 `json:"precision"`
	MeanRecall    *float64 `json:"recall"`
}

func nanToNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func nilToNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// MarshalJSON encodes NaN values as null.
func (m Metrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonMetrics{
		Map50:         nanToNil(m.Map50),
		Map50_95:      nanToNil(m.Map50_95),
		MeanPrecision: nanToNil(m.MeanPrecision),
		MeanRecall:    nanToNil(m.MeanRecall),
	})
}

// UnmarshalJSON decodes null or missing values as NaN.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	var j jsonMetrics
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*m = Metrics{
		Map50:         nilToNaN(j.Map50),
		Map50_95:      nilToNaN(j.Map50_95),
		MeanPrecision: nilToNaN(j.MeanPrecision),
		MeanRecall:    nilToNaN(j.MeanRecall),
	}
	return nil
}

// Detection is one predicted box in pixel coordinates of the source image.
type Detection struct {
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
}

// Detections is the result of a single prediction.
type Detections struct {
	ImagePath string      `json:"image_path"`
	SaveDir   string      `json:"save_dir,omitempty"`
	Boxes     []Detection `json:"boxes"`
}

// TrainingSummary describes the artifacts of a finished training run.
type TrainingSummary struct {
	SaveDir     string   `json:"save_dir"`
	BestWeights string   `json:"best_weights"`
	LastWeights string   `json:"last_weights"`
	Epochs      int      `json:"epochs"`
	Metrics     *Metrics `json:"metrics,omitempty"`
}

// Backend names accepted by New.
const (
	BackendUltralytics = "ultralytics"
	BackendOpenCV      = "opencv"
	BackendMock        = "mock"
)

// Options configure backend construction.
type Options struct {
	// Python is the interpreter used by the ultralytics backend. Empty means auto-detect.
	Python string
	// ScriptPath overrides the embedded bridge script.
	ScriptPath string
	// WorkDir is where the engine writes its runs/ directory.
	WorkDir string
	// InputSize is the square network input of ONNX models.
	InputSize int
	// IoUThreshold is used for non-maximum suppression by the opencv backend.
	IoUThreshold float64
	// ClassNames label detections produced by backends that only know class ids.
	ClassNames []string
	// Confidence is the threshold at which precision and recall are reported.
	Confidence float64
}

func (o Options) scoreConfidence() float64 {
	if o.Confidence <= 0 {
		return DefaultTrainingParameters().ConfidenceThreshold
	}
	return o.Confidence
}

// New constructs the backend registered under name.
func New(name string, opts Options) (Engine, error) {
	switch strings.ToLower(name) {
	case "", BackendUltralytics:
		return NewUltralyticsEngine(opts), nil
	case BackendOpenCV:
		return NewOpenCVEngine(opts), nil
	case BackendMock:
		return NewMockEngine(), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", name)
	}
}
