package engine

import (
	"context"
	"sync"
)

// Call records one invocation made against a MockEngine or its models.
type Call struct {
	Method string
	Path   string
	Arg    string
	Params TrainingParameters
	Conf   float64
}

// MockEngine is a test implementation of Engine. Results and errors are
// pre-configured and every call is recorded.
type MockEngine struct {
	mu sync.Mutex

	LoadErr     error
	TrainErr    error
	PredictErr  error
	EvaluateErr error

	Summary    *TrainingSummary
	Detections []Detection
	Metrics    Metrics

	calls []Call
}

// NewMockEngine creates a MockEngine that succeeds with empty results.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		Metrics: Metrics{Map50: 0.5, Map50_95: 0.3, MeanPrecision: 0.6, MeanRecall: 0.4},
	}
}

func (e *MockEngine) Name() string { return BackendMock }

// Load returns a mock model bound to path, or LoadErr.
func (e *MockEngine) Load(ctx context.Context, path string) (Model, error) {
	e.record(Call{Method: "Load", Path: path})
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.LoadErr != nil {
		return nil, e.LoadErr
	}
	return &mockModel{engine: e, path: path}, nil
}

// Calls returns a copy of every recorded call in order.
func (e *MockEngine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// CallCount returns how many times method was invoked.
func (e *MockEngine) CallCount(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls.
func (e *MockEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

func (e *MockEngine) record(c Call) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, c)
}

type mockModel struct {
	engine *MockEngine
	path   string
}

func (m *mockModel) Path() string { return m.path }

func (m *mockModel) Train(ctx context.Context, descriptorPath string, params TrainingParameters) (*TrainingSummary, error) {
	m.engine.record(Call{Method: "Train", Path: m.path, Arg: descriptorPath, Params: params})
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	if m.engine.TrainErr != nil {
		return nil, m.engine.TrainErr
	}
	if m.engine.Summary != nil {
		s := *m.engine.Summary
		return &s, nil
	}
	return &TrainingSummary{Epochs: params.Epochs}, nil
}

func (m *mockModel) Predict(ctx context.Context, imagePath string, confidence float64) (*Detections, error) {
	m.engine.record(Call{Method: "Predict", Path: m.path, Arg: imagePath, Conf: confidence})
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	if m.engine.PredictErr != nil {
		return nil, m.engine.PredictErr
	}
	var boxes []Detection
	for _, d := range m.engine.Detections {
		if d.Confidence >= confidence {
			boxes = append(boxes, d)
		}
	}
	return &Detections{ImagePath: imagePath, Boxes: boxes}, nil
}

func (m *mockModel) Evaluate(ctx context.Context, descriptorPath string) (*Metrics, error) {
	m.engine.record(Call{Method: "Evaluate", Path: m.path, Arg: descriptorPath})
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	if m.engine.EvaluateErr != nil {
		return nil, m.engine.EvaluateErr
	}
	metrics := m.engine.Metrics
	return &metrics, nil
}

func (m *mockModel) Close() error {
	m.engine.record(Call{Method: "Close", Path: m.path})
	return nil
}
