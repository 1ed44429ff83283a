package engine

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ayusman/vibrio/internal/modelpath"
)

//go:embed bridge/ultralytics_bridge.py
var bridgeScript []byte

// RequiredModules are the Python packages the ultralytics backend depends on.
var RequiredModules = []string{"ultralytics", "cv2", "PIL", "numpy", "torch", "torchvision"}

var (
	scriptOnce sync.Once
	scriptPath string
	scriptErr  error
)

// installedBridgeScript writes the embedded bridge script to the temp directory
// once per process and returns its path.
func installedBridgeScript() (string, error) {
	scriptOnce.Do(func() {
		dir := filepath.Join(os.TempDir(), "vibrio")
		if err := os.MkdirAll(dir, 0755); err != nil {
			scriptErr = fmt.Errorf("create bridge dir: %w", err)
			return
		}
		path := filepath.Join(dir, "ultralytics_bridge_"+strconv.Itoa(os.Getpid())+".py")
		if err := os.WriteFile(path, bridgeScript, 0644); err != nil {
			scriptErr = fmt.Errorf("write bridge script: %w", err)
			return
		}
		scriptPath = path
	})
	return scriptPath, scriptErr
}

// FindPython returns the first virtualenv interpreter found near the working
// directory, the executable or the user's home, falling back to python3 on PATH.
func FindPython() string {
	var execDir string
	if execPath, err := os.Executable(); err == nil {
		execDir = filepath.Dir(execPath)
	}
	home, _ := os.UserHomeDir()

	candidates := []string{
		"venv/bin/python",
		".venv/bin/python",
		"../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(home, ".vibrio/venv/bin/python"),
	}
	found := modelpath.Resolve(append(candidates, "python3"), len(candidates))
	if found == "python3" {
		return found
	}
	if abs, err := filepath.Abs(found); err == nil {
		return abs
	}
	return found
}

// UltralyticsEngine drives the ultralytics Python package through a bridge process.
type UltralyticsEngine struct {
	opts Options
}

// NewUltralyticsEngine creates the backend. The interpreter and script are
// resolved lazily so construction never fails.
func NewUltralyticsEngine(opts Options) *UltralyticsEngine {
	return &UltralyticsEngine{opts: opts}
}

func (e *UltralyticsEngine) Name() string { return BackendUltralytics }

func (e *UltralyticsEngine) bridge() (*Bridge, error) {
	python := e.opts.Python
	if python == "" {
		python = FindPython()
	}
	script := e.opts.ScriptPath
	if script == "" {
		var err error
		if script, err = installedBridgeScript(); err != nil {
			return nil, err
		}
	}
	return &Bridge{Command: python, Args: []string{script}, Dir: e.opts.WorkDir}, nil
}

type loadResult struct {
	Names map[string]string `json:"names"`
	Task  string            `json:"task"`
}

// Load asks the bridge to open the weights, which verifies they are usable.
// Well-known pretrained names may be fetched by the framework on first use.
func (e *UltralyticsEngine) Load(ctx context.Context, path string) (Model, error) {
	b, err := e.bridge()
	if err != nil {
		return nil, err
	}

	var res loadResult
	if err := b.Call(ctx, &Request{Action: "load", Weights: path}, &res); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"weights": path, "classes": len(res.Names), "task": res.Task}).Info("model loaded")
	return &ultralyticsModel{bridge: b, path: path, names: res.Names, workDir: e.opts.WorkDir}, nil
}

// CheckDependencies reports which required Python modules cannot be imported.
func (e *UltralyticsEngine) CheckDependencies(ctx context.Context) ([]string, error) {
	b, err := e.bridge()
	if err != nil {
		return nil, err
	}
	var res struct {
		Missing []string `json:"missing"`
	}
	if err := b.Call(ctx, &Request{Action: "check", Modules: RequiredModules}, &res); err != nil {
		return nil, err
	}
	return res.Missing, nil
}

type ultralyticsModel struct {
	bridge  *Bridge
	path    string
	names   map[string]string
	workDir string
}

func (m *ultralyticsModel) Path() string { return m.path }

func (m *ultralyticsModel) Train(ctx context.Context, descriptorPath string, params TrainingParameters) (*TrainingSummary, error) {
	project := ""
	if params.ProjectDir != "" {
		project = filepath.Join(params.ProjectDir, "runs", "detect")
	}
	req := &Request{
		Action:    "train",
		Weights:   m.path,
		Data:      descriptorPath,
		Epochs:    params.Epochs,
		Batch:     params.BatchSize,
		ImageSize: params.ImageSize,
		Name:      params.RunName,
		Project:   project,
	}

	var summary TrainingSummary
	if err := m.bridge.Call(ctx, req, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (m *ultralyticsModel) Predict(ctx context.Context, imagePath string, confidence float64) (*Detections, error) {
	req := &Request{Action: "predict", Weights: m.path, Source: imagePath, Conf: confidence, Save: true}
	if m.workDir != "" {
		req.Project = filepath.Join(m.workDir, "runs", "detect")
	}

	var dets Detections
	if err := m.bridge.Call(ctx, req, &dets); err != nil {
		return nil, err
	}
	for i := range dets.Boxes {
		if dets.Boxes[i].ClassName == "" {
			dets.Boxes[i].ClassName = m.names[strconv.Itoa(dets.Boxes[i].ClassID)]
		}
	}
	return &dets, nil
}

func (m *ultralyticsModel) Evaluate(ctx context.Context, descriptorPath string) (*Metrics, error) {
	var metrics Metrics
	if err := m.bridge.Call(ctx, &Request{Action: "val", Weights: m.path, Data: descriptorPath}, &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

func (m *ultralyticsModel) Close() error { return nil }
