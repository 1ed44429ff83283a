// Package config holds the settings shared by every vibrio command and loads
// them from YAML files and VIBRIO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	log "github.com/sirupsen/logrus"

	"github.com/ayusman/vibrio/internal/apperr"
	"github.com/ayusman/vibrio/internal/dataset"
	"github.com/ayusman/vibrio/internal/engine"
	"github.com/ayusman/vibrio/internal/modelpath"
)

// EnvPrefix marks environment variables that override configuration keys.
// Nested keys use a double underscore: VIBRIO_ENGINE__BACKEND.
const EnvPrefix = "VIBRIO_"

// DefaultOutputModelName names training runs when nothing else is configured.
const DefaultOutputModelName = "vibrio_yolov8_model"

// DefaultClassNames are the two Vibrio species the stock dataset annotates.
var DefaultClassNames = []string{"v_para", "v_algi"}

// Config is the complete runtime configuration.
type Config struct {
	ProjectDir      string   `koanf:"project_dir"`
	DatasetDir      string   `koanf:"dataset_dir"`
	DatasetYAML     string   `koanf:"dataset_yaml"`
	PretrainedModel string   `koanf:"pretrained_model"`
	OutputModelName string   `koanf:"output_model_name"`
	ModelsDir       string   `koanf:"models_dir"`
	ConfigsDir      string   `koanf:"configs_dir"`
	ClassNames      []string `koanf:"class_names"`

	Epochs        int     `koanf:"epochs"`
	BatchSize     int     `koanf:"batch_size"`
	ImageSize     int     `koanf:"image_size"`
	ConfThreshold float64 `koanf:"conf_threshold"`

	// PromoteWeights copies the best weights of a finished run into ModelsDir.
	PromoteWeights bool `koanf:"promote_weights"`

	Engine EngineConfig `koanf:"engine"`

	StorePath string `koanf:"store_path"`
	LogLevel  string `koanf:"log_level"`
}

// EngineConfig selects and tunes the detection backend.
type EngineConfig struct {
	Backend      string  `koanf:"backend"`
	Python       string  `koanf:"python"`
	InputSize    int     `koanf:"input_size"`
	IoUThreshold float64 `koanf:"iou_threshold"`
}

// Default returns the configuration for a project rooted at projectDir.
func Default(projectDir string) Config {
	params := engine.DefaultTrainingParameters()
	return Config{
		ProjectDir:      projectDir,
		DatasetDir:      filepath.Join(projectDir, "dataset"),
		DatasetYAML:     filepath.Join(projectDir, "dataset.yaml"),
		PretrainedModel: filepath.Join(projectDir, "yolov8n.pt"),
		OutputModelName: DefaultOutputModelName,
		ModelsDir:       filepath.Join(projectDir, "models"),
		ConfigsDir:      filepath.Join(projectDir, "configs"),
		ClassNames:      append([]string(nil), DefaultClassNames...),
		Epochs:          params.Epochs,
		BatchSize:       params.BatchSize,
		ImageSize:       params.ImageSize,
		ConfThreshold:   params.ConfidenceThreshold,
		PromoteWeights:  true,
		Engine: EngineConfig{
			Backend:      engine.BackendUltralytics,
			InputSize:    640,
			IoUThreshold: 0.45,
		},
		StorePath: filepath.Join(projectDir, ".vibrio", "vibrio.db"),
		LogLevel:  "info",
	}
}

// Load overlays the YAML file at path (if non-empty) and then VIBRIO_*
// environment variables onto defaults. Unknown keys are ignored; known keys
// with a value of the wrong type fail with ParseFailure.
func Load(path string, defaults Config) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, apperr.New(apperr.IOFailure, "load config", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, apperr.New(apperr.ParseFailure, "load config", path, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil)
	if err != nil {
		return Config{}, apperr.New(apperr.ParseFailure, "load environment", "", err)
	}

	cfg := defaults
	cfg.ClassNames = append([]string(nil), defaults.ClassNames...)
	if err := merge(k, &cfg, path); err != nil {
		return Config{}, err
	}
	if cfg.ProjectDir != defaults.ProjectDir {
		if !filepath.IsAbs(cfg.ProjectDir) && defaults.ProjectDir != "" {
			cfg.ProjectDir = filepath.Join(defaults.ProjectDir, cfg.ProjectDir)
		}
		cfg.rebase(defaults.ProjectDir)
	}
	cfg.resolvePaths()
	return cfg, nil
}

// Marshal renders cfg as YAML in the format Load reads.
func Marshal(cfg Config) ([]byte, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return nil, err
	}
	return k.Marshal(yaml.Parser())
}

// Save writes cfg to path as YAML, creating parent directories.
func Save(cfg Config, path string) error {
	out, err := Marshal(cfg)
	if err != nil {
		return apperr.New(apperr.ParseFailure, "encode config", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return apperr.New(apperr.IOFailure, "save config", path, err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return apperr.New(apperr.IOFailure, "save config", path, err)
	}
	log.WithField("path", path).Info("configuration saved")
	return nil
}

// Validate reports every out-of-range setting at once.
func (c Config) Validate() error {
	var errs []error
	if err := c.TrainingParameters().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.ClassNames) == 0 {
		errs = append(errs, errors.New("at least one class name is required"))
	}
	if err := c.DatasetConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.OutputModelName) == "" {
		errs = append(errs, errors.New("output_model_name must not be empty"))
	}
	if c.Engine.IoUThreshold <= 0 || c.Engine.IoUThreshold > 1 {
		errs = append(errs, fmt.Errorf("engine.iou_threshold must be in (0,1], got %v", c.Engine.IoUThreshold))
	}
	if err := errors.Join(errs...); err != nil {
		return apperr.New(apperr.ParseFailure, "validate config", "", err)
	}
	return nil
}

// DatasetConfig returns the dataset description implied by the configuration.
func (c Config) DatasetConfig() dataset.Config {
	return dataset.NewConfig(c.DatasetDir, c.ClassNames)
}

// TrainingParameters returns the hyperparameters passed to the engine.
func (c Config) TrainingParameters() engine.TrainingParameters {
	return engine.TrainingParameters{
		Epochs:              c.Epochs,
		BatchSize:           c.BatchSize,
		ImageSize:           c.ImageSize,
		ConfidenceThreshold: c.ConfThreshold,
		RunName:             c.OutputModelName,
		ProjectDir:          c.ProjectDir,
	}
}

// EngineOptions returns the backend construction options.
func (c Config) EngineOptions() engine.Options {
	return engine.Options{
		Python:       c.Engine.Python,
		WorkDir:      c.ProjectDir,
		InputSize:    c.Engine.InputSize,
		IoUThreshold: c.Engine.IoUThreshold,
		ClassNames:   c.ClassNames,
		Confidence:   c.ConfThreshold,
	}
}

// ModelCandidates lists the trained-weights locations in priority order.
func (c Config) ModelCandidates() []string {
	return modelpath.Candidates(c.ProjectDir, c.OutputModelName, c.ModelsDir)
}

// TrainedModelPath resolves the trained weights, defaulting to the primary
// run location when nothing exists yet.
func (c Config) TrainedModelPath() string {
	candidates := c.ModelCandidates()
	return modelpath.Resolve(candidates, slices.Index(candidates, modelpath.Primary(c.ProjectDir, c.OutputModelName)))
}

func (c *Config) paths() []*string {
	return []*string{&c.DatasetDir, &c.DatasetYAML, &c.PretrainedModel, &c.ModelsDir, &c.ConfigsDir, &c.StorePath}
}

// rebase moves every path still at its default under oldProject to the
// matching default under the current project directory. Paths set
// explicitly are left alone.
func (c *Config) rebase(oldProject string) {
	old := Default(oldProject)
	moved := Default(c.ProjectDir)
	was, now := old.paths(), moved.paths()
	for i, p := range c.paths() {
		if *p == *was[i] {
			*p = *now[i]
		}
	}
}

// resolvePaths anchors relative paths at the project directory.
func (c *Config) resolvePaths() {
	for _, p := range c.paths() {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.ProjectDir, *p)
		}
	}
}

func parseFailure(source, key string, err error) error {
	return apperr.New(apperr.ParseFailure, "config key "+strconv.Quote(key), source, err)
}
