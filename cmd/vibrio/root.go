package main

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ayusman/vibrio/internal/app"
	"github.com/ayusman/vibrio/internal/apperr"
	"github.com/ayusman/vibrio/internal/config"
	"github.com/ayusman/vibrio/internal/engine"
	"github.com/ayusman/vibrio/internal/logging"
	"github.com/ayusman/vibrio/internal/modelpath"
	"github.com/ayusman/vibrio/internal/store"
)

// DefaultConfigFile is looked up under the project directory when --config is not given.
const DefaultConfigFile = "configs/vibrio.yaml"

type globalOptions struct {
	configPath string
	projectDir string
	engine     string
	logLevel   string
}

// environment is everything a command needs once flags are parsed.
type environment struct {
	cfg    config.Config
	engine engine.Engine
	store  *store.Store
	app    *app.App
}

func (e *environment) Close() {
	if err := e.app.Close(); err != nil {
		log.WithError(err).Warn("closing model")
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			log.WithError(err).Warn("closing run store")
		}
	}
}

// NewRootCommand builds the vibrio command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "vibrio",
		Short:         "Vibrio detection: dataset preparation, training, inference and evaluation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML configuration file (default <project-dir>/"+DefaultConfigFile+" when present)")
	pf.StringVar(&opts.projectDir, "project-dir", "", "project directory (default the working directory)")
	pf.StringVar(&opts.engine, "engine", "", "detection backend: ultralytics, opencv or mock")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		CreateSamplesCommand(opts),
		TrainCommand(opts),
		InferenceCommand(opts),
		EvaluateCommand(opts),
		CountCommand(opts),
		CleanCommand(opts),
		MigrateCommand(opts),
		RunsCommand(opts),
		ServeCommand(opts),
		ConfigCommand(opts),
		CheckCommand(opts),
	)
	return root
}

// load builds the effective configuration: defaults for the project
// directory, then the config file, then VIBRIO_* variables, then flags.
func (o *globalOptions) load() (config.Config, error) {
	projectDir := o.projectDir
	if projectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Config{}, fmt.Errorf("failed to get working directory: %w", err)
		}
		projectDir = wd
	}
	projectDir, err := filepath.Abs(projectDir)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid project directory: %w", err)
	}

	path := o.configPath
	if path == "" {
		if p := filepath.Join(projectDir, DefaultConfigFile); modelpath.Exists(p) {
			path = p
		}
	}

	cfg, err := config.Load(path, config.Default(projectDir))
	if err != nil {
		return config.Config{}, err
	}
	if o.engine != "" {
		cfg.Engine.Backend = o.engine
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

// open loads the configuration, sets up logging and constructs the facade.
// A run store that cannot be opened only disables run history.
func (o *globalOptions) open() (*environment, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	if err := logging.Setup(cfg.LogLevel, nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eng, err := engine.New(cfg.Engine.Backend, cfg.EngineOptions())
	if err != nil {
		return nil, err
	}

	var st *store.Store
	if cfg.StorePath != "" {
		st, err = store.New(cfg.StorePath)
		if err != nil {
			log.WithError(err).WithField("path", cfg.StorePath).Warn("run history disabled")
			st = nil
		}
	}

	return &environment{cfg: cfg, engine: eng, store: st, app: app.New(cfg, eng, st)}, nil
}

// changedInt returns the flag value when it was set on the command line,
// otherwise fallback.
func changedInt(fs *pflag.FlagSet, name string, fallback int) int {
	if !fs.Changed(name) {
		return fallback
	}
	v, err := fs.GetInt(name)
	if err != nil {
		return fallback
	}
	return v
}

// numSamples reads --num-samples, rejecting negative counts.
func numSamples(fs *pflag.FlagSet) (int, error) {
	n, err := fs.GetInt("num-samples")
	if err != nil {
		return 0, apperr.New(apperr.ParseFailure, "read flag", "num-samples", err)
	}
	if n < 0 {
		return 0, apperr.Newf(apperr.ParseFailure, "read flag", "num-samples", "must not be negative, got %d", n)
	}
	return n, nil
}

func changedFloat(fs *pflag.FlagSet, name string, fallback float64) float64 {
	if !fs.Changed(name) {
		return fallback
	}
	v, err := fs.GetFloat64(name)
	if err != nil {
		return fallback
	}
	return v
}
