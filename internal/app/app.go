// Package app provides the detection facade that ties the dataset, the
// descriptor, the model resolver and a detection engine together.
package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/ayusman/vibrio/internal/annotate"
	"github.com/ayusman/vibrio/internal/apperr"
	"github.com/ayusman/vibrio/internal/config"
	"github.com/ayusman/vibrio/internal/dataset"
	"github.com/ayusman/vibrio/internal/descriptor"
	"github.com/ayusman/vibrio/internal/engine"
	"github.com/ayusman/vibrio/internal/modelpath"
	"github.com/ayusman/vibrio/internal/store"
)

// App holds the configuration and at most one loaded model. It is not safe
// for concurrent use.
type App struct {
	cfg          config.Config
	engine       engine.Engine
	store        *store.Store
	materializer *dataset.Materializer
	model        engine.Model
}

// New creates an App. st may be nil, in which case runs are not recorded.
func New(cfg config.Config, eng engine.Engine, st *store.Store) *App {
	return &App{
		cfg:          cfg,
		engine:       eng,
		store:        st,
		materializer: dataset.NewMaterializer(cfg.DatasetConfig()),
	}
}

// Config returns the configuration the App was built with.
func (a *App) Config() config.Config {
	return a.cfg
}

// Materializer returns the dataset materializer for the configured root.
func (a *App) Materializer() *dataset.Materializer {
	return a.materializer
}

// Store returns the run store, or nil.
func (a *App) Store() *store.Store {
	return a.store
}

// Model returns the loaded model handle, or nil when nothing is loaded.
func (a *App) Model() engine.Model {
	return a.model
}

// Loaded reports whether a model handle is held.
func (a *App) Loaded() bool {
	return a.model != nil
}

// LoadPretrained loads the configured pretrained weights.
func (a *App) LoadPretrained(ctx context.Context) error {
	return a.load(ctx, a.cfg.PretrainedModel)
}

// LoadTrained resolves and loads the trained weights. The location is
// resolved again on every call.
func (a *App) LoadTrained(ctx context.Context) error {
	path := a.cfg.TrainedModelPath()
	if !modelpath.Exists(path) {
		return apperr.Newf(apperr.ModelNotFound, "load trained model", path,
			"model file not found; train the model first with 'vibrio train'")
	}
	return a.load(ctx, path)
}

// load replaces the current handle only when the engine succeeds.
func (a *App) load(ctx context.Context, path string) error {
	m, err := a.engine.Load(ctx, path)
	if err != nil {
		return apperr.New(apperr.ModelLoadFailure, "load model", path, err)
	}

	if a.model != nil {
		if err := a.model.Close(); err != nil {
			log.WithError(err).WithField("path", a.model.Path()).Warn("closing previous model")
		}
	}
	a.model = m

	log.WithFields(log.Fields{"path": path, "engine": a.engine.Name()}).Info("model loaded")
	return nil
}

// Close releases the loaded model, if any.
func (a *App) Close() error {
	if a.model == nil {
		return nil
	}
	err := a.model.Close()
	a.model = nil
	return err
}

// CreateSamples lays out the dataset directories, writes n placeholder samples
// per split and returns the resulting image counts.
func (a *App) CreateSamples(n int) (dataset.Counts, error) {
	if err := a.materializer.GenerateSamples(n); err != nil {
		return dataset.Counts{}, err
	}
	return a.materializer.CountImages()
}

// PrepareDataset writes the dataset descriptor for the configured dataset.
func (a *App) PrepareDataset() error {
	path := a.cfg.DatasetYAML
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return apperr.New(apperr.IOFailure, "prepare dataset", path, err)
	}
	return descriptor.Write(a.cfg.DatasetConfig(), path)
}

// Train trains the loaded model, loading the pretrained weights first when
// nothing is loaded. The descriptor must already exist. On success the best
// weights are copied to the models directory when promotion is enabled.
func (a *App) Train(ctx context.Context, params engine.TrainingParameters) (*engine.TrainingSummary, error) {
	data := a.cfg.DatasetYAML
	if !descriptor.Exists(data) {
		return nil, apperr.Newf(apperr.MissingDatasetConfig, "train", data,
			"dataset configuration file not found")
	}
	if err := params.Validate(); err != nil {
		return nil, apperr.New(apperr.TrainFailure, "train", data, err)
	}
	if a.model == nil {
		if err := a.LoadPretrained(ctx); err != nil {
			return nil, err
		}
	}

	run := a.beginRun(store.RunKindTrain, &store.Run{DescriptorPath: data}, params)

	log.WithFields(log.Fields{
		"data":   data,
		"epochs": params.Epochs,
		"batch":  params.BatchSize,
		"imgsz":  params.ImageSize,
		"name":   params.RunName,
	}).Info("starting training")

	summary, err := a.model.Train(ctx, data, params)
	if err != nil {
		err = apperr.New(apperr.TrainFailure, "train", data, err)
		a.failRun(run, err)
		return nil, err
	}

	best := summary.BestWeights
	if best == "" {
		best = a.cfg.TrainedModelPath()
	}
	if a.cfg.PromoteWeights && modelpath.Exists(best) {
		if _, err := modelpath.Promote(best, a.cfg.ModelsDir); err != nil {
			log.WithError(err).WithField("weights", best).Warn("could not promote trained weights")
		}
	}

	if run != nil {
		run.ModelPath = best
		if summary.Metrics != nil {
			run.Metrics = marshal(summary.Metrics)
		}
	}
	a.finishRun(run)

	log.WithFields(log.Fields{"weights": best, "save_dir": summary.SaveDir}).Info("training completed")
	return summary, nil
}

// Predict runs the model on one image, loading the trained weights first
// when nothing is loaded. The image is checked before any model is loaded.
func (a *App) Predict(ctx context.Context, imagePath string, conf float64) (*engine.Detections, error) {
	if !modelpath.Exists(imagePath) {
		return nil, apperr.Newf(apperr.ImageNotFound, "predict", imagePath, "image file not found")
	}
	if a.model == nil {
		if err := a.LoadTrained(ctx); err != nil {
			return nil, err
		}
	}

	run := a.beginRun(store.RunKindPredict, &store.Run{ImagePath: imagePath}, map[string]float64{"conf": conf})

	dets, err := a.model.Predict(ctx, imagePath, conf)
	if err != nil {
		err = apperr.New(apperr.PredictFailure, "predict", imagePath, err)
		a.failRun(run, err)
		return nil, err
	}

	if run != nil {
		run.Metrics = marshal(map[string]int{"boxes": len(dets.Boxes)})
		a.recordDetections(run.ID, dets.Boxes)
	}
	a.finishRun(run)

	log.WithFields(log.Fields{"image": imagePath, "boxes": len(dets.Boxes)}).Info("inference completed")
	return dets, nil
}

// Annotate draws dets over their source image and writes the result to dst.
func (a *App) Annotate(dets *engine.Detections, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return apperr.New(apperr.IOFailure, "annotate", dst, err)
	}
	if err := annotate.Save(dets.ImagePath, dets.Boxes, len(a.cfg.ClassNames), dst); err != nil {
		return apperr.New(apperr.IOFailure, "annotate", dst, err)
	}
	return nil
}

// Evaluate scores the model against the dataset described at descriptorPath,
// or the configured descriptor when descriptorPath is empty.
func (a *App) Evaluate(ctx context.Context, descriptorPath string) (*engine.Metrics, error) {
	if descriptorPath == "" {
		descriptorPath = a.cfg.DatasetYAML
	}
	if !descriptor.Exists(descriptorPath) {
		return nil, apperr.Newf(apperr.MissingDatasetConfig, "evaluate", descriptorPath,
			"dataset configuration file not found")
	}
	if a.model == nil {
		if err := a.LoadTrained(ctx); err != nil {
			return nil, err
		}
	}

	run := a.beginRun(store.RunKindEvaluate, &store.Run{DescriptorPath: descriptorPath}, nil)

	m, err := a.model.Evaluate(ctx, descriptorPath)
	if err != nil {
		err = apperr.New(apperr.EvaluateFailure, "evaluate", descriptorPath, err)
		a.failRun(run, err)
		return nil, err
	}

	if run != nil {
		run.Metrics = marshal(m)
	}
	a.finishRun(run)

	log.WithFields(log.Fields{"map50": m.Map50, "map50_95": m.Map50_95}).Info("evaluation completed")
	return m, nil
}

// beginRun records the start of an engine call. It returns nil when no store
// is configured or the record could not be written.
func (a *App) beginRun(kind store.RunKind, run *store.Run, params any) *store.Run {
	if a.store == nil {
		return nil
	}
	run.Kind = kind
	run.Engine = a.engine.Name()
	if a.model != nil {
		run.ModelPath = a.model.Path()
	}
	run.Params = marshal(params)

	if err := a.store.Runs().Create(run); err != nil {
		log.WithError(err).WithField("kind", kind).Warn("could not record run")
		return nil
	}
	return run
}

func (a *App) finishRun(run *store.Run) {
	if run == nil {
		return
	}
	if err := a.store.Runs().Finish(run); err != nil {
		log.WithError(err).WithField("run", run.ID).Warn("could not record run result")
	}
}

func (a *App) failRun(run *store.Run, cause error) {
	if run == nil {
		return
	}
	if err := a.store.Runs().Fail(run, cause); err != nil {
		log.WithError(err).WithField("run", run.ID).Warn("could not record run failure")
	}
}

func (a *App) recordDetections(runID string, boxes []engine.Detection) {
	dets := make([]store.Detection, len(boxes))
	for i, b := range boxes {
		dets[i] = store.Detection{
			ClassID:    b.ClassID,
			ClassName:  b.ClassName,
			Confidence: b.Confidence,
			X1:         b.X1,
			Y1:         b.Y1,
			X2:         b.X2,
			Y2:         b.Y2,
		}
	}
	if err := a.store.Detections().Add(runID, dets); err != nil {
		log.WithError(err).WithField("run", runID).Warn("could not record detections")
	}
}

func marshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Debug("could not encode run document")
		return nil
	}
	return data
}
