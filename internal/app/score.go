package app

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/ayusman/vibrio/internal/apperr"
	"github.com/ayusman/vibrio/internal/dataset"
	"github.com/ayusman/vibrio/internal/descriptor"
	"github.com/ayusman/vibrio/internal/metrics"
)

// scoreConfidence is the floor used when collecting predictions for a PR curve.
const scoreConfidence = 0.001

// Score predicts every validation image of the dataset at descriptorPath and
// scores the boxes against the label files in Go. Unlike Evaluate the result
// keeps the per-class precision-recall curves. No run is recorded.
func (a *App) Score(ctx context.Context, descriptorPath string) (metrics.Result, dataset.Config, error) {
	if descriptorPath == "" {
		descriptorPath = a.cfg.DatasetYAML
	}
	if !descriptor.Exists(descriptorPath) {
		return metrics.Result{}, dataset.Config{}, apperr.Newf(apperr.MissingDatasetConfig, "score", descriptorPath,
			"dataset configuration file not found")
	}
	cfg, err := descriptor.Read(descriptorPath, a.cfg.DatasetConfig())
	if err != nil {
		return metrics.Result{}, cfg, err
	}
	if !filepath.IsAbs(cfg.RootPath) {
		cfg.RootPath = filepath.Join(filepath.Dir(descriptorPath), cfg.RootPath)
	}
	if a.model == nil {
		if err := a.LoadTrained(ctx); err != nil {
			return metrics.Result{}, cfg, err
		}
	}

	images, err := dataset.NewMaterializer(cfg).Images(dataset.Val)
	if err != nil {
		return metrics.Result{}, cfg, apperr.New(apperr.EvaluateFailure, "score", descriptorPath, err)
	}

	samples := make([]metrics.Image, 0, len(images))
	for _, path := range images {
		if err := ctx.Err(); err != nil {
			return metrics.Result{}, cfg, err
		}
		sample, err := a.scoreImage(ctx, cfg, path)
		if err != nil {
			return metrics.Result{}, cfg, apperr.New(apperr.EvaluateFailure, "score", path, err)
		}
		samples = append(samples, sample)
	}

	return metrics.Evaluate(samples, cfg.ClassCount, a.cfg.ConfThreshold), cfg, nil
}

func (a *App) scoreImage(ctx context.Context, cfg dataset.Config, path string) (metrics.Image, error) {
	var sample metrics.Image

	img, err := imaging.Open(path)
	if err != nil {
		return sample, err
	}
	size := img.Bounds().Size()

	dets, err := a.model.Predict(ctx, path, scoreConfidence)
	if err != nil {
		return sample, err
	}
	for _, d := range dets.Boxes {
		sample.Predictions = append(sample.Predictions, metrics.Box{
			ClassID: d.ClassID, Confidence: d.Confidence, X1: d.X1, Y1: d.Y1, X2: d.X2, Y2: d.Y2,
		})
	}

	labels, err := dataset.ReadLabelFile(cfg.LabelPathFor(dataset.Val, path))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return sample, err
	}
	for _, l := range labels {
		sample.Truths = append(sample.Truths, metrics.FromLabel(l, size.X, size.Y))
	}
	return sample, nil
}
