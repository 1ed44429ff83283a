package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ayusman/vibrio/internal/apperr"
	"github.com/ayusman/vibrio/internal/engine"
)

// BatchResult is the outcome for one image of a batch.
type BatchResult struct {
	Image      string
	Detections *engine.Detections
	Annotated  string
	Err        error
}

// BatchReport summarizes a PredictBatch call.
type BatchReport struct {
	Results   []BatchResult
	Succeeded int
	Failed    int
	Boxes     int
}

// PredictBatch runs Predict over images in order. A failure on one image is
// recorded and the batch moves on, except for model errors, which stop it
// because no later image could succeed either. When annotateDir is set each
// prediction is also drawn to annotateDir/<name>_pred<ext>.
func (a *App) PredictBatch(ctx context.Context, images []string, conf float64, annotateDir string) (BatchReport, error) {
	var report BatchReport

	for _, img := range images {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		res := BatchResult{Image: img}
		res.Detections, res.Err = a.Predict(ctx, img, conf)
		if res.Err == nil && annotateDir != "" {
			res.Annotated = annotatedName(annotateDir, img)
			if err := a.Annotate(res.Detections, res.Annotated); err != nil {
				log.WithError(err).WithField("image", img).Warn("could not annotate prediction")
				res.Annotated = ""
			}
		}

		report.Results = append(report.Results, res)
		if res.Err != nil {
			report.Failed++
			if fatalForBatch(res.Err) {
				return report, res.Err
			}
			log.WithError(res.Err).WithField("image", img).Warn("prediction failed")
			continue
		}
		report.Succeeded++
		report.Boxes += len(res.Detections.Boxes)
	}

	log.WithFields(log.Fields{
		"images":    len(images),
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"boxes":     report.Boxes,
	}).Info("batch inference completed")
	return report, nil
}

func fatalForBatch(err error) bool {
	return errors.Is(err, apperr.ModelNotFound) || errors.Is(err, apperr.ModelLoadFailure)
}

func annotatedName(dir, img string) string {
	base := filepath.Base(img)
	ext := filepath.Ext(base)
	return filepath.Join(dir, strings.TrimSuffix(base, ext)+"_pred"+ext)
}
