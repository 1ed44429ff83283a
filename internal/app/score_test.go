package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/vibrio/internal/apperr"
	"github.com/ayusman/vibrio/internal/engine"
)

func TestApp_Score(t *testing.T) {
	a, eng := newTestApp(t, true)
	ctx := context.Background()

	_, err := a.CreateSamples(3)
	require.NoError(t, err)
	require.NoError(t, a.PrepareDataset())
	touch(t, a.Config().TrainedModelPath())
	eng.Detections = []engine.Detection{{ClassID: 0, Confidence: 0.9, X1: 200, Y1: 200, X2: 400, Y2: 400}}

	res, cfg, err := a.Score(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, a.Config().DatasetDir, cfg.RootPath)
	require.Len(t, res.Classes, 1, "only the sample class has ground truth")
	assert.Equal(t, 3, res.Classes[0].Truths)
	assert.InDelta(t, 1.0, res.Map50, 1e-9)
	assert.InDelta(t, 1.0, res.Recall, 1e-9)
	assert.NotEmpty(t, res.Classes[0].CurvePrecision)

	assert.Equal(t, 3, eng.CallCount("Predict"))
	for _, c := range eng.Calls() {
		if c.Method == "Predict" {
			assert.Equal(t, scoreConfidence, c.Conf)
		}
	}

	runs, err := a.Store().Runs().List(0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestApp_Score_MissingDescriptor(t *testing.T) {
	a, eng := newTestApp(t, false)

	_, _, err := a.Score(context.Background(), "")
	assert.ErrorIs(t, err, apperr.MissingDatasetConfig)
	assert.Empty(t, eng.Calls())
}
