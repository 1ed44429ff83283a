package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/vibrio/internal/apperr"
	"github.com/ayusman/vibrio/internal/config"
	"github.com/ayusman/vibrio/internal/dataset"
	"github.com/ayusman/vibrio/internal/engine"
	"github.com/ayusman/vibrio/internal/store"
)

func newTestApp(t *testing.T, withStore bool) (*App, *engine.MockEngine) {
	t.Helper()
	cfg := config.Default(t.TempDir())

	var st *store.Store
	if withStore {
		var err error
		st, err = store.New(cfg.StorePath)
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
	}

	eng := engine.NewMockEngine()
	return New(cfg, eng, st), eng
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0644))
}

func TestApp_TrainWithoutDescriptor(t *testing.T) {
	a, eng := newTestApp(t, false)

	_, err := a.Train(context.Background(), engine.DefaultTrainingParameters())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.MissingDatasetConfig)
	assert.Contains(t, err.Error(), a.Config().DatasetYAML)
	assert.Empty(t, eng.Calls(), "no engine call without a descriptor")
	assert.False(t, a.Loaded())
}

func TestApp_Train(t *testing.T) {
	a, eng := newTestApp(t, true)
	cfg := a.Config()
	ctx := context.Background()

	counts, err := a.CreateSamples(2)
	require.NoError(t, err)
	assert.Equal(t, dataset.Counts{Train: 2, Val: 2, Total: 4}, counts)
	require.NoError(t, a.PrepareDataset())

	best := filepath.Join(cfg.ProjectDir, "runs", "detect", cfg.OutputModelName, "weights", "best.pt")
	touch(t, best)
	eng.Summary = &engine.TrainingSummary{BestWeights: best, Epochs: 3}

	params := cfg.TrainingParameters()
	params.Epochs = 3
	summary, err := a.Train(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Epochs)

	calls := eng.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, engine.Call{Method: "Load", Path: cfg.PretrainedModel}, calls[0])
	assert.Equal(t, "Train", calls[1].Method)
	assert.Equal(t, cfg.DatasetYAML, calls[1].Arg)
	assert.Equal(t, 3, calls[1].Params.Epochs)

	assert.FileExists(t, filepath.Join(cfg.ModelsDir, "best.pt"), "best weights are promoted")

	runs, err := a.Store().Runs().List(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunKindTrain, runs[0].Kind)
	assert.Equal(t, store.RunStatusSucceeded, runs[0].Status)
	assert.Equal(t, best, runs[0].ModelPath)
	assert.JSONEq(t, `{"epochs":3,"batch_size":16,"image_size":640,"confidence_threshold":0.25,"run_name":"vibrio_yolov8_model","project_dir":"`+cfg.ProjectDir+`"}`,
		string(runs[0].Params))
}

func TestApp_TrainFailures(t *testing.T) {
	t.Run("pretrained load fails", func(t *testing.T) {
		a, eng := newTestApp(t, false)
		require.NoError(t, a.PrepareDataset())
		eng.LoadErr = errors.New("corrupt weights")

		_, err := a.Train(context.Background(), engine.DefaultTrainingParameters())
		assert.ErrorIs(t, err, apperr.ModelLoadFailure)
		assert.Contains(t, err.Error(), "corrupt weights")
		assert.Zero(t, eng.CallCount("Train"))
	})

	t.Run("engine fails", func(t *testing.T) {
		a, eng := newTestApp(t, true)
		require.NoError(t, a.PrepareDataset())
		eng.TrainErr = errors.New("cuda out of memory")

		_, err := a.Train(context.Background(), engine.DefaultTrainingParameters())
		assert.ErrorIs(t, err, apperr.TrainFailure)
		assert.Equal(t, 1, eng.CallCount("Train"), "training is not retried")

		runs, err := a.Store().Runs().List(0)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, store.RunStatusFailed, runs[0].Status)
		assert.Contains(t, runs[0].Error, "cuda out of memory")
	})

	t.Run("invalid parameters", func(t *testing.T) {
		a, eng := newTestApp(t, false)
		require.NoError(t, a.PrepareDataset())

		params := engine.DefaultTrainingParameters()
		params.BatchSize = 0
		_, err := a.Train(context.Background(), params)
		assert.ErrorIs(t, err, apperr.TrainFailure)
		assert.Empty(t, eng.Calls())
	})
}

func TestApp_PredictMissingImage(t *testing.T) {
	a, eng := newTestApp(t, false)

	_, err := a.Predict(context.Background(), filepath.Join(t.TempDir(), "nope.jpg"), 0.25)
	assert.ErrorIs(t, err, apperr.ImageNotFound)
	assert.Empty(t, eng.Calls(), "image is checked before any load")
}

func TestApp_PredictWithoutTrainedModel(t *testing.T) {
	a, eng := newTestApp(t, false)
	_, err := a.CreateSamples(1)
	require.NoError(t, err)
	img, err := a.Materializer().FindSampleImage()
	require.NoError(t, err)

	_, err = a.Predict(context.Background(), img, 0.25)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ModelNotFound)
	assert.Contains(t, err.Error(), "train the model first")
	assert.Contains(t, err.Error(), a.Config().TrainedModelPath())
	assert.Empty(t, eng.Calls())
}

func TestApp_Predict(t *testing.T) {
	a, eng := newTestApp(t, true)
	cfg := a.Config()
	ctx := context.Background()

	_, err := a.CreateSamples(1)
	require.NoError(t, err)
	img, err := a.Materializer().FindSampleImage()
	require.NoError(t, err)

	weights := filepath.Join(cfg.ModelsDir, "best.pt")
	touch(t, weights)
	eng.Detections = []engine.Detection{
		{ClassID: 0, ClassName: "v_para", Confidence: 0.8, X1: 200, Y1: 200, X2: 400, Y2: 400},
		{ClassID: 1, ClassName: "v_algi", Confidence: 0.1, X1: 0, Y1: 0, X2: 10, Y2: 10},
	}

	dets, err := a.Predict(ctx, img, 0.25)
	require.NoError(t, err)
	require.Len(t, dets.Boxes, 1)
	assert.Equal(t, weights, a.Model().Path())

	// A second prediction reuses the loaded handle.
	_, err = a.Predict(ctx, img, 0.05)
	require.NoError(t, err)
	assert.Equal(t, 1, eng.CallCount("Load"))

	runs, err := a.Store().Runs().List(0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	recorded, err := a.Store().Detections().ListByRun(runs[1].ID)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, "v_para", recorded[0].ClassName)

	out := filepath.Join(cfg.ProjectDir, "annotated", "pred.jpg")
	require.NoError(t, a.Annotate(dets, out))
	assert.FileExists(t, out)
}

func TestApp_PredictFailure(t *testing.T) {
	a, eng := newTestApp(t, false)
	_, err := a.CreateSamples(1)
	require.NoError(t, err)
	img, err := a.Materializer().FindSampleImage()
	require.NoError(t, err)
	require.NoError(t, a.LoadPretrained(context.Background()))

	eng.PredictErr = errors.New("bad tensor")
	_, err = a.Predict(context.Background(), img, 0.25)
	assert.ErrorIs(t, err, apperr.PredictFailure)
	assert.Contains(t, err.Error(), img)
}

func TestApp_Evaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("missing descriptor", func(t *testing.T) {
		a, eng := newTestApp(t, false)
		_, err := a.Evaluate(ctx, "")
		assert.ErrorIs(t, err, apperr.MissingDatasetConfig)
		assert.Empty(t, eng.Calls())
	})

	t.Run("no trained model", func(t *testing.T) {
		a, eng := newTestApp(t, false)
		require.NoError(t, a.PrepareDataset())

		_, err := a.Evaluate(ctx, "")
		assert.ErrorIs(t, err, apperr.ModelNotFound)
		assert.Contains(t, err.Error(), "train the model first")
		assert.Empty(t, eng.Calls())
	})

	t.Run("success", func(t *testing.T) {
		a, eng := newTestApp(t, true)
		require.NoError(t, a.PrepareDataset())
		touch(t, a.Config().TrainedModelPath())

		m, err := a.Evaluate(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 0.5, m.Map50)
		assert.Equal(t, []string{"Load", "Evaluate"}, methods(eng.Calls()))

		runs, err := a.Store().Runs().List(1)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.JSONEq(t, `{"map50":0.5,"map50_95":0.3,"precision":0.6,"recall":0.4}`, string(runs[0].Metrics))
	})

	t.Run("engine fails", func(t *testing.T) {
		a, eng := newTestApp(t, false)
		require.NoError(t, a.PrepareDataset())
		require.NoError(t, a.LoadPretrained(ctx))
		eng.EvaluateErr = errors.New("no labels")

		_, err := a.Evaluate(ctx, a.Config().DatasetYAML)
		assert.ErrorIs(t, err, apperr.EvaluateFailure)
	})
}

func TestApp_FailedLoadKeepsHandle(t *testing.T) {
	a, eng := newTestApp(t, false)
	ctx := context.Background()

	require.NoError(t, a.LoadPretrained(ctx))
	before := a.Model()

	eng.LoadErr = errors.New("disk error")
	err := a.LoadPretrained(ctx)
	assert.ErrorIs(t, err, apperr.ModelLoadFailure)
	assert.Same(t, before, a.Model())
	assert.Zero(t, eng.CallCount("Close"), "previous handle stays open")

	eng.LoadErr = nil
	require.NoError(t, a.LoadPretrained(ctx))
	assert.NotSame(t, before, a.Model())
	assert.Equal(t, 1, eng.CallCount("Close"), "replaced handle is closed")

	require.NoError(t, a.Close())
	assert.False(t, a.Loaded())
}

func TestApp_LoadTrainedResolvesEachCall(t *testing.T) {
	a, _ := newTestApp(t, false)
	ctx := context.Background()

	assert.ErrorIs(t, a.LoadTrained(ctx), apperr.ModelNotFound)

	rerun := filepath.Join(a.Config().ProjectDir, "runs", "detect", a.Config().OutputModelName+"2", "weights", "best.pt")
	touch(t, rerun)

	require.NoError(t, a.LoadTrained(ctx))
	assert.Equal(t, rerun, a.Model().Path())
}

func methods(calls []engine.Call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method
	}
	return out
}
