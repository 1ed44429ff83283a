package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/vibrio/internal/apperr"
)

// execute runs the CLI against projectDir with the mock backend.
func execute(t *testing.T, projectDir string, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	var out, errOut bytes.Buffer
	args = append(args, "--project-dir", projectDir, "--engine", "mock", "--log-level", "error")
	code = run(context.Background(), args, &out, &errOut)
	return out.String(), errOut.String(), code
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0644))
}

func TestRewriteLegacyArgs(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		want   []string
		legacy bool
	}{
		{"subcommand", []string{"train", "--epochs", "3"}, []string{"train", "--epochs", "3"}, false},
		{"separate value", []string{"--action", "train", "--epochs", "3"}, []string{"train", "--epochs", "3"}, true},
		{"inline value", []string{"--epochs", "3", "--action=inference"}, []string{"inference", "--epochs", "3"}, true},
		{"dangling", []string{"--action"}, []string{"--action"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, legacy := rewriteLegacyArgs(tt.args)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.legacy, legacy)
		})
	}
}

func TestDiagnose(t *testing.T) {
	msg := diagnose(apperr.Newf(apperr.ModelNotFound, "load trained model", "/p/best.pt", "model file not found"))
	assert.Contains(t, msg, "/p/best.pt")
	assert.Contains(t, msg, "Train a model first")

	assert.Equal(t, "Error: boom", diagnose(errors.New("boom")))
}

func TestCLI_Workflow(t *testing.T) {
	dir := t.TempDir()

	out, _, code := execute(t, dir, "create-samples", "--num-samples", "2")
	require.Zero(t, code)
	assert.Contains(t, out, "train 2, val 2, total 4")

	out, _, code = execute(t, dir, "count")
	require.Zero(t, code)
	assert.Contains(t, out, "total: 4")

	_, errOut, code := execute(t, dir, "inference")
	assert.Equal(t, apperr.ExitCode(apperr.ModelNotFound), code)
	assert.Contains(t, errOut, "Train a model first")

	out, _, code = execute(t, dir, "train", "--epochs", "3")
	require.Zero(t, code)
	assert.Contains(t, out, "Training completed successfully!")
	assert.FileExists(t, filepath.Join(dir, "dataset.yaml"))

	touch(t, filepath.Join(dir, "models", "best.pt"))
	annotated := filepath.Join(dir, "out", "pred.jpg")

	out, _, code = execute(t, dir, "inference", "--annotate", annotated)
	require.Zero(t, code)
	assert.Contains(t, out, "Running inference on image: "+filepath.Join(dir, "dataset", "images", "val", "sample_0.jpg"))
	assert.Contains(t, out, "Detections: 0")
	assert.FileExists(t, annotated)

	out, _, code = execute(t, dir, "evaluate")
	require.Zero(t, code)
	assert.Contains(t, out, "mAP50: 0.5000")
	assert.Contains(t, out, "mAP50-95: 0.3000")
	assert.Contains(t, out, "Precision: 0.6000")
	assert.Contains(t, out, "Recall: 0.4000")

	out, _, code = execute(t, dir, "runs")
	require.Zero(t, code)
	assert.Contains(t, out, "train")
	assert.Contains(t, out, "predict")
	assert.Contains(t, out, "evaluate")
	assert.NotContains(t, out, "failed")

	out, _, code = execute(t, dir, "clean")
	require.Zero(t, code)
	assert.NoDirExists(t, filepath.Join(dir, "dataset"))

	_, _, code = execute(t, dir, "count")
	assert.Equal(t, apperr.ExitCode(apperr.IOFailure), code)
}

func TestCLI_InferenceDirectory(t *testing.T) {
	dir := t.TempDir()

	_, _, code := execute(t, dir, "create-samples", "--num-samples", "2")
	require.Zero(t, code)
	touch(t, filepath.Join(dir, "models", "best.pt"))

	outDir := filepath.Join(dir, "annotated")
	out, _, code := execute(t, dir, "inference", "--dir", filepath.Join(dir, "dataset", "images", "val"), "--annotate", outDir)
	require.Zero(t, code)
	assert.Contains(t, out, "Processed 2 images: 2 succeeded, 0 failed")
	assert.FileExists(t, filepath.Join(outDir, "sample_1_pred.jpg"))

	_, _, code = execute(t, dir, "inference", "--dir", t.TempDir())
	assert.Equal(t, apperr.ExitCode(apperr.ImageNotFound), code)
}

func TestCLI_EvaluateWithoutDescriptor(t *testing.T) {
	dir := t.TempDir()

	_, errOut, code := execute(t, dir, "evaluate")
	assert.Equal(t, apperr.ExitCode(apperr.MissingDatasetConfig), code)
	assert.Contains(t, errOut, "dataset configuration file not found")
}

func TestCLI_LegacyAction(t *testing.T) {
	dir := t.TempDir()

	// --epochs belongs to train but the old interface accepted it everywhere.
	out, _, code := execute(t, dir, "--action", "create-samples", "--num-samples", "1", "--epochs", "5")
	require.Zero(t, code)
	assert.Contains(t, out, "train 1, val 1, total 2")
}

func TestCLI_Config(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)

	out, _, code := execute(t, dir, "config", "--write", path)
	require.Zero(t, code)
	assert.Contains(t, out, "Configuration saved to "+path)
	require.FileExists(t, path)

	require.NoError(t, os.WriteFile(path, []byte("epochs: 7\n"), 0644))
	out, _, code = execute(t, dir, "config")
	require.Zero(t, code)
	assert.Contains(t, out, "epochs: 7")
	assert.Contains(t, out, "backend: mock")
}

func TestCLI_Errors(t *testing.T) {
	dir := t.TempDir()

	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"count", "--project-dir", dir, "--engine", "bogus"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), `unknown engine "bogus"`)

	_, _, code = execute(t, dir, "count", "--no-such-flag")
	assert.Equal(t, 1, code)

	_, errText, code := execute(t, dir, "create-samples", "--num-samples", "-1")
	assert.Equal(t, apperr.ExitCode(apperr.ParseFailure), code)
	assert.Contains(t, errText, "must not be negative")
	assert.NoDirExists(t, filepath.Join(dir, "dataset"))

	_, _, code = execute(t, dir, "train", "--create-samples", "--num-samples", "-3")
	assert.Equal(t, apperr.ExitCode(apperr.ParseFailure), code)
	assert.NoFileExists(t, filepath.Join(dir, "dataset.yaml"))

	stdout, _, code := execute(t, dir, "check")
	require.Zero(t, code)
	assert.Contains(t, stdout, "Backend mock has no external dependencies to check")
}
