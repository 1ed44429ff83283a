package descriptor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/vibrio/internal/apperr"
	"github.com/ayusman/vibrio/internal/dataset"
)

func TestWriteRead_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dataset.yaml")
	cfg := dataset.NewConfig(filepath.Join(dir, "dataset"), []string{"v_para", "v_algi"})

	require.NoError(t, Write(cfg, path))

	got, err := Read(path, dataset.Config{})
	require.NoError(t, err)

	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWrite_Format(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.yaml")
	cfg := dataset.NewConfig("/srv/dataset", []string{"v_para", "v_algi"})

	require.NoError(t, Write(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"path: /srv/dataset\ntrain: images/train\nval: images/val\nnc: 2\nnames: [v_para, v_algi]\n",
		string(data))
}

func TestWrite_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stale: true\nnc: 9\n"), 0644))

	require.NoError(t, Write(dataset.NewConfig("/d", []string{"a"}), path))

	got, err := Read(path, dataset.Config{})
	require.NoError(t, err)
	assert.Equal(t, 1, got.ClassCount)
	assert.Equal(t, []string{"a"}, got.ClassNames)
}

func TestWrite_Unwritable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "dataset.yaml")

	err := Write(dataset.NewConfig("/d", []string{"a"}), path)

	assert.ErrorIs(t, err, apperr.IOFailure)
	assert.Contains(t, err.Error(), path)
}

func TestParse_PartialOverlay(t *testing.T) {
	defaults := dataset.NewConfig("/default/root", []string{"v_para", "v_algi"})

	got, err := Parse([]byte("val: images/holdout\nextra_key: ignored\n"), "d.yaml", defaults)
	require.NoError(t, err)

	assert.Equal(t, "/default/root", got.RootPath)
	assert.Equal(t, "images/train", got.TrainImages)
	assert.Equal(t, "images/holdout", got.ValImages)
	assert.Equal(t, filepath.Join("labels", "holdout"), got.ValLabels)
	assert.Equal(t, []string{"v_para", "v_algi"}, got.ClassNames)
	assert.Equal(t, 2, got.ClassCount)
}

func TestParse_NamesMapping(t *testing.T) {
	got, err := Parse([]byte("nc: 3\nnames:\n  0: a\n  2: c\n  1: b\n"), "d.yaml", dataset.Config{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, got.ClassNames)
	assert.Equal(t, 3, got.ClassCount)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed yaml", "path: [unterminated\n"},
		{"nc type mismatch", "nc: two\n"},
		{"nc names mismatch", "nc: 3\nnames: [a, b]\n"},
		{"names scalar", "names: a\n"},
		{"gap in index mapping", "names:\n  0: a\n  2: c\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), "d.yaml", dataset.Config{})
			assert.ErrorIs(t, err, apperr.ParseFailure)
		})
	}
}

func TestRead_Missing(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.yaml"), dataset.Config{})
	assert.ErrorIs(t, err, apperr.IOFailure)
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dataset.yaml")

	assert.False(t, Exists(path))
	assert.False(t, Exists(dir))

	require.NoError(t, Write(dataset.NewConfig("/d", []string{"a"}), path))
	assert.True(t, Exists(path))
}
