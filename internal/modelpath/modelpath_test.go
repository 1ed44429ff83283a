package modelpath

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0644))
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	c := filepath.Join(dir, "c")
	candidates := []string{a, b, c}

	t.Run("none exist returns default", func(t *testing.T) {
		assert.Equal(t, a, Resolve(candidates, 0))
		assert.Equal(t, c, Resolve(candidates, 2))
	})

	t.Run("out of range default falls back to first", func(t *testing.T) {
		assert.Equal(t, a, Resolve(candidates, 7))
		assert.Equal(t, a, Resolve(candidates, -1))
	})

	t.Run("first existing wins", func(t *testing.T) {
		touch(t, b)
		assert.Equal(t, b, Resolve(candidates, 0))

		touch(t, a)
		assert.Equal(t, a, Resolve(candidates, 2))
	})

	t.Run("no caching between calls", func(t *testing.T) {
		require.NoError(t, os.Remove(a))
		assert.Equal(t, b, Resolve(candidates, 0))
	})

	t.Run("directories do not count", func(t *testing.T) {
		d := filepath.Join(dir, "dir")
		require.NoError(t, os.MkdirAll(d, 0755))
		assert.Equal(t, c, Resolve([]string{d, c}, 1))
	})

	t.Run("empty list", func(t *testing.T) {
		assert.Equal(t, "", Resolve(nil, 0))
	})
}

func TestCandidates(t *testing.T) {
	project := t.TempDir()
	detect := filepath.Join(project, "runs", "detect")
	for _, name := range []string{"m", "m2", "m10", "m5", "mx", "other3"} {
		require.NoError(t, os.MkdirAll(filepath.Join(detect, name), 0755))
	}
	models := filepath.Join(project, "models")

	got := Candidates(project, "m", models)

	assert.Equal(t, []string{
		filepath.Join(detect, "m10", "weights", "best.pt"),
		filepath.Join(detect, "m5", "weights", "best.pt"),
		filepath.Join(detect, "m2", "weights", "best.pt"),
		filepath.Join(detect, "m", "weights", "best.pt"),
		filepath.Join(project, "runs", "train", "m", "weights", "best.pt"),
		filepath.Join(models, "best.pt"),
	}, got)
	assert.Equal(t, filepath.Join(detect, "m", "weights", "best.pt"), Primary(project, "m"))
}

func TestCandidates_RerunWinsOverFirstRun(t *testing.T) {
	project := t.TempDir()
	detect := filepath.Join(project, "runs", "detect")
	first := filepath.Join(detect, "vibrio_yolov8_model", "weights", "best.pt")
	rerun := filepath.Join(detect, "vibrio_yolov8_model2", "weights", "best.pt")
	touch(t, first)
	touch(t, rerun)

	assert.Equal(t, rerun, Resolve(Candidates(project, "vibrio_yolov8_model", ""), 0))

	touch(t, filepath.Join(detect, "vibrio_yolov8_model3", "weights", "best.pt"))
	assert.Equal(t, filepath.Join(detect, "vibrio_yolov8_model3", "weights", "best.pt"),
		Resolve(Candidates(project, "vibrio_yolov8_model", ""), 0))
}

func TestCandidates_NoRuns(t *testing.T) {
	project := t.TempDir()

	got := Candidates(project, "vibrio", "")

	assert.Equal(t, []string{
		filepath.Join(project, "runs", "detect", "vibrio", "weights", "best.pt"),
		filepath.Join(project, "runs", "train", "vibrio", "weights", "best.pt"),
	}, got)
}

func TestPromote(t *testing.T) {
	project := t.TempDir()
	src := filepath.Join(project, "runs", "detect", "m", "weights", "best.pt")
	touch(t, src)

	dst, err := Promote(src, filepath.Join(project, "models"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(project, "models", "best.pt"), dst)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	again, err := Promote(dst, filepath.Join(project, "models"))
	require.NoError(t, err, "promoting the promoted copy is a no-op")
	assert.Equal(t, dst, again)
}

func TestPromote_MissingSource(t *testing.T) {
	project := t.TempDir()
	_, err := Promote(filepath.Join(project, "nope.pt"), filepath.Join(project, "models"))
	assert.Error(t, err)
}
