package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/vibrio/internal/apperr"
)

func newTestMaterializer(t *testing.T) *Materializer {
	t.Helper()
	root := filepath.Join(t.TempDir(), "dataset")
	return NewMaterializer(NewConfig(root, []string{"v_para", "v_algi"}))
}

func TestMaterializer_CreateDirectoryStructure(t *testing.T) {
	m := newTestMaterializer(t)

	require.NoError(t, m.CreateDirectoryStructure())
	require.NoError(t, m.CreateDirectoryStructure(), "second call should be a no-op")

	for _, sub := range []string{"images/train", "images/val", "labels/train", "labels/val"} {
		info, err := os.Stat(filepath.Join(m.Config().RootPath, sub))
		require.NoError(t, err, sub)
		assert.True(t, info.IsDir(), sub)
	}
}

func TestMaterializer_GenerateSamples(t *testing.T) {
	m := newTestMaterializer(t)

	require.NoError(t, m.GenerateSamples(3))

	for _, sub := range []string{"images/train", "images/val", "labels/train", "labels/val"} {
		entries, err := os.ReadDir(filepath.Join(m.Config().RootPath, sub))
		require.NoError(t, err)
		assert.Len(t, entries, 3, sub)
	}

	counts, err := m.CountImages()
	require.NoError(t, err)
	assert.Equal(t, Counts{Train: 3, Val: 3, Total: 6}, counts)

	t.Run("label lines are valid", func(t *testing.T) {
		for _, s := range Splits {
			data, err := os.ReadFile(filepath.Join(m.Config().LabelDir(s), "sample_1.txt"))
			require.NoError(t, err)
			assert.Equal(t, "0 0.46875 0.46875 0.3125 0.3125\n", string(data))

			records, err := ReadLabelFile(filepath.Join(m.Config().LabelDir(s), "sample_1.txt"))
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.NoError(t, records[0].Validate(m.Config().ClassCount))
		}
	})

	t.Run("image has the expected geometry", func(t *testing.T) {
		img, err := imaging.Open(filepath.Join(m.Config().ImageDir(Train), "sample_0.jpg"))
		require.NoError(t, err)
		assert.Equal(t, SampleSize, img.Bounds().Dx())
		assert.Equal(t, SampleSize, img.Bounds().Dy())

		r, _, _, _ := img.At(300, 300).RGBA()
		assert.Less(t, r>>8, uint32(40), "box centre should be dark")
		r, _, _, _ = img.At(50, 50).RGBA()
		assert.Greater(t, r>>8, uint32(215), "background should be light")
	})
}

func TestMaterializer_GenerateSamples_Zero(t *testing.T) {
	m := newTestMaterializer(t)

	require.NoError(t, m.GenerateSamples(0))

	counts, err := m.CountImages()
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)
}

func TestMaterializer_GenerateSamples_NegativeCount(t *testing.T) {
	m := newTestMaterializer(t)

	err := m.GenerateSamples(-1)

	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ParseFailure)
	assert.Contains(t, err.Error(), "negative sample count -1")
	assert.NoDirExists(t, m.Config().RootPath, "nothing is created for a rejected count")
}

func TestMaterializer_GenerateSamples_UnwritableRoot(t *testing.T) {
	tmp := t.TempDir()
	blocker := filepath.Join(tmp, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	m := NewMaterializer(NewConfig(filepath.Join(blocker, "dataset"), []string{"a"}))
	err := m.GenerateSamples(1)

	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.IOFailure)
	assert.Contains(t, err.Error(), blocker)
}

func TestMaterializer_CountImages(t *testing.T) {
	m := newTestMaterializer(t)
	require.NoError(t, m.CreateDirectoryStructure())

	train := m.Config().ImageDir(Train)
	for _, name := range []string{"a.jpg", "b.JPEG", "c.png", "notes.txt", "d.bmp"} {
		require.NoError(t, os.WriteFile(filepath.Join(train, name), nil, 0644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(train, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(train, "nested", "e.jpg"), nil, 0644))

	counts, err := m.CountImages()
	require.NoError(t, err)
	assert.Equal(t, Counts{Train: 3, Val: 0, Total: 3}, counts)
}

func TestMaterializer_CountImages_MissingSplit(t *testing.T) {
	m := newTestMaterializer(t)

	_, err := m.CountImages()

	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.IOFailure)
	assert.Contains(t, err.Error(), filepath.Join("images", "train"))
}

func TestMaterializer_Clear(t *testing.T) {
	m := newTestMaterializer(t)
	require.NoError(t, m.GenerateSamples(2))

	require.NoError(t, m.Clear())
	_, err := os.Stat(m.Config().RootPath)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, m.Clear(), "clearing a missing root is a no-op")
}

func TestMaterializer_FindSampleImage(t *testing.T) {
	m := newTestMaterializer(t)

	_, err := m.FindSampleImage()
	assert.ErrorIs(t, err, apperr.IOFailure)

	require.NoError(t, m.CreateDirectoryStructure())
	_, err = m.FindSampleImage()
	assert.ErrorIs(t, err, apperr.ImageNotFound)

	require.NoError(t, m.GenerateSamples(2))
	path, err := m.FindSampleImage()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, filepath.Join("images", "val", "sample_0.jpg")), path)
}

func TestMaterializer_Images(t *testing.T) {
	m := newTestMaterializer(t)
	require.NoError(t, m.GenerateSamples(2))

	images, err := m.Images(Val)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(m.Config().ImageDir(Val), "sample_0.jpg"),
		filepath.Join(m.Config().ImageDir(Val), "sample_1.jpg"),
	}, images)
}
