package annotate

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/vibrio/internal/engine"
)

func grayImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{128, 128, 128, 255})
		}
	}
	return img
}

func TestPalette(t *testing.T) {
	p := Palette(4)
	require.Len(t, p, 4)
	assert.Equal(t, p, Palette(4), "palette is deterministic")

	seen := map[color.RGBA]bool{}
	for _, c := range p {
		r, g, b, a := c.RGBA()
		seen[color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), uint8(a >> 8)}] = true
	}
	assert.Len(t, seen, 4, "colors are distinct")
	assert.Empty(t, Palette(0))
}

func TestDraw(t *testing.T) {
	src := grayImage(50, 50)
	red := color.RGBA{255, 0, 0, 255}
	dets := []engine.Detection{{ClassID: 0, X1: 10, Y1: 10, X2: 30, Y2: 30}}

	out := Draw(src, dets, []color.Color{red})

	assert.Equal(t, red, out.RGBAAt(10, 10), "top-left corner")
	assert.Equal(t, red, out.RGBAAt(29, 20), "right edge")
	assert.Equal(t, red, out.RGBAAt(12, 20), "inside the outline thickness")
	assert.Equal(t, color.RGBA{128, 128, 128, 255}, out.RGBAAt(20, 20), "interior untouched")
	assert.Equal(t, color.RGBA{128, 128, 128, 255}, src.RGBAAt(10, 10), "source untouched")
}

func TestDraw_ClipsAndSkips(t *testing.T) {
	src := grayImage(20, 20)
	dets := []engine.Detection{
		{ClassID: 1, X1: -5, Y1: -5, X2: 100, Y2: 100},
		{ClassID: 0, X1: 40, Y1: 40, X2: 60, Y2: 60},
	}

	out := Draw(src, dets, Palette(2))
	assert.Equal(t, src.Bounds(), out.Bounds())
	assert.NotEqual(t, color.RGBA{128, 128, 128, 255}, out.RGBAAt(0, 0), "clipped box reaches the edge")
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.png")
	require.NoError(t, imgio.Save(src, grayImage(32, 32), imgio.PNGEncoder()))

	dst := filepath.Join(dir, "out.png")
	dets := []engine.Detection{{ClassID: 0, X1: 4, Y1: 4, X2: 20, Y2: 20}}
	require.NoError(t, Save(src, dets, 2, dst))

	img, err := imgio.Open(dst)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())

	r, g, b, _ := img.At(4, 4).RGBA()
	assert.False(t, r == g && g == b, "box pixel should be colored")

	jpg := filepath.Join(dir, "out.jpg")
	require.NoError(t, Save(src, nil, 0, jpg))
	_, err = os.Stat(jpg)
	assert.NoError(t, err)
}

func TestSave_MissingSource(t *testing.T) {
	err := Save(filepath.Join(t.TempDir(), "nope.jpg"), nil, 1, filepath.Join(t.TempDir(), "out.jpg"))
	assert.Error(t, err)
}
