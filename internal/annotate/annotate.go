// Package annotate draws detection boxes onto images.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"path/filepath"
	"strings"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/lucasb-eyer/go-colorful"
	log "github.com/sirupsen/logrus"

	"github.com/ayusman/vibrio/internal/engine"
)

// Thickness is the outline width in pixels.
const Thickness = 3

const goldenAngle = 137.50776405003785

// Palette returns n visually distinct colors. The same n always yields the
// same colors, so a class keeps its color between runs.
func Palette(n int) []color.Color {
	out := make([]color.Color, n)
	for i := range out {
		hue := math.Mod(float64(i)*goldenAngle, 360)
		out[i] = colorful.Hsv(hue, 0.85, 0.95).Clamped()
	}
	return out
}

// Draw returns a copy of img with one rectangle outline per detection,
// colored by class. Boxes are clipped to the image bounds.
func Draw(img image.Image, dets []engine.Detection, palette []color.Color) *image.RGBA {
	bounds := img.Bounds()
	result := image.NewRGBA(bounds)
	draw.Draw(result, bounds, img, bounds.Min, draw.Src)

	for _, d := range dets {
		c := colorFor(palette, d.ClassID)
		r := image.Rect(
			bounds.Min.X+int(math.Round(d.X1)), bounds.Min.Y+int(math.Round(d.Y1)),
			bounds.Min.X+int(math.Round(d.X2)), bounds.Min.Y+int(math.Round(d.Y2)),
		).Intersect(bounds)
		if r.Empty() {
			continue
		}
		outline(result, r, c)
	}
	return result
}

func colorFor(palette []color.Color, classID int) color.Color {
	if len(palette) == 0 {
		return color.RGBA{255, 0, 0, 255}
	}
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

func outline(dst *image.RGBA, r image.Rectangle, c color.Color) {
	for i := 0; i < Thickness; i++ {
		inner := r.Inset(i)
		if inner.Empty() {
			return
		}
		for x := inner.Min.X; x < inner.Max.X; x++ {
			dst.Set(x, inner.Min.Y, c)
			dst.Set(x, inner.Max.Y-1, c)
		}
		for y := inner.Min.Y; y < inner.Max.Y; y++ {
			dst.Set(inner.Min.X, y, c)
			dst.Set(inner.Max.X-1, y, c)
		}
	}
}

// Save reads src, draws dets over it and writes the result to dst. The
// encoder follows dst's extension: .png writes PNG, anything else JPEG.
func Save(src string, dets []engine.Detection, classCount int, dst string) error {
	img, err := imgio.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}

	if classCount < 1 {
		classCount = 1
	}
	annotated := Draw(img, dets, Palette(classCount))

	enc := imgio.JPEGEncoder(95)
	if strings.EqualFold(filepath.Ext(dst), ".png") {
		enc = imgio.PNGEncoder()
	}
	if err := imgio.Save(dst, annotated, enc); err != nil {
		return fmt.Errorf("save %s: %w", dst, err)
	}

	log.WithFields(log.Fields{"path": dst, "boxes": len(dets)}).Debug("annotated image written")
	return nil
}
