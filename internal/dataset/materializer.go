package dataset

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"

	"github.com/ayusman/vibrio/internal/apperr"
)

// Synthetic sample geometry. The box is centred at 300px in a 640px frame.
const (
	SampleSize    = 640
	SampleBoxMin  = 200
	SampleBoxMax  = 400
	sampleQuality = 95
)

// SampleLabel is the annotation written for every synthetic sample.
var SampleLabel = LabelRecord{
	ClassID: 0,
	XCenter: float64(SampleBoxMin+SampleBoxMax) / 2 / SampleSize,
	YCenter: float64(SampleBoxMin+SampleBoxMax) / 2 / SampleSize,
	Width:   float64(SampleBoxMax-SampleBoxMin) / SampleSize,
	Height:  float64(SampleBoxMax-SampleBoxMin) / SampleSize,
}

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// IsImage reports whether name carries one of the recognized image extensions.
func IsImage(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// Counts holds per-split image totals.
type Counts struct {
	Train int `json:"train"`
	Val   int `json:"val"`
	Total int `json:"total"`
}

// Materializer creates and inspects the dataset tree described by a Config.
type Materializer struct {
	cfg Config
}

// NewMaterializer returns a Materializer for cfg.
func NewMaterializer(cfg Config) *Materializer {
	return &Materializer{cfg: cfg}
}

// Config returns the dataset configuration this materializer operates on.
func (m *Materializer) Config() Config {
	return m.cfg
}

// CreateDirectoryStructure creates the image and label directories of both splits.
// Existing directories are left alone.
func (m *Materializer) CreateDirectoryStructure() error {
	for _, s := range Splits {
		for _, dir := range []string{m.cfg.ImageDir(s), m.cfg.LabelDir(s)} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return apperr.New(apperr.IOFailure, "create directory", dir, err)
			}
		}
	}
	return nil
}

// GenerateSamples writes count synthetic images, each with one labelled black
// square, into both splits. Files from a failed run are not cleaned up.
func (m *Materializer) GenerateSamples(count int) error {
	if count < 0 {
		return apperr.Newf(apperr.ParseFailure, "generate samples", m.cfg.RootPath, "negative sample count %d", count)
	}
	if err := m.CreateDirectoryStructure(); err != nil {
		return err
	}

	img := RenderSample()
	label := []LabelRecord{SampleLabel}

	for i := 0; i < count; i++ {
		name := fmt.Sprintf("sample_%d", i)
		for _, s := range Splits {
			imgPath := filepath.Join(m.cfg.ImageDir(s), name+".jpg")
			if err := imaging.Save(img, imgPath, imaging.JPEGQuality(sampleQuality)); err != nil {
				return apperr.New(apperr.IOFailure, "save sample image", imgPath, err)
			}
			if err := WriteLabelFile(filepath.Join(m.cfg.LabelDir(s), name+".txt"), label); err != nil {
				return err
			}
		}
	}

	log.WithFields(log.Fields{"root": m.cfg.RootPath, "count": count}).Info("generated sample dataset")
	return nil
}

// RenderSample draws the synthetic sample image: a black square on white.
func RenderSample() *image.NRGBA {
	bg := imaging.New(SampleSize, SampleSize, color.White)
	box := imaging.New(SampleBoxMax-SampleBoxMin, SampleBoxMax-SampleBoxMin, color.Black)
	return imaging.Paste(bg, box, image.Pt(SampleBoxMin, SampleBoxMin))
}

// CountImages counts image files directly inside each split's image directory.
func (m *Materializer) CountImages() (Counts, error) {
	var c Counts
	for _, s := range Splits {
		n, err := countImagesIn(m.cfg.ImageDir(s))
		if err != nil {
			return Counts{}, err
		}
		if s == Train {
			c.Train = n
		} else {
			c.Val = n
		}
	}
	c.Total = c.Train + c.Val
	return c, nil
}

func countImagesIn(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, apperr.New(apperr.IOFailure, "count images", dir, err)
	}
	n := 0
	for _, e := range entries {
		if e.Type().IsRegular() && IsImage(e.Name()) {
			n++
		}
	}
	return n, nil
}

// Clear removes the dataset root and everything below it.
func (m *Materializer) Clear() error {
	if err := os.RemoveAll(m.cfg.RootPath); err != nil {
		return apperr.New(apperr.IOFailure, "clear dataset", m.cfg.RootPath, err)
	}
	log.WithField("root", m.cfg.RootPath).Info("dataset cleared")
	return nil
}

// FindSampleImage returns the first validation image in name order.
func (m *Materializer) FindSampleImage() (string, error) {
	dir := m.cfg.ImageDir(Val)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", apperr.Newf(apperr.IOFailure, "find sample image", dir, "validation image directory does not exist")
		}
		return "", apperr.New(apperr.IOFailure, "find sample image", dir, err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() && IsImage(e.Name()) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", apperr.Newf(apperr.ImageNotFound, "find sample image", dir, "no images in validation split")
}

// Images lists the image files of a split in name order.
func (m *Materializer) Images(s Split) ([]string, error) {
	dir := m.cfg.ImageDir(s)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperr.New(apperr.IOFailure, "list images", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && IsImage(e.Name()) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}
