// Package dataset lays out, generates and inspects YOLO-style image/label datasets.
package dataset

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Split names a dataset partition.
type Split string

const (
	Train Split = "train"
	Val   Split = "val"
)

// Splits lists the partitions in materialization order.
var Splits = []Split{Train, Val}

// Default subpaths relative to the dataset root.
const (
	DefaultTrainImages = "images/train"
	DefaultValImages   = "images/val"
	DefaultTrainLabels = "labels/train"
	DefaultValLabels   = "labels/val"
)

// Config describes a dataset on disk: where its splits live and which classes it holds.
// ClassCount always equals len(ClassNames) once built through NewConfig or SetClassNames.
type Config struct {
	RootPath    string
	TrainImages string
	ValImages   string
	TrainLabels string
	ValLabels   string
	ClassNames  []string
	ClassCount  int
}

// NewConfig returns a Config rooted at root with the standard split layout.
func NewConfig(root string, classNames []string) Config {
	c := Config{
		RootPath:    root,
		TrainImages: DefaultTrainImages,
		ValImages:   DefaultValImages,
		TrainLabels: DefaultTrainLabels,
		ValLabels:   DefaultValLabels,
	}
	c.SetClassNames(classNames)
	return c
}

// SetClassNames replaces the class list and keeps ClassCount in step.
func (c *Config) SetClassNames(names []string) {
	c.ClassNames = append([]string(nil), names...)
	c.ClassCount = len(c.ClassNames)
}

// Validate checks the class invariant.
func (c Config) Validate() error {
	if c.ClassCount != len(c.ClassNames) {
		return fmt.Errorf("class count %d does not match %d class names", c.ClassCount, len(c.ClassNames))
	}
	for i, n := range c.ClassNames {
		if strings.TrimSpace(n) == "" {
			return fmt.Errorf("class %d has an empty name", i)
		}
	}
	return nil
}

// ImageDir returns the image directory for a split.
func (c Config) ImageDir(s Split) string {
	if s == Val {
		return filepath.Join(c.RootPath, c.ValImages)
	}
	return filepath.Join(c.RootPath, c.TrainImages)
}

// LabelDir returns the label directory for a split.
func (c Config) LabelDir(s Split) string {
	if s == Val {
		return filepath.Join(c.RootPath, c.ValLabels)
	}
	return filepath.Join(c.RootPath, c.TrainLabels)
}

// LabelSubpath derives the label directory from an image directory the way
// YOLO trainers do: the last "images" path element becomes "labels".
func LabelSubpath(imageSubpath string) string {
	parts := strings.Split(filepath.ToSlash(imageSubpath), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == "images" {
			parts[i] = "labels"
			return filepath.FromSlash(strings.Join(parts, "/"))
		}
	}
	return filepath.Join("labels", imageSubpath)
}

// LabelPathFor returns the label file that annotates the given image.
func (c Config) LabelPathFor(s Split, imagePath string) string {
	base := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	return filepath.Join(c.LabelDir(s), base+".txt")
}
