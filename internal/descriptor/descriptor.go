// Package descriptor reads and writes the YAML dataset descriptor consumed by
// the detection engine.
package descriptor

import (
	"errors"
	"fmt"
	"os"
	"sort"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ayusman/vibrio/internal/apperr"
	"github.com/ayusman/vibrio/internal/dataset"
)

// document is the on-disk shape. Field order is the key order of the file.
type document struct {
	Path  string   `yaml:"path"`
	Train string   `yaml:"train"`
	Val   string   `yaml:"val"`
	NC    int      `yaml:"nc"`
	Names []string `yaml:"names,flow"`
}

// partial is used for reading so that absent keys can be told apart from zero values.
type partial struct {
	Path  *string   `yaml:"path"`
	Train *string   `yaml:"train"`
	Val   *string   `yaml:"val"`
	NC    *int      `yaml:"nc"`
	Names yaml.Node `yaml:"names"`
}

// Write serializes cfg to path, replacing any existing file.
func Write(cfg dataset.Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return apperr.New(apperr.ParseFailure, "write descriptor", path, err)
	}

	doc := document{
		Path:  cfg.RootPath,
		Train: cfg.TrainImages,
		Val:   cfg.ValImages,
		NC:    cfg.ClassCount,
		Names: cfg.ClassNames,
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return apperr.New(apperr.ParseFailure, "encode descriptor", path, err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return apperr.New(apperr.IOFailure, "write descriptor", path, err)
	}

	log.WithFields(log.Fields{"path": path, "classes": cfg.ClassCount}).Debug("wrote dataset descriptor")
	return nil
}

// Read parses the descriptor at path and overlays the keys it contains onto defaults.
// Keys the descriptor omits keep their default values; unknown keys are ignored.
func Read(path string, defaults dataset.Config) (dataset.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return dataset.Config{}, apperr.New(apperr.IOFailure, "read descriptor", path, err)
	}
	return Parse(data, path, defaults)
}

// Parse is Read for descriptor bytes already in memory; path is only used in errors.
func Parse(data []byte, path string, defaults dataset.Config) (dataset.Config, error) {
	var p partial
	if err := yaml.Unmarshal(data, &p); err != nil {
		return dataset.Config{}, apperr.New(apperr.ParseFailure, "parse descriptor", path, err)
	}

	cfg := defaults
	cfg.ClassNames = append([]string(nil), defaults.ClassNames...)

	if p.Path != nil {
		cfg.RootPath = *p.Path
	}
	if p.Train != nil {
		cfg.TrainImages = *p.Train
		cfg.TrainLabels = dataset.LabelSubpath(*p.Train)
	}
	if p.Val != nil {
		cfg.ValImages = *p.Val
		cfg.ValLabels = dataset.LabelSubpath(*p.Val)
	}

	if p.Names.Kind != 0 {
		names, err := decodeNames(&p.Names)
		if err != nil {
			return dataset.Config{}, apperr.New(apperr.ParseFailure, "parse descriptor names", path, err)
		}
		cfg.SetClassNames(names)
	}

	if p.NC != nil {
		if *p.NC != len(cfg.ClassNames) {
			return dataset.Config{}, apperr.Newf(apperr.ParseFailure, "parse descriptor", path,
				"nc is %d but %d class names are defined", *p.NC, len(cfg.ClassNames))
		}
		cfg.ClassCount = *p.NC
	}

	return cfg, nil
}

// decodeNames accepts either a sequence of names or an index-to-name mapping.
func decodeNames(n *yaml.Node) ([]string, error) {
	switch n.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := n.Decode(&names); err != nil {
			return nil, err
		}
		return names, nil

	case yaml.MappingNode:
		var byIndex map[int]string
		if err := n.Decode(&byIndex); err != nil {
			return nil, err
		}
		idx := make([]int, 0, len(byIndex))
		for i := range byIndex {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		names := make([]string, len(idx))
		for pos, i := range idx {
			if i != pos {
				return nil, fmt.Errorf("class indices must be contiguous from 0, missing %d", pos)
			}
			names[pos] = byIndex[i]
		}
		return names, nil

	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return nil, nil
		}
	}
	return nil, errors.New("names must be a list or an index mapping")
}

// Exists reports whether a descriptor file is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
