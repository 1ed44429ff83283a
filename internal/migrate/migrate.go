// Package migrate moves artifacts from the flat legacy project layout into
// the configured one.
package migrate

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/ayusman/vibrio/internal/apperr"
	"github.com/ayusman/vibrio/internal/config"
	"github.com/ayusman/vibrio/internal/modelpath"
)

// Action describes one copy performed by Run.
type Action struct {
	What string `json:"what"`
	From string `json:"from"`
	To   string `json:"to"`
}

func (a Action) String() string {
	return fmt.Sprintf("copied %s from %s to %s", a.What, a.From, a.To)
}

// Run copies the legacy artifacts found under legacyRoot into the layout
// described by cfg:
//
//	runs/detect/<name>N/weights/best.pt -> <models>/best.pt
//	dataset/                            -> <dataset dir>, only when absent
//	dataset.yaml                        -> <dataset descriptor>
//
// Missing legacy artifacts are skipped. The actions taken are returned in order.
func Run(cfg config.Config, legacyRoot string) ([]Action, error) {
	var actions []Action

	weights := modelpath.Resolve(modelpath.Candidates(legacyRoot, cfg.OutputModelName, ""), 0)
	if modelpath.Exists(weights) {
		dst := filepath.Join(cfg.ModelsDir, modelpath.WeightsFile)
		if !samePath(weights, dst) {
			if _, err := modelpath.Promote(weights, cfg.ModelsDir); err != nil {
				return actions, apperr.New(apperr.IOFailure, "migrate model", weights, err)
			}
			actions = append(actions, Action{What: "model", From: weights, To: dst})
		}
	}

	oldDataset := filepath.Join(legacyRoot, "dataset")
	if isDir(oldDataset) && !samePath(oldDataset, cfg.DatasetDir) && !exists(cfg.DatasetDir) {
		if err := copyTree(oldDataset, cfg.DatasetDir); err != nil {
			return actions, apperr.New(apperr.IOFailure, "migrate dataset", oldDataset, err)
		}
		actions = append(actions, Action{What: "dataset", From: oldDataset, To: cfg.DatasetDir})
	}

	oldDescriptor := filepath.Join(legacyRoot, "dataset.yaml")
	newDescriptor := cfg.DatasetYAML
	if modelpath.Exists(oldDescriptor) && !samePath(oldDescriptor, newDescriptor) {
		if err := os.MkdirAll(filepath.Dir(newDescriptor), 0755); err != nil {
			return actions, apperr.New(apperr.IOFailure, "migrate descriptor", filepath.Dir(newDescriptor), err)
		}
		if err := modelpath.CopyFile(oldDescriptor, newDescriptor); err != nil {
			return actions, apperr.New(apperr.IOFailure, "migrate descriptor", oldDescriptor, err)
		}
		actions = append(actions, Action{What: "dataset descriptor", From: oldDescriptor, To: newDescriptor})
	}

	for _, a := range actions {
		log.WithFields(log.Fields{"what": a.What, "from": a.From, "to": a.To}).Info("migrated")
	}
	return actions, nil
}

// copyTree copies the regular files and directories under src to dst.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type().IsRegular():
			return modelpath.CopyFile(path, target)
		default:
			log.WithField("path", path).Debug("skipping non-regular file")
			return nil
		}
	})
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
