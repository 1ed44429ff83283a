// Package modelpath locates trained model artifacts among the places a
// training run may have left them.
package modelpath

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// WeightsFile is the artifact name a training run writes for its best epoch.
const WeightsFile = "best.pt"

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Resolve returns the first candidate that exists on disk. When none exist it
// returns candidates[defaultIndex], or candidates[0] if the index is out of range.
// The filesystem is consulted on every call.
func Resolve(candidates []string, defaultIndex int) string {
	if len(candidates) == 0 {
		return ""
	}
	for _, c := range candidates {
		if Exists(c) {
			return c
		}
	}
	if defaultIndex < 0 || defaultIndex >= len(candidates) {
		defaultIndex = 0
	}
	return candidates[defaultIndex]
}

// Candidates lists where a run named outputName may have written its weights,
// in priority order: numbered re-runs newest first ("name3", "name2"), the
// first run directory itself, the legacy train layout, then the promoted copy
// in modelsDir. The engine names a repeat run with the next free suffix, so
// the highest suffix holds the most recent weights.
func Candidates(projectDir, outputName, modelsDir string) []string {
	detect := filepath.Join(projectDir, "runs", "detect")

	var out []string
	for _, n := range rerunSuffixes(detect, outputName) {
		out = append(out, weightsIn(detect, outputName+strconv.Itoa(n)))
	}
	out = append(out, Primary(projectDir, outputName))
	out = append(out, weightsIn(filepath.Join(projectDir, "runs", "train"), outputName))
	if modelsDir != "" {
		out = append(out, filepath.Join(modelsDir, WeightsFile))
	}
	return out
}

// Primary is where the first run named outputName writes its weights.
func Primary(projectDir, outputName string) string {
	return weightsIn(filepath.Join(projectDir, "runs", "detect"), outputName)
}

func weightsIn(runsDir, name string) string {
	return filepath.Join(runsDir, name, "weights", WeightsFile)
}

// rerunSuffixes returns the numeric suffixes of sibling run directories
// ("name2", "name3", ...) in descending order.
func rerunSuffixes(runsDir, name string) []int {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return nil
	}
	re := regexp.MustCompile("^" + regexp.QuoteMeta(name) + `(\d+)$`)

	var nums []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := re.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil {
			nums = append(nums, n)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(nums)))
	return nums
}

// Promote copies a trained weights file into modelsDir as best.pt and returns
// the destination path.
func Promote(src, modelsDir string) (string, error) {
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		return "", fmt.Errorf("create models dir: %w", err)
	}
	dst := filepath.Join(modelsDir, WeightsFile)

	srcAbs, _ := filepath.Abs(src)
	dstAbs, _ := filepath.Abs(dst)
	if srcAbs == dstAbs {
		return dst, nil
	}

	if err := CopyFile(src, dst); err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"from": src, "to": dst}).Info("promoted model weights")
	return dst, nil
}

// CopyFile copies src to dst, creating or truncating dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
