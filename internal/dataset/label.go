package dataset

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ayusman/vibrio/internal/apperr"
)

// LabelRecord is one object annotation: a class id plus a box in
// coordinates normalized to the image size.
type LabelRecord struct {
	ClassID int
	XCenter float64
	YCenter float64
	Width   float64
	Height  float64
}

// String renders the record as a whitespace-separated label line.
func (r LabelRecord) String() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return fmt.Sprintf("%d %s %s %s %s", r.ClassID, f(r.XCenter), f(r.YCenter), f(r.Width), f(r.Height))
}

// Validate checks the record against the coordinate and class bounds.
func (r LabelRecord) Validate(classCount int) error {
	if r.ClassID < 0 || r.ClassID >= classCount {
		return fmt.Errorf("class id %d out of range [0,%d)", r.ClassID, classCount)
	}
	for name, v := range map[string]float64{
		"x_center": r.XCenter, "y_center": r.YCenter, "width": r.Width, "height": r.Height,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s %v outside [0,1]", name, v)
		}
	}
	return nil
}

// ParseLabelLine parses a single "<class> <xc> <yc> <w> <h>" line.
func ParseLabelLine(line string) (LabelRecord, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 {
		return LabelRecord{}, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return LabelRecord{}, fmt.Errorf("class id: %w", err)
	}

	var vals [4]float64
	for i := range vals {
		v, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return LabelRecord{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		vals[i] = v
	}

	return LabelRecord{ClassID: id, XCenter: vals[0], YCenter: vals[1], Width: vals[2], Height: vals[3]}, nil
}

// ReadLabelFile parses every non-blank line of a label file.
func ReadLabelFile(path string) ([]LabelRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.New(apperr.IOFailure, "read labels", path, err)
	}
	defer f.Close()

	var records []LabelRecord
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec, err := ParseLabelLine(line)
		if err != nil {
			return nil, apperr.New(apperr.ParseFailure, fmt.Sprintf("read labels line %d", lineNo), path, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, apperr.New(apperr.IOFailure, "read labels", path, err)
	}
	return records, nil
}

// WriteLabelFile overwrites path with one line per record.
func WriteLabelFile(path string, records []LabelRecord) error {
	var b strings.Builder
	for _, r := range records {
		b.WriteString(r.String())
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return apperr.New(apperr.IOFailure, "write labels", path, err)
	}
	return nil
}
