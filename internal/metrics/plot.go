package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// SavePRCurve renders the IoU 0.5 precision-recall curve of every class to file.
// The image format follows the file extension.
func SavePRCurve(res Result, classNames []string, file string) error {
	if len(res.Classes) == 0 {
		return fmt.Errorf("no classes with ground truth to plot")
	}
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Precision-Recall (mAP50 %.3f)", res.Map50)
	p.X.Label.Text = "Recall"
	p.Y.Label.Text = "Precision"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1.05
	p.Add(plotter.NewGrid())

	for i, c := range res.Classes {
		pts := make(plotter.XYs, 0, len(c.CurveRecall)+1)
		pts = append(pts, plotter.XY{X: 0, Y: 1})
		for j := range c.CurveRecall {
			pts = append(pts, plotter.XY{X: c.CurveRecall[j], Y: c.CurvePrecision[j]})
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("failed to build curve for class %d: %w", c.ClassID, err)
		}
		line.Width = vg.Points(1.5)
		line.Color = plotutil.Color(i)

		name := fmt.Sprintf("class %d", c.ClassID)
		if c.ClassID < len(classNames) {
			name = classNames[c.ClassID]
		}
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("%s %.3f", name, c.AP50), line)
	}
	p.Legend.Top = false
	p.Legend.Left = true

	if err := p.Save(6*vg.Inch, 5*vg.Inch, file); err != nil {
		return fmt.Errorf("failed to save plot: %w", err)
	}
	return nil
}
