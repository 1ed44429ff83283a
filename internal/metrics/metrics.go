// Package metrics scores predicted boxes against ground-truth labels using
// the usual object-detection measures.
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ayusman/vibrio/internal/dataset"
)

// Box is an axis-aligned box in pixel coordinates. Confidence is ignored for ground truth.
type Box struct {
	ClassID    int
	Confidence float64
	X1, Y1     float64
	X2, Y2     float64
}

func (b Box) area() float64 {
	return math.Max(0, b.X2-b.X1) * math.Max(0, b.Y2-b.Y1)
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b Box) float64 {
	iw := math.Min(a.X2, b.X2) - math.Max(a.X1, b.X1)
	ih := math.Min(a.Y2, b.Y2) - math.Max(a.Y1, b.Y1)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.area() + b.area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// FromLabel converts a normalized label record to a pixel box for an image of w×h.
func FromLabel(r dataset.LabelRecord, w, h int) Box {
	fw, fh := float64(w), float64(h)
	return Box{
		ClassID:    r.ClassID,
		Confidence: 1,
		X1:         (r.XCenter - r.Width/2) * fw,
		Y1:         (r.YCenter - r.Height/2) * fh,
		X2:         (r.XCenter + r.Width/2) * fw,
		Y2:         (r.YCenter + r.Height/2) * fh,
	}
}

// Image pairs the predictions made on one image with its ground truth.
type Image struct {
	Predictions []Box
	Truths      []Box
}

// IoUThresholds are the ten COCO thresholds 0.50:0.05:0.95.
var IoUThresholds = floats.Span(make([]float64, 10), 0.5, 0.95)

// ClassResult holds the per-class scores.
type ClassResult struct {
	ClassID   int
	Truths    int
	AP50      float64
	AP50_95   float64
	Precision float64
	Recall    float64
	// PR curve at IoU 0.5, ordered by descending confidence.
	CurvePrecision []float64
	CurveRecall    []float64
}

// Result is the dataset-level summary. Values are NaN when no class had ground truth.
type Result struct {
	Map50     float64
	Map50_95  float64
	Precision float64
	Recall    float64
	Classes   []ClassResult
}

// Evaluate scores predictions across images. Precision and recall are measured
// at IoU 0.5 counting only predictions with confidence >= confThreshold.
// Classes without ground truth are left out of the means.
func Evaluate(images []Image, classCount int, confThreshold float64) Result {
	res := Result{Map50: math.NaN(), Map50_95: math.NaN(), Precision: math.NaN(), Recall: math.NaN()}

	var ap50, ap, prec, rec []float64
	for c := 0; c < classCount; c++ {
		cr := evaluateClass(images, c, confThreshold)
		if cr.Truths == 0 {
			continue
		}
		res.Classes = append(res.Classes, cr)
		ap50 = append(ap50, cr.AP50)
		ap = append(ap, cr.AP50_95)
		prec = append(prec, cr.Precision)
		rec = append(rec, cr.Recall)
	}

	if len(res.Classes) == 0 {
		return res
	}
	res.Map50 = stat.Mean(ap50, nil)
	res.Map50_95 = stat.Mean(ap, nil)
	res.Precision = stat.Mean(prec, nil)
	res.Recall = stat.Mean(rec, nil)
	return res
}

type scored struct {
	image int
	box   Box
}

func evaluateClass(images []Image, class int, confThreshold float64) ClassResult {
	cr := ClassResult{ClassID: class}

	var preds []scored
	truths := make([][]Box, len(images))
	for i, img := range images {
		for _, p := range img.Predictions {
			if p.ClassID == class {
				preds = append(preds, scored{image: i, box: p})
			}
		}
		for _, t := range img.Truths {
			if t.ClassID == class {
				truths[i] = append(truths[i], t)
				cr.Truths++
			}
		}
	}
	if cr.Truths == 0 {
		return cr
	}
	sort.SliceStable(preds, func(a, b int) bool { return preds[a].box.Confidence > preds[b].box.Confidence })

	aps := make([]float64, len(IoUThresholds))
	for ti, thr := range IoUThresholds {
		tp := match(preds, truths, thr)
		precision, recall := curve(tp, cr.Truths)
		aps[ti] = averagePrecision(precision, recall)

		if ti == 0 {
			cr.AP50 = aps[ti]
			cr.CurvePrecision = precision
			cr.CurveRecall = recall

			var hits, kept float64
			for i, p := range preds {
				if p.box.Confidence >= confThreshold {
					kept++
					hits += tp[i]
				}
			}
			if kept > 0 {
				cr.Precision = hits / kept
			}
			cr.Recall = hits / float64(cr.Truths)
		}
	}
	cr.AP50_95 = stat.Mean(aps, nil)
	return cr
}

// match greedily assigns each prediction, in confidence order, to the unmatched
// truth it overlaps most. It returns 1 for true positives and 0 otherwise.
func match(preds []scored, truths [][]Box, thr float64) []float64 {
	used := make([][]bool, len(truths))
	for i := range truths {
		used[i] = make([]bool, len(truths[i]))
	}

	tp := make([]float64, len(preds))
	for i, p := range preds {
		best, bestIoU := -1, thr
		for j, t := range truths[p.image] {
			if used[p.image][j] {
				continue
			}
			if iou := IoU(p.box, t); iou >= bestIoU {
				best, bestIoU = j, iou
			}
		}
		if best >= 0 {
			used[p.image][best] = true
			tp[i] = 1
		}
	}
	return tp
}

func curve(tp []float64, nTruth int) (precision, recall []float64) {
	ctp := floats.CumSum(make([]float64, len(tp)), tp)
	precision = make([]float64, len(tp))
	recall = make([]float64, len(tp))
	for i := range tp {
		precision[i] = ctp[i] / float64(i+1)
		recall[i] = ctp[i] / float64(nTruth)
	}
	return precision, recall
}

// averagePrecision integrates the monotone precision envelope over recall.
func averagePrecision(precision, recall []float64) float64 {
	mrec := append(append([]float64{0}, recall...), 1)
	mpre := append(append([]float64{1}, precision...), 0)

	for i := len(mpre) - 2; i >= 0; i-- {
		mpre[i] = math.Max(mpre[i], mpre[i+1])
	}

	var ap float64
	for i := 1; i < len(mrec); i++ {
		if mrec[i] != mrec[i-1] {
			ap += (mrec[i] - mrec[i-1]) * mpre[i]
		}
	}
	return ap
}
