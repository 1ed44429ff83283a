package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/ayusman/vibrio/internal/dataset"
	"github.com/ayusman/vibrio/internal/descriptor"
	"github.com/ayusman/vibrio/internal/metrics"
	"github.com/ayusman/vibrio/internal/modelpath"
)

// evalConfidence is the floor used when collecting predictions for scoring.
const evalConfidence = 0.001

// OpenCVEngine runs ONNX exports of YOLOv8 models through the OpenCV DNN module.
// It cannot train.
type OpenCVEngine struct {
	opts Options
}

// NewOpenCVEngine creates the backend with defaults for unset options.
func NewOpenCVEngine(opts Options) *OpenCVEngine {
	if opts.InputSize <= 0 {
		opts.InputSize = 640
	}
	if opts.IoUThreshold <= 0 {
		opts.IoUThreshold = 0.45
	}
	return &OpenCVEngine{opts: opts}
}

func (e *OpenCVEngine) Name() string { return BackendOpenCV }

// ONNXPath maps a weights path to its ONNX export: an .onnx path is used as is,
// any other extension is swapped for .onnx.
func ONNXPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		return path
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".onnx"
}

// Load reads the ONNX export belonging to path.
func (e *OpenCVEngine) Load(ctx context.Context, path string) (Model, error) {
	onnx := ONNXPath(path)
	if !modelpath.Exists(onnx) {
		return nil, fmt.Errorf("no ONNX export at %s; export the model with format=onnx", onnx)
	}

	net := gocv.ReadNetFromONNX(onnx)
	if net.Empty() {
		return nil, fmt.Errorf("failed to read ONNX model %s", onnx)
	}

	log.WithFields(log.Fields{"weights": onnx, "input": e.opts.InputSize}).Info("model loaded")
	return &opencvModel{net: net, path: path, opts: e.opts}, nil
}

type opencvModel struct {
	mu   sync.Mutex
	net  gocv.Net
	path string
	opts Options
}

func (m *opencvModel) Path() string { return m.path }

func (m *opencvModel) Train(ctx context.Context, descriptorPath string, params TrainingParameters) (*TrainingSummary, error) {
	return nil, fmt.Errorf("train with %s backend: %w", BackendOpenCV, ErrUnsupported)
}

func (m *opencvModel) Predict(ctx context.Context, imagePath string, confidence float64) (*Detections, error) {
	boxes, _, err := m.detect(imagePath, confidence)
	if err != nil {
		return nil, err
	}
	return &Detections{ImagePath: imagePath, Boxes: boxes}, nil
}

// detect returns the boxes found in the image along with its size.
func (m *opencvModel) detect(imagePath string, confidence float64) ([]Detection, image.Point, error) {
	img := gocv.IMRead(imagePath, gocv.IMReadColor)
	if img.Empty() {
		return nil, image.Point{}, fmt.Errorf("failed to read image %s", imagePath)
	}
	defer img.Close()
	size := image.Pt(img.Cols(), img.Rows())

	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(m.opts.InputSize, m.opts.InputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	m.mu.Lock()
	m.net.SetInput(blob, "")
	out := m.net.Forward("")
	m.mu.Unlock()
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 {
		return nil, size, fmt.Errorf("unexpected output shape %v", dims)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, size, fmt.Errorf("read network output: %w", err)
	}

	sx := float64(size.X) / float64(m.opts.InputSize)
	sy := float64(size.Y) / float64(m.opts.InputSize)
	cands := DecodeYOLOv8(data, dims[1], dims[2], sx, sy, confidence)

	keep := nms(cands, m.opts.IoUThreshold, confidence)
	boxes := make([]Detection, 0, len(keep))
	for _, i := range keep {
		d := cands[i]
		if d.ClassID < len(m.opts.ClassNames) {
			d.ClassName = m.opts.ClassNames[d.ClassID]
		} else {
			d.ClassName = strconv.Itoa(d.ClassID)
		}
		boxes = append(boxes, d)
	}
	return boxes, size, nil
}

// DecodeYOLOv8 turns a raw [attrs × anchors] output (cx, cy, w, h, then one
// score per class) into candidate boxes scaled back to the source image.
func DecodeYOLOv8(data []float32, attrs, anchors int, sx, sy, confidence float64) []Detection {
	if attrs < 5 || len(data) < attrs*anchors {
		return nil
	}
	at := func(a, i int) float64 { return float64(data[a*anchors+i]) }

	var out []Detection
	for i := 0; i < anchors; i++ {
		best, score := -1, 0.0
		for c := 4; c < attrs; c++ {
			if s := at(c, i); s > score {
				best, score = c-4, s
			}
		}
		if best < 0 || score < confidence {
			continue
		}
		cx, cy, w, h := at(0, i), at(1, i), at(2, i), at(3, i)
		out = append(out, Detection{
			ClassID:    best,
			Confidence: score,
			X1:         (cx - w/2) * sx,
			Y1:         (cy - h/2) * sy,
			X2:         (cx + w/2) * sx,
			Y2:         (cy + h/2) * sy,
		})
	}
	return out
}

// nms runs class-aware suppression by offsetting each class into its own region.
func nms(cands []Detection, iou, confidence float64) []int {
	if len(cands) == 0 {
		return nil
	}
	const classOffset = 8192
	rects := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, d := range cands {
		off := d.ClassID * classOffset
		rects[i] = image.Rect(int(d.X1)+off, int(d.Y1)+off, int(d.X2)+off, int(d.Y2)+off)
		scores[i] = float32(d.Confidence)
	}
	return gocv.NMSBoxes(rects, scores, float32(confidence), float32(iou))
}

// Evaluate predicts every validation image named by the descriptor and scores
// the boxes against the label files.
func (m *opencvModel) Evaluate(ctx context.Context, descriptorPath string) (*Metrics, error) {
	cfg, err := descriptor.Read(descriptorPath, dataset.Config{})
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(cfg.RootPath) {
		cfg.RootPath = filepath.Join(filepath.Dir(descriptorPath), cfg.RootPath)
	}

	images, err := dataset.NewMaterializer(cfg).Images(dataset.Val)
	if err != nil {
		return nil, err
	}

	samples := make([]metrics.Image, 0, len(images))
	for _, path := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dets, size, err := m.detect(path, evalConfidence)
		if err != nil {
			return nil, err
		}

		var sample metrics.Image
		for _, d := range dets {
			sample.Predictions = append(sample.Predictions, metrics.Box{
				ClassID: d.ClassID, Confidence: d.Confidence, X1: d.X1, Y1: d.Y1, X2: d.X2, Y2: d.Y2,
			})
		}
		labels, err := dataset.ReadLabelFile(cfg.LabelPathFor(dataset.Val, path))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		for _, l := range labels {
			sample.Truths = append(sample.Truths, metrics.FromLabel(l, size.X, size.Y))
		}
		samples = append(samples, sample)
	}

	res := metrics.Evaluate(samples, cfg.ClassCount, m.opts.scoreConfidence())
	log.WithFields(log.Fields{"images": len(samples), "map50": res.Map50}).Info("evaluation finished")

	return &Metrics{Map50: res.Map50, Map50_95: res.Map50_95, MeanPrecision: res.Precision, MeanRecall: res.Recall}, nil
}

func (m *opencvModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.net.Close()
}
