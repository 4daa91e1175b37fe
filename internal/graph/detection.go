package graph

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DetectionColumns is the column count of a detections table:
// frame, x, y, w, h, score.
const DetectionColumns = 6

// Default crop size used by the appearance model.
const (
	DefaultCropW = 64
	DefaultCropH = 64
)

// Box is an axis-aligned bounding box in pixel coordinates.
type Box struct {
	X, Y, W, H float64
}

// Detection is one object observation.
type Detection struct {
	Frame int // 1-based
	Box   Box
	Score float64
}

// Grouping maps frame numbers to the detection indices observed in them.
// It is the part of a DetectionIndex that pair enumeration needs and can be
// built without any imagery.
type Grouping struct {
	lastFrame int
	frames    []int   // frame of detection i
	inFrame   [][]int // inFrame[f] for f in [0, lastFrame]; index 0 unused
}

// NewGrouping groups detections by frame in a single pass, preserving
// insertion order within each frame.
func NewGrouping(frames []int, lastFrame int) (*Grouping, error) {
	if lastFrame < 0 {
		return nil, fmt.Errorf("%w: negative frame count %d", ErrInvalidDetection, lastFrame)
	}
	g := &Grouping{
		lastFrame: lastFrame,
		frames:    frames,
		inFrame:   make([][]int, lastFrame+1),
	}
	for i, f := range frames {
		if f < 1 || f > lastFrame {
			return nil, fmt.Errorf("%w: detection %d has frame %d outside [1, %d]", ErrInvalidDetection, i, f, lastFrame)
		}
		g.inFrame[f] = append(g.inFrame[f], i)
	}
	return g, nil
}

// LastFrame returns the video's frame count.
func (g *Grouping) LastFrame() int { return g.lastFrame }

// IDsInFrame returns the detection indices in frame f, or nil.
// The returned slice must not be modified.
func (g *Grouping) IDsInFrame(f int) []int {
	if f < 1 || f > g.lastFrame {
		return nil
	}
	return g.inFrame[f]
}

// Len returns the number of grouped detections.
func (g *Grouping) Len() int { return len(g.frames) }

// GroupDetections groups parsed detections by frame.
func GroupDetections(dets []Detection, lastFrame int) (*Grouping, error) {
	frames := make([]int, len(dets))
	for i, d := range dets {
		frames[i] = d.Frame
	}
	return NewGrouping(frames, lastFrame)
}

// ParseDetections validates an N×6 table and converts it into detections.
func ParseDetections(dt mat.Matrix, frameCount int) ([]Detection, error) {
	n, m := dt.Dims()
	if m != DetectionColumns {
		return nil, &InvalidShapeError{Rows: n, Cols: m, WantCols: DetectionColumns}
	}

	dets := make([]Detection, n)
	for i := 0; i < n; i++ {
		row := [DetectionColumns]float64{}
		for c := range row {
			v := dt.At(i, c)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: row %d column %d is not finite", ErrInvalidDetection, i, c)
			}
			row[c] = v
		}

		frame := row[0]
		if frame != math.Trunc(frame) {
			return nil, fmt.Errorf("%w: row %d has non-integral frame %v", ErrInvalidDetection, i, frame)
		}
		if frame < 1 || int(frame) > frameCount {
			return nil, fmt.Errorf("%w: row %d has frame %d outside [1, %d]", ErrInvalidDetection, i, int(frame), frameCount)
		}
		if row[3] < 0 || row[4] < 0 {
			return nil, fmt.Errorf("%w: row %d has negative box size (%v, %v)", ErrInvalidDetection, i, row[3], row[4])
		}

		dets[i] = Detection{
			Frame: int(frame),
			Box:   Box{X: row[1], Y: row[2], W: row[3], H: row[4]},
			Score: row[5],
		}
	}
	return dets, nil
}

// DetectionIndex holds every detection of a video together with its crop.
// It is immutable after construction and safe for concurrent readers.
type DetectionIndex struct {
	*Grouping

	dets  []Detection
	crops []uint8 // n * cropH * cropW * 3
	cropW int
	cropH int
}

// IndexOptions configures DetectionIndex construction.
type IndexOptions struct {
	CropW, CropH int
}

func (o IndexOptions) withDefaults() IndexOptions {
	if o.CropW <= 0 {
		o.CropW = DefaultCropW
	}
	if o.CropH <= 0 {
		o.CropH = DefaultCropH
	}
	return o
}

// NewDetectionIndex validates dt (N×6: frame, x, y, w, h, score), groups the
// detections by frame and extracts one crop per detection. All validation
// happens before the first frame is decoded. Every frame containing
// detections is fetched from frames exactly once.
func NewDetectionIndex(ctx context.Context, dt mat.Matrix, frames FrameSource, extractor CropExtractor, opts IndexOptions) (*DetectionIndex, error) {
	opts = opts.withDefaults()

	dets, err := ParseDetections(dt, frames.FrameCount())
	if err != nil {
		return nil, err
	}

	frameOf := make([]int, len(dets))
	for i, d := range dets {
		frameOf[i] = d.Frame
	}
	grouping, err := NewGrouping(frameOf, frames.FrameCount())
	if err != nil {
		return nil, err
	}

	idx := &DetectionIndex{
		Grouping: grouping,
		dets:     dets,
		crops:    make([]uint8, len(dets)*opts.CropW*opts.CropH*3),
		cropW:    opts.CropW,
		cropH:    opts.CropH,
	}

	for f := 1; f <= grouping.LastFrame(); f++ {
		ids := grouping.IDsInFrame(f)
		if len(ids) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, err := frames.Frame(ctx, f)
		if err != nil {
			return nil, &CollaboratorError{Collaborator: CollaboratorFrames, Src: ids[0], Dst: -1, Err: fmt.Errorf("load frame %d: %w", f, err)}
		}
		for _, i := range ids {
			crop, err := extractor.Extract(img, dets[i].Box, opts.CropW, opts.CropH)
			if err != nil {
				return nil, &CollaboratorError{Collaborator: CollaboratorCrop, Src: i, Dst: -1, Err: err}
			}
			if len(crop) != idx.cropSize() {
				return nil, &ShapeMismatchError{Signal: "crop", Got: len(crop), Want: idx.cropSize()}
			}
			copy(idx.Crop(i), crop)
		}
	}

	return idx, nil
}

func (x *DetectionIndex) cropSize() int {
	return x.cropW * x.cropH * 3
}

// Len returns the number of detections.
func (x *DetectionIndex) Len() int { return len(x.dets) }

// CropSize returns the crop width and height.
func (x *DetectionIndex) CropSize() (int, int) { return x.cropW, x.cropH }

// Detection returns detection i.
func (x *DetectionIndex) Detection(i int) Detection { return x.dets[i] }

// Box returns the bounding box of detection i.
func (x *DetectionIndex) Box(i int) Box { return x.dets[i].Box }

// Score returns the detector confidence of detection i.
func (x *DetectionIndex) Score(i int) float64 { return x.dets[i].Score }

// Frame returns the 1-based frame number of detection i.
func (x *DetectionIndex) Frame(i int) int { return x.dets[i].Frame }

// Crop returns the HWC RGB crop of detection i. It aliases the index's
// storage and must not be modified by callers.
func (x *DetectionIndex) Crop(i int) []uint8 {
	size := x.cropSize()
	return x.crops[i*size : (i+1)*size]
}

// Gathered holds attributes for a batch of detection indices as parallel
// slices. Crops alias the index's storage.
type Gathered struct {
	Boxes  []Box
	Crops  [][]uint8
	Scores []float64
	Frames []int
}

// Len returns the number of gathered rows.
func (g Gathered) Len() int { return len(g.Frames) }

// Gather looks up ids in O(len(ids)).
func (x *DetectionIndex) Gather(ids []int) (Gathered, error) {
	g := Gathered{
		Boxes:  make([]Box, len(ids)),
		Crops:  make([][]uint8, len(ids)),
		Scores: make([]float64, len(ids)),
		Frames: make([]int, len(ids)),
	}
	for k, i := range ids {
		if i < 0 || i >= len(x.dets) {
			return Gathered{}, fmt.Errorf("%w: %d (have %d)", ErrIndexOutOfRange, i, len(x.dets))
		}
		d := x.dets[i]
		g.Boxes[k] = d.Box
		g.Crops[k] = x.Crop(i)
		g.Scores[k] = d.Score
		g.Frames[k] = d.Frame
	}
	return g, nil
}

// Select returns the rows of g at positions keep, applied to every column.
func (g Gathered) Select(keep []int) Gathered {
	out := Gathered{
		Boxes:  make([]Box, len(keep)),
		Crops:  make([][]uint8, len(keep)),
		Scores: make([]float64, len(keep)),
		Frames: make([]int, len(keep)),
	}
	for k, r := range keep {
		out.Boxes[k] = g.Boxes[r]
		out.Crops[k] = g.Crops[r]
		out.Scores[k] = g.Scores[r]
		out.Frames[k] = g.Frames[r]
	}
	return out
}
