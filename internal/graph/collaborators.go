package graph

import (
	"context"
	"image"
)

// FrameSource yields the decoded frames of one video. Frames are 1-based.
type FrameSource interface {
	FrameCount() int
	Frame(ctx context.Context, n int) (image.Image, error)
}

// CropExtractor cuts a fixed-size w×h RGB crop (HWC, len w*h*3) out of a frame.
type CropExtractor interface {
	Extract(frame image.Image, box Box, w, h int) ([]uint8, error)
}

// CropNormalizer converts a crop into the appearance model's numeric
// representation. dst has the same length as crop.
type CropNormalizer interface {
	Normalize(crop []uint8, dst []float32)
}

// PairTensor is a batch of channel-concatenated crop pairs in NHWC layout:
// channels [0,3) hold crop i and [3,6) crop j.
type PairTensor struct {
	N, H, W, C int
	Data       []float32
}

// Pair returns the slice holding pair k.
func (t PairTensor) Pair(k int) []float32 {
	size := t.H * t.W * t.C
	return t.Data[k*size : (k+1)*size]
}

// AppearanceComparator scores a batch of crop pairs, one value per pair.
type AppearanceComparator interface {
	Similarity(ctx context.Context, pairs PairTensor) ([]float64, error)
}

// MotionOracle returns a correspondence cost between box a in frame fa and
// box b in frame fb of the given video.
type MotionOracle interface {
	Cost(ctx context.Context, videoID string, fa int, a Box, fb int, b Box) (float64, error)
}

// SpatialCalculator returns a geometric compatibility score for two boxes.
type SpatialCalculator interface {
	Affinity(a, b Box) float64
}

// FrameMembership is what pair enumeration needs from an index.
type FrameMembership interface {
	LastFrame() int
	IDsInFrame(frame int) []int
}
