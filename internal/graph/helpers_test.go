package graph

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// table builds an N×6 detections matrix.
func table(rows ...[]float64) *mat.Dense {
	data := make([]float64, 0, len(rows)*DetectionColumns)
	for _, r := range rows {
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), DetectionColumns, data)
}

type stubFrames struct {
	count int
	fail  int

	mu    sync.Mutex
	calls map[int]int
}

func newStubFrames(count int) *stubFrames {
	return &stubFrames{count: count, calls: map[int]int{}}
}

func (s *stubFrames) FrameCount() int { return s.count }

func (s *stubFrames) Frame(_ context.Context, n int) (image.Image, error) {
	s.mu.Lock()
	s.calls[n]++
	s.mu.Unlock()
	if n == s.fail {
		return nil, errors.New("decode failed")
	}
	return image.NewRGBA(image.Rect(0, 0, 320, 240)), nil
}

// stubExtractor fills each crop with the low byte of the box's X coordinate.
type stubExtractor struct{ err error }

func (e stubExtractor) Extract(_ image.Image, box Box, w, h int) ([]uint8, error) {
	if e.err != nil {
		return nil, e.err
	}
	crop := make([]uint8, w*h*3)
	for k := range crop {
		crop[k] = uint8(box.X)
	}
	return crop, nil
}

type identityNormalizer struct{}

func (identityNormalizer) Normalize(crop []uint8, dst []float32) {
	for k, v := range crop {
		dst[k] = float32(v)
	}
}

type xSpatial struct{}

func (xSpatial) Affinity(a, b Box) float64 { return (a.X + b.X) / 1000 }

type stubMotion struct {
	err    error
	failAt int // destination frame that fails; 0 disables

	mu    sync.Mutex
	calls int
}

func (m *stubMotion) Cost(_ context.Context, _ string, fa int, _ Box, fb int, _ Box) (float64, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil || (m.failAt > 0 && fb == m.failAt) {
		return 0, errors.New("no matches")
	}
	return float64(fb-fa) * 0.5, nil
}

func (m *stubMotion) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// pixelAppearance scores a pair from the first pixel of both crops, which
// lets tests check the channel layout of the pair tensor.
type pixelAppearance struct {
	err   error
	short bool

	mu    sync.Mutex
	calls int
}

func (a *pixelAppearance) Similarity(_ context.Context, t PairTensor) ([]float64, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	out := make([]float64, t.N)
	for k := range out {
		p := t.Pair(k)
		out[k] = float64(p[0])/100 + float64(p[3])/10000
	}
	if a.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (a *pixelAppearance) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func testWeights(t testing.TB, offsets int) *DenseWeights {
	t.Helper()
	rows := make([][]float64, offsets)
	for d := range rows {
		rows[d] = make([]float64, FeatureDim)
		for c := range rows[d] {
			rows[d][c] = float64(d+1) * 0.1 * float64(c+1)
		}
	}
	w, err := NewDenseWeights(rows)
	if err != nil {
		t.Fatalf("weights: %v", err)
	}
	return w
}

// expectedWeight recomputes one edge weight from the stub collaborators.
func expectedWeight(w WeightTable, a, b Detection) float64 {
	s := (a.Box.X + b.Box.X) / 1000
	d := float64(b.Frame-a.Frame) * 0.5
	y := float64(uint8(a.Box.X))/100 + float64(uint8(b.Box.X))/10000
	c := min(a.Score, b.Score)
	row := make([]float64, FeatureDim)
	FeatureRow(row, s, d, y, c)
	coef, _ := w.Weights(b.Frame - a.Frame)
	return -floats.Dot(row, coef)
}
