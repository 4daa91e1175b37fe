package graph

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewDetectionIndex(t *testing.T) {
	frames := newStubFrames(5)
	dt := table(
		[]float64{1, 10, 0, 20, 40, 0.9},
		[]float64{4, 30, 5, 20, 40, 0.8},
		[]float64{1, 50, 5, 20, 40, 0.7},
	)

	idx, err := NewDetectionIndex(context.Background(), dt, frames, stubExtractor{}, IndexOptions{CropW: 8, CropH: 4})
	require.NoError(t, err)

	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, 5, idx.LastFrame())
	assert.Equal(t, []int{0, 2}, idx.IDsInFrame(1))
	assert.Equal(t, []int{1}, idx.IDsInFrame(4))
	assert.Empty(t, idx.IDsInFrame(2))
	assert.Nil(t, idx.IDsInFrame(0))
	assert.Nil(t, idx.IDsInFrame(6))

	assert.Equal(t, Box{X: 30, Y: 5, W: 20, H: 40}, idx.Box(1))
	assert.Equal(t, 0.7, idx.Score(2))
	assert.Equal(t, 4, idx.Frame(1))

	w, h := idx.CropSize()
	assert.Equal(t, 8, w)
	assert.Equal(t, 4, h)
	require.Len(t, idx.Crop(2), 8*4*3)
	assert.Equal(t, uint8(50), idx.Crop(2)[0])
	assert.Equal(t, uint8(10), idx.Crop(0)[8*4*3-1])

	// Only frames holding detections are decoded, each once.
	assert.Equal(t, map[int]int{1: 1, 4: 1}, frames.calls)
}

func TestNewDetectionIndexDefaultCropSize(t *testing.T) {
	idx, err := NewDetectionIndex(context.Background(), table([]float64{1, 0, 0, 1, 1, 1}),
		newStubFrames(1), stubExtractor{}, IndexOptions{})
	require.NoError(t, err)

	w, h := idx.CropSize()
	assert.Equal(t, DefaultCropW, w)
	assert.Equal(t, DefaultCropH, h)
}

func TestNewDetectionIndexValidatesBeforeDecoding(t *testing.T) {
	tests := []struct {
		name string
		dt   mat.Matrix
	}{
		{"frame zero", table([]float64{0, 0, 0, 1, 1, 1})},
		{"frame past end", table([]float64{4, 0, 0, 1, 1, 1})},
		{"fractional frame", table([]float64{1.5, 0, 0, 1, 1, 1})},
		{"negative width", table([]float64{1, 0, 0, -1, 1, 1})},
		{"negative height", table([]float64{1, 0, 0, 1, -2, 1})},
		{"nan score", table([]float64{1, 0, 0, 1, 1, math.NaN()})},
		{"infinite x", table([]float64{1, math.Inf(1), 0, 1, 1, 1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := newStubFrames(3)
			dt := mat.DenseCopyOf(tt.dt)
			// A valid row first: nothing may be decoded before all rows pass.
			valid := table([]float64{1, 0, 0, 1, 1, 1})
			stacked := mat.NewDense(2, DetectionColumns, nil)
			stacked.Stack(valid, dt)

			_, err := NewDetectionIndex(context.Background(), stacked, frames, stubExtractor{}, IndexOptions{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDetection), "got %v", err)
			assert.Empty(t, frames.calls)
		})
	}
}

func TestNewDetectionIndexInvalidShape(t *testing.T) {
	frames := newStubFrames(3)
	_, err := NewDetectionIndex(context.Background(), mat.NewDense(2, 5, nil), frames, stubExtractor{}, IndexOptions{})

	var shape *InvalidShapeError
	require.True(t, errors.As(err, &shape), "got %v", err)
	assert.Equal(t, 2, shape.Rows)
	assert.Equal(t, 5, shape.Cols)
	assert.Equal(t, DetectionColumns, shape.WantCols)
	assert.Empty(t, frames.calls)
}

func TestNewDetectionIndexCollaboratorFailures(t *testing.T) {
	dt := table([]float64{1, 0, 0, 1, 1, 1}, []float64{2, 0, 0, 1, 1, 1})

	frames := newStubFrames(2)
	frames.fail = 2
	_, err := NewDetectionIndex(context.Background(), dt, frames, stubExtractor{}, IndexOptions{})
	var ce *CollaboratorError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, CollaboratorFrames, ce.Collaborator)
	assert.Equal(t, 1, ce.Src)

	_, err = NewDetectionIndex(context.Background(), dt, newStubFrames(2), stubExtractor{err: errors.New("boom")}, IndexOptions{})
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, CollaboratorCrop, ce.Collaborator)
	assert.Equal(t, 0, ce.Src)
}

func TestGather(t *testing.T) {
	idx, err := NewDetectionIndex(context.Background(), table(
		[]float64{1, 10, 0, 1, 1, 0.5},
		[]float64{2, 20, 0, 1, 1, 0.6},
	), newStubFrames(2), stubExtractor{}, IndexOptions{CropW: 2, CropH: 2})
	require.NoError(t, err)

	g, err := idx.Gather([]int{1, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []int{2, 1, 2}, g.Frames)
	assert.Equal(t, []float64{0.6, 0.5, 0.6}, g.Scores)
	assert.Equal(t, uint8(20), g.Crops[0][0])

	sel := g.Select([]int{2})
	assert.Equal(t, []int{2}, sel.Frames)
	assert.Equal(t, []Box{{X: 20, W: 1, H: 1}}, sel.Boxes)

	_, err = idx.Gather([]int{0, 2})
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))
	_, err = idx.Gather([]int{-1})
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))
}

func TestGroupDetections(t *testing.T) {
	g, err := GroupDetections([]Detection{{Frame: 2}, {Frame: 1}, {Frame: 2}}, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []int{1}, g.IDsInFrame(1))
	assert.Equal(t, []int{0, 2}, g.IDsInFrame(2))

	_, err = GroupDetections([]Detection{{Frame: 3}}, 2)
	assert.True(t, errors.Is(err, ErrInvalidDetection))
}
