package vision

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/trackgraph/internal/graph"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestCropperExtract(t *testing.T) {
	frame := solid(100, 80, color.RGBA{R: 200, G: 100, B: 50, A: 255})
	c := NewCropper()

	crop, err := c.Extract(frame, graph.Box{X: 10, Y: 10, W: 30, H: 60}, 8, 4)
	require.NoError(t, err)
	require.Len(t, crop, 8*4*3)
	for p := 0; p < len(crop); p += 3 {
		assert.Equal(t, []uint8{200, 100, 50}, crop[p:p+3])
	}
}

func TestCropperClampsToFrame(t *testing.T) {
	frame := solid(50, 50, color.RGBA{R: 9, G: 8, B: 7, A: 255})
	c := NewCropper()

	crop, err := c.Extract(frame, graph.Box{X: -20, Y: 40, W: 40, H: 40}, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint8{9, 8, 7}, crop[:3])

	outside, err := c.Extract(frame, graph.Box{X: 100, Y: 100, W: 10, H: 10}, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, make([]uint8, 4*4*3), outside)

	_, err = c.Extract(frame, graph.Box{W: 1, H: 1}, 0, 4)
	assert.Error(t, err)
}

func TestClampBox(t *testing.T) {
	r := clampBox(image.Rect(0, 0, 100, 100), graph.Box{X: 10.4, Y: -5, W: 10.2, H: 20})
	assert.Equal(t, image.Rect(10, 0, 21, 15), r)
}

func TestVGGNormalizer(t *testing.T) {
	dst := make([]float32, 6)
	VGGNormalizer{}.Normalize([]uint8{255, 128, 0, 0, 0, 0}, dst)

	assert.InDelta(t, 0-103.939, dst[0], 1e-4)
	assert.InDelta(t, 128-116.779, dst[1], 1e-4)
	assert.InDelta(t, 255-123.68, dst[2], 1e-4)
	assert.InDelta(t, -123.68, dst[5], 1e-4)
}

func TestIoUAffinity(t *testing.T) {
	a := graph.Box{X: 0, Y: 0, W: 10, H: 10}
	var s IoUAffinity

	assert.Equal(t, 1.0, s.Affinity(a, a))
	assert.InDelta(t, 50.0/150.0, s.Affinity(a, graph.Box{X: 5, Y: 0, W: 10, H: 10}), 1e-12)
	assert.Equal(t, 0.0, s.Affinity(a, graph.Box{X: 20, Y: 20, W: 5, H: 5}))
	assert.Equal(t, 0.0, s.Affinity(graph.Box{}, graph.Box{}))
}

func writeJPEG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 95}))
}

func TestDirFrames(t *testing.T) {
	dir := t.TempDir()
	for n := 1; n <= 3; n++ {
		writeJPEG(t, filepath.Join(dir, FrameName(n)), solid(16, 12, color.RGBA{R: 255, A: 255}))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	frames, err := OpenDirFrames(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, frames.FrameCount())

	img, err := frames.Frame(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 12), img.Bounds())

	_, err = frames.Frame(context.Background(), 4)
	assert.Error(t, err)
}

func TestOpenDirFramesGap(t *testing.T) {
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, FrameName(1)), solid(4, 4, color.RGBA{A: 255}))
	writeJPEG(t, filepath.Join(dir, FrameName(3)), solid(4, 4, color.RGBA{A: 255}))

	_, err := OpenDirFrames(dir)
	assert.Error(t, err)

	_, err = OpenDirFrames(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestFrameName(t *testing.T) {
	assert.Equal(t, "000042.jpg", FrameName(42))
}

func TestComparatorOptionsDefaults(t *testing.T) {
	o := ComparatorOptions{BatchSize: 16}.withDefaults()
	assert.Equal(t, "input", o.InputName)
	assert.Equal(t, "output", o.OutputName)
	assert.Equal(t, 1, o.OutputWidth)
	assert.Equal(t, 16, o.BatchSize)
	assert.Equal(t, graph.DefaultCropW, o.CropW)
	assert.Equal(t, graph.DefaultCropH, o.CropH)
}
