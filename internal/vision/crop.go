package vision

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/your-org/trackgraph/internal/graph"
)

// Cropper extracts fixed-size RGB crops from frames.
type Cropper struct {
	// Scaler resamples the clamped box to the target size. Defaults to
	// bilinear interpolation.
	Scaler draw.Scaler
}

// NewCropper returns a bilinear cropper.
func NewCropper() *Cropper {
	return &Cropper{Scaler: draw.BiLinear}
}

// Extract cuts box out of frame, clamped to the frame bounds, and scales it to
// w×h. The result is HWC RGB, len w*h*3. A box that does not overlap the
// frame yields a black crop.
func (c *Cropper) Extract(frame image.Image, box graph.Box, w, h int) ([]uint8, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("extract crop: target size %dx%d", w, h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	src := clampBox(frame.Bounds(), box)
	if !src.Empty() {
		scaler := c.Scaler
		if scaler == nil {
			scaler = draw.BiLinear
		}
		scaler.Scale(dst, dst.Bounds(), frame, src, draw.Src, nil)
	}

	return rgbaToRGB(dst), nil
}

// clampBox converts an (x, y, w, h) box to an integer rectangle inside bounds.
func clampBox(bounds image.Rectangle, box graph.Box) image.Rectangle {
	x1 := int(math.Floor(box.X))
	y1 := int(math.Floor(box.Y))
	x2 := int(math.Ceil(box.X + box.W))
	y2 := int(math.Ceil(box.Y + box.H))
	return image.Rect(x1, y1, x2, y2).Intersect(bounds)
}

// rgbaToRGB drops the alpha channel.
func rgbaToRGB(img *image.RGBA) []uint8 {
	b := img.Bounds()
	out := make([]uint8, 0, b.Dx()*b.Dy()*3)
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for x := 0; x < b.Dx(); x++ {
			out = append(out, row[x*4], row[x*4+1], row[x*4+2])
		}
	}
	return out
}
