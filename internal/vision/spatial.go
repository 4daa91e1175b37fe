package vision

import (
	"math"

	"github.com/your-org/trackgraph/internal/graph"
)

// IoUAffinity scores two boxes by their intersection over union.
type IoUAffinity struct{}

// Affinity returns IoU(a, b) in [0, 1].
func (IoUAffinity) Affinity(a, b graph.Box) float64 {
	return iou(a, b)
}

func iou(a, b graph.Box) float64 {
	x1 := math.Max(a.X, b.X)
	y1 := math.Max(a.Y, b.Y)
	x2 := math.Min(a.X+a.W, b.X+b.W)
	y2 := math.Min(a.Y+a.H, b.Y+b.H)

	intersection := math.Max(0, x2-x1) * math.Max(0, y2-y1)
	union := a.W*a.H + b.W*b.H - intersection

	if union <= 0 {
		return 0
	}
	return intersection / union
}
