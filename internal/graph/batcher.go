package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/your-org/trackgraph/internal/observability"
)

// pairChannels is the channel count of a concatenated crop pair.
const pairChannels = 6

// Batcher turns batches of candidate pairs into weighted edges. Its
// collaborators are shared read-only by all concurrent calls to Process.
type Batcher struct {
	spatial    SpatialCalculator
	motion     MotionOracle
	appearance AppearanceComparator
	normalizer CropNormalizer
	weights    WeightTable
}

// Collaborators groups the external components a Batcher delegates to.
type Collaborators struct {
	Spatial    SpatialCalculator
	Motion     MotionOracle
	Appearance AppearanceComparator
	Normalizer CropNormalizer
	Weights    WeightTable
}

// NewBatcher checks that every collaborator is present.
func NewBatcher(c Collaborators) (*Batcher, error) {
	switch {
	case c.Spatial == nil:
		return nil, errors.New("new batcher: missing spatial calculator")
	case c.Motion == nil:
		return nil, errors.New("new batcher: missing motion oracle")
	case c.Appearance == nil:
		return nil, errors.New("new batcher: missing appearance comparator")
	case c.Normalizer == nil:
		return nil, errors.New("new batcher: missing crop normalizer")
	case c.Weights == nil:
		return nil, errors.New("new batcher: missing weight table")
	}
	return &Batcher{
		spatial:    c.Spatial,
		motion:     c.Motion,
		appearance: c.Appearance,
		normalizer: c.Normalizer,
		weights:    c.Weights,
	}, nil
}

// Process computes edge weights for pairs. Pairs with δ >= dmax are dropped,
// including δ == dmax. The returned batch only holds retained pairs, in
// input order.
func (b *Batcher) Process(ctx context.Context, idx *DetectionIndex, videoID string, dmax int, pairs []Pair) (*EdgeBatch, error) {
	src, dst := Split(pairs)

	gi, err := idx.Gather(src)
	if err != nil {
		return nil, fmt.Errorf("gather sources: %w", err)
	}
	gj, err := idx.Gather(dst)
	if err != nil {
		return nil, fmt.Errorf("gather destinations: %w", err)
	}

	keep := make([]int, 0, len(pairs))
	for k := range pairs {
		if gj.Frames[k]-gi.Frames[k] < dmax {
			keep = append(keep, k)
		}
	}
	if dropped := len(pairs) - len(keep); dropped > 0 {
		observability.PairsDropped.Add(float64(dropped))
	}

	// Every derived quantity goes through the same selection.
	gi, gj = gi.Select(keep), gj.Select(keep)
	src, dst = selectInts(src, keep), selectInts(dst, keep)

	n := len(keep)
	deltas := make([]int, n)
	for k := 0; k < n; k++ {
		deltas[k] = gj.Frames[k] - gi.Frames[k]
		if deltas[k] < 0 {
			return nil, fmt.Errorf("%w: pair (%d,%d) has δ=%d", ErrNegativeOffset, src[k], dst[k], deltas[k])
		}
	}

	out := &EdgeBatch{Deltas: deltas, Src: src, Dst: dst, Weights: []float64{}}
	if n == 0 {
		return out, nil
	}

	tensor := b.pairTensor(idx, gi, gj)

	sig := Signals{
		Confidence: MinScores(gi.Scores, gj.Scores),
		Spatial:    make([]float64, n),
		Motion:     make([]float64, n),
	}
	for k := 0; k < n; k++ {
		sig.Spatial[k] = b.spatial.Affinity(gi.Boxes[k], gj.Boxes[k])
	}

	start := time.Now()
	for k := 0; k < n; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := b.motion.Cost(ctx, videoID, gi.Frames[k], gi.Boxes[k], gj.Frames[k], gj.Boxes[k])
		if err != nil {
			return nil, &CollaboratorError{Collaborator: CollaboratorMotion, Src: src[k], Dst: dst[k], Err: err}
		}
		sig.Motion[k] = d
	}
	observability.CollaboratorDuration.WithLabelValues(CollaboratorMotion).Observe(time.Since(start).Seconds())

	start = time.Now()
	y, err := b.appearance.Similarity(ctx, tensor)
	if err != nil {
		return nil, &CollaboratorError{Collaborator: CollaboratorAppearance, Src: -1, Dst: -1, Err: err}
	}
	sig.Appearance = y
	observability.CollaboratorDuration.WithLabelValues(CollaboratorAppearance).Observe(time.Since(start).Seconds())

	features, err := FeatureMatrix(sig)
	if err != nil {
		return nil, err
	}
	weights, err := EdgeWeights(features, deltas, b.weights)
	if err != nil {
		return nil, &CollaboratorError{Collaborator: CollaboratorWeights, Src: -1, Dst: -1, Err: err}
	}

	out.Weights = weights
	out.Features = features
	return out, nil
}

// pairTensor normalises both crops of every row and concatenates them along
// the channel axis into an n×H×W×6 tensor.
func (b *Batcher) pairTensor(idx *DetectionIndex, gi, gj Gathered) PairTensor {
	w, h := idx.CropSize()
	pixels := w * h
	t := PairTensor{N: gi.Len(), H: h, W: w, C: pairChannels, Data: make([]float32, gi.Len()*pixels*pairChannels)}

	ni := make([]float32, pixels*3)
	nj := make([]float32, pixels*3)
	for k := 0; k < t.N; k++ {
		b.normalizer.Normalize(gi.Crops[k], ni)
		b.normalizer.Normalize(gj.Crops[k], nj)
		dst := t.Pair(k)
		for p := 0; p < pixels; p++ {
			copy(dst[p*pairChannels:p*pairChannels+3], ni[p*3:p*3+3])
			copy(dst[p*pairChannels+3:p*pairChannels+6], nj[p*3:p*3+3])
		}
	}
	return t
}

func selectInts(v, keep []int) []int {
	out := make([]int, len(keep))
	for k, r := range keep {
		out[k] = v[r]
	}
	return out
}
