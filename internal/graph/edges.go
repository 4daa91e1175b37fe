package graph

import "gonum.org/v1/gonum/mat"

// EdgeRecord is one weighted candidate edge for the downstream graph solver.
type EdgeRecord struct {
	Delta  int
	Weight float64
	Src    int
	Dst    int
}

// EdgeBatch is the columnar result of one processed batch. All slices have
// the same length; Features is Len()×FeatureDim, or nil when the batch is empty.
type EdgeBatch struct {
	Deltas   []int
	Weights  []float64
	Src      []int
	Dst      []int
	Features *mat.Dense
}

// Len returns the number of retained edges.
func (b *EdgeBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Deltas)
}

// Records returns the batch as row records.
func (b *EdgeBatch) Records() []EdgeRecord {
	out := make([]EdgeRecord, b.Len())
	for k := range out {
		out[k] = EdgeRecord{Delta: b.Deltas[k], Weight: b.Weights[k], Src: b.Src[k], Dst: b.Dst[k]}
	}
	return out
}

// FeatureRow returns a copy of the feature vector of edge k.
func (b *EdgeBatch) FeatureRow(k int) []float64 {
	if b.Features == nil {
		return nil
	}
	return mat.Row(nil, k, b.Features)
}

// Concat flattens batches into one record list, skipping nil batches.
func Concat(batches []*EdgeBatch) []EdgeRecord {
	total := 0
	for _, b := range batches {
		total += b.Len()
	}
	out := make([]EdgeRecord, 0, total)
	for _, b := range batches {
		if b == nil {
			continue
		}
		out = append(out, b.Records()...)
	}
	return out
}
