package graph

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// FeatureDim is the width of an edge feature vector: bias, the four base
// signals and their ten second-degree monomials.
const FeatureDim = 15

// Feature column order.
const (
	FeatBias = iota
	FeatS
	FeatD
	FeatY
	FeatC
	FeatSS
	FeatSD
	FeatSY
	FeatSC
	FeatDD
	FeatDY
	FeatDC
	FeatYY
	FeatYC
	FeatCC
)

// Signals holds the four base signals of a batch, each of length n.
type Signals struct {
	Spatial    []float64 // S
	Motion     []float64 // D
	Appearance []float64 // Y
	Confidence []float64 // C
}

// Len returns the length of the confidence column, which is computed
// locally and therefore defines the expected batch size.
func (s Signals) Len() int { return len(s.Confidence) }

// check verifies that all four signals have length n.
func (s Signals) check(n int) error {
	for _, c := range []struct {
		name string
		v    []float64
	}{
		{"spatial", s.Spatial},
		{"motion", s.Motion},
		{"appearance", s.Appearance},
		{"confidence", s.Confidence},
	} {
		if len(c.v) != n {
			return &ShapeMismatchError{Signal: c.name, Got: len(c.v), Want: n}
		}
	}
	return nil
}

// MinScores returns the element-wise minimum of a and b.
func MinScores(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for k := range a {
		out[k] = min(a[k], b[k])
	}
	return out
}

// FeatureRow fills dst (len FeatureDim) with the quadratic expansion of
// s, d, y, c.
func FeatureRow(dst []float64, s, d, y, c float64) {
	dst[FeatBias] = 1
	dst[FeatS], dst[FeatD], dst[FeatY], dst[FeatC] = s, d, y, c
	dst[FeatSS], dst[FeatSD], dst[FeatSY], dst[FeatSC] = s*s, s*d, s*y, s*c
	dst[FeatDD], dst[FeatDY], dst[FeatDC] = d*d, d*y, d*c
	dst[FeatYY], dst[FeatYC] = y*y, y*c
	dst[FeatCC] = c * c
}

// FeatureMatrix assembles the n×FeatureDim feature matrix from the signals.
func FeatureMatrix(sig Signals) (*mat.Dense, error) {
	n := sig.Len()
	if err := sig.check(n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	f := mat.NewDense(n, FeatureDim, nil)
	row := make([]float64, FeatureDim)
	for r := 0; r < n; r++ {
		FeatureRow(row, sig.Spatial[r], sig.Motion[r], sig.Appearance[r], sig.Confidence[r])
		f.SetRow(r, row)
	}
	return f, nil
}

// EdgeWeights computes −(F[r] · W[δ_r]) for every row of f.
func EdgeWeights(f *mat.Dense, deltas []int, table WeightTable) ([]float64, error) {
	if f == nil {
		return nil, nil
	}
	n, _ := f.Dims()
	if len(deltas) != n {
		return nil, &ShapeMismatchError{Signal: "deltas", Got: len(deltas), Want: n}
	}
	weights := make([]float64, n)
	for r := 0; r < n; r++ {
		w, err := table.Weights(deltas[r])
		if err != nil {
			return nil, err
		}
		if len(w) != FeatureDim {
			return nil, &ShapeMismatchError{Signal: "weight vector", Got: len(w), Want: FeatureDim}
		}
		weights[r] = -floats.Dot(f.RawRowView(r), w)
	}
	return weights, nil
}
