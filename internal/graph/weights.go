package graph

import (
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// WeightTable maps a temporal offset to its FeatureDim coefficient vector.
type WeightTable interface {
	Weights(delta int) ([]float64, error)
}

// DenseWeights stores one coefficient row per offset, row k for δ = k.
// It is read-only after construction.
type DenseWeights struct {
	m *mat.Dense
}

// NewDenseWeights builds a table from rows, row k holding the weights for δ = k.
func NewDenseWeights(rows [][]float64) (*DenseWeights, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("weight table: no offsets")
	}
	m := mat.NewDense(len(rows), FeatureDim, nil)
	for k, row := range rows {
		if len(row) != FeatureDim {
			return nil, &ShapeMismatchError{Signal: fmt.Sprintf("weights for offset %d", k), Got: len(row), Want: FeatureDim}
		}
		m.SetRow(k, row)
	}
	return &DenseWeights{m: m}, nil
}

// Offsets returns the number of offsets covered, i.e. δ in [0, Offsets()).
func (w *DenseWeights) Offsets() int {
	r, _ := w.m.Dims()
	return r
}

// Covers reports whether every δ in [0, dmax) has coefficients.
func (w *DenseWeights) Covers(dmax int) error {
	if dmax > w.Offsets() {
		return fmt.Errorf("%w: table has %d offsets, window needs %d", ErrOffsetNotCovered, w.Offsets(), dmax)
	}
	return nil
}

// Weights returns the coefficient row for delta. The slice aliases the
// table and must not be modified.
func (w *DenseWeights) Weights(delta int) ([]float64, error) {
	if delta < 0 || delta >= w.Offsets() {
		return nil, fmt.Errorf("%w: δ=%d (table covers [0, %d))", ErrOffsetNotCovered, delta, w.Offsets())
	}
	return w.m.RawRowView(delta), nil
}

// weightFile is the YAML layout of a weight table.
type weightFile struct {
	Offsets [][]float64 `yaml:"offsets"`
}

// LoadWeights decodes a YAML weight table:
//
//	offsets:
//	  - [w0, w1, ..., w14]   # δ = 0
//	  - [w0, w1, ..., w14]   # δ = 1
func LoadWeights(r io.Reader) (*DenseWeights, error) {
	var wf weightFile
	if err := yaml.NewDecoder(r).Decode(&wf); err != nil {
		return nil, fmt.Errorf("decode weight table: %w", err)
	}
	return NewDenseWeights(wf.Offsets)
}

// EncodeWeights writes w in the format read by LoadWeights.
func EncodeWeights(out io.Writer, w *DenseWeights) error {
	wf := weightFile{Offsets: make([][]float64, w.Offsets())}
	for k := range wf.Offsets {
		wf.Offsets[k] = mat.Row(nil, k, w.m)
	}
	enc := yaml.NewEncoder(out)
	defer enc.Close()
	if err := enc.Encode(wf); err != nil {
		return fmt.Errorf("encode weight table: %w", err)
	}
	return nil
}
