package vision

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/trackgraph/internal/graph"
)

// ComparatorOptions describes the re-identification network's signature.
type ComparatorOptions struct {
	InputName   string
	OutputName  string
	OutputWidth int // scores per pair; column 0 is the similarity
	BatchSize   int
	CropW       int
	CropH       int
}

func (o ComparatorOptions) withDefaults() ComparatorOptions {
	if o.InputName == "" {
		o.InputName = "input"
	}
	if o.OutputName == "" {
		o.OutputName = "output"
	}
	if o.OutputWidth <= 0 {
		o.OutputWidth = 1
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	if o.CropW <= 0 {
		o.CropW = graph.DefaultCropW
	}
	if o.CropH <= 0 {
		o.CropH = graph.DefaultCropH
	}
	return o
}

// Comparator scores crop pairs with a siamese re-identification network
// (StackNet 64x64) through ONNX Runtime. The session is not re-entrant, so
// calls are serialised.
type Comparator struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	opts         ComparatorOptions
}

// NewComparator loads the ONNX model. The input is NHWC
// [batch, cropH, cropW, 6], the output [batch, OutputWidth].
// opts may leave fields zero to use defaults; sessionOpts may be nil.
func NewComparator(modelPath string, opts ComparatorOptions, sessionOpts *ort.SessionOptions) (*Comparator, error) {
	opts = opts.withDefaults()

	inputShape := ort.NewShape(int64(opts.BatchSize), int64(opts.CropH), int64(opts.CropW), 6)
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputShape := ort.NewShape(int64(opts.BatchSize), int64(opts.OutputWidth))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		sessionOpts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create reid session: %w", err)
	}

	return &Comparator{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		opts:         opts,
	}, nil
}

// Similarity runs the network over pairs in chunks of the configured batch
// size and returns column 0 of the output for every pair.
func (c *Comparator) Similarity(ctx context.Context, pairs graph.PairTensor) ([]float64, error) {
	if pairs.H != c.opts.CropH || pairs.W != c.opts.CropW || pairs.C != 6 {
		return nil, fmt.Errorf("pair tensor %dx%dx%d, model expects %dx%dx6",
			pairs.H, pairs.W, pairs.C, c.opts.CropH, c.opts.CropW)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pairSize := pairs.H * pairs.W * pairs.C
	input := c.inputTensor.GetData()
	out := make([]float64, 0, pairs.N)

	for start := 0; start < pairs.N; start += c.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+c.opts.BatchSize, pairs.N)
		n := copy(input, pairs.Data[start*pairSize:end*pairSize])
		clear(input[n:])

		if err := c.session.Run(); err != nil {
			return nil, fmt.Errorf("run reid: %w", err)
		}

		scores := c.outputTensor.GetData()
		for k := 0; k < end-start; k++ {
			out = append(out, float64(scores[k*c.opts.OutputWidth]))
		}
	}

	return out, nil
}

func (c *Comparator) Close() {
	if c.session != nil {
		c.session.Destroy()
	}
	if c.inputTensor != nil {
		c.inputTensor.Destroy()
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
	}
}
