package graph

import (
	"context"
	"fmt"
)

// Pair is a candidate track-continuation hypothesis between detections I and J.
type Pair struct {
	I, J int
}

// ProgressFunc receives periodic enumeration progress.
type ProgressFunc func(frame, lastFrame, pairs int)

// progressEvery is the frame interval between progress callbacks.
const progressEvery = 100

// EnumerateOptions configures EnumeratePairs.
type EnumerateOptions struct {
	Progress ProgressFunc
}

// EnumeratePairs returns every candidate pair within a window of dmax frames:
// same-frame pairs with i < j, and cross-frame pairs (i in f, j in f') with
// f < f' <= min(f+dmax, last frame) and j > i. Pairs are ordered frame-major,
// then by source index. The context is checked between frames.
func EnumeratePairs(ctx context.Context, m FrameMembership, dmax int, opts EnumerateOptions) ([]Pair, error) {
	if dmax < 0 {
		return nil, fmt.Errorf("enumerate pairs: negative window %d", dmax)
	}

	last := m.LastFrame()
	var pairs []Pair

	for f := 1; f <= last; f++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if opts.Progress != nil && f%progressEvery == 0 {
			opts.Progress(f, last, len(pairs))
		}

		ids := m.IDsInFrame(f)
		if len(ids) == 0 {
			continue
		}

		end := min(f+dmax, last)
		for _, i := range ids {
			for _, j := range ids {
				if i < j {
					pairs = append(pairs, Pair{I: i, J: j})
				}
			}
			for g := f + 1; g <= end; g++ {
				for _, j := range m.IDsInFrame(g) {
					if j > i {
						pairs = append(pairs, Pair{I: i, J: j})
					}
				}
			}
		}
	}

	return pairs, nil
}

// Partition splits pairs into contiguous batches of at most size pairs.
// The batches alias pairs.
func Partition(pairs []Pair, size int) [][]Pair {
	if size <= 0 || len(pairs) == 0 {
		return nil
	}
	batches := make([][]Pair, 0, (len(pairs)+size-1)/size)
	for start := 0; start < len(pairs); start += size {
		end := min(start+size, len(pairs))
		batches = append(batches, pairs[start:end])
	}
	return batches
}

// Split returns the pairs as two parallel index slices.
func Split(pairs []Pair) (is, js []int) {
	is = make([]int, len(pairs))
	js = make([]int, len(pairs))
	for k, p := range pairs {
		is[k], js[k] = p.I, p.J
	}
	return is, js
}
