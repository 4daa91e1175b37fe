package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/your-org/trackgraph/internal/observability"
)

// Runner processes the batches of one video on a bounded worker pool.
type Runner struct {
	batcher   *Batcher
	batchSize int
	workers   int
	logger    *slog.Logger
}

// NewRunner creates a runner. batchSize and workers must be positive.
func NewRunner(b *Batcher, batchSize, workers int) (*Runner, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("new runner: batch size %d", batchSize)
	}
	if workers <= 0 {
		return nil, fmt.Errorf("new runner: workers %d", workers)
	}
	return &Runner{
		batcher:   b,
		batchSize: batchSize,
		workers:   workers,
		logger:    slog.Default().With("component", "graph-runner"),
	}, nil
}

// BatchError records the failure of one batch.
type BatchError struct {
	Batch int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d: %v", e.Batch, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Run partitions pairs and processes every batch. Results are returned in
// submission order; a failed batch leaves a nil slot and contributes a
// *BatchError to the joined error while the other batches still complete.
func (r *Runner) Run(ctx context.Context, idx *DetectionIndex, videoID string, dmax int, pairs []Pair) ([]*EdgeBatch, error) {
	batches := Partition(pairs, r.batchSize)
	results := make([]*EdgeBatch, len(batches))
	errs := make([]error, len(batches))

	var g errgroup.Group
	g.SetLimit(r.workers)

	for k, batch := range batches {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[k] = &BatchError{Batch: k, Err: err}
				return nil
			}
			start := time.Now()
			res, err := r.batcher.Process(ctx, idx, videoID, dmax, batch)
			observability.BatchDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				observability.BatchFailures.WithLabelValues(FailureKind(err)).Inc()
				errs[k] = &BatchError{Batch: k, Err: err}
				return nil
			}
			observability.EdgesEmitted.Add(float64(res.Len()))
			r.logger.Debug("batch done", "video", videoID, "batch", k, "pairs", len(batch), "edges", res.Len())
			results[k] = res
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// FailureKind classifies a batch error for metrics and API responses.
func FailureKind(err error) string {
	var shape *ShapeMismatchError
	var collab *CollaboratorError
	switch {
	case errors.Is(err, ErrNegativeOffset), errors.As(err, &shape):
		return "invariant"
	case errors.Is(err, ErrOffsetNotCovered):
		return "weights"
	case errors.As(err, &collab):
		return collab.Collaborator
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}
