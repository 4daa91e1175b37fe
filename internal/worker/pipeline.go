// Package worker processes queued candidate-pair batches into stored edges.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gonum.org/v1/gonum/mat"

	"github.com/your-org/trackgraph/internal/graph"
	"github.com/your-org/trackgraph/internal/models"
	"github.com/your-org/trackgraph/internal/observability"
)

var (
	// ErrVideoNotFound is returned when a task names an unregistered video.
	ErrVideoNotFound = errors.New("video not found")

	// ErrDetectionsChanged is returned when the stored detections are not the
	// version a job's pairs were enumerated from.
	ErrDetectionsChanged = errors.New("detections changed since the job was created")
)

// FailureIndex is the error kind of a batch whose detection index could not
// be built.
const FailureIndex = "index"

// VideoLoader reads a video's metadata and detections.
type VideoLoader interface {
	GetVideo(ctx context.Context, id string) (*models.Video, error)
	LoadDetections(ctx context.Context, videoID string, version int) (*mat.Dense, int, error)
}

// EdgeStore persists batch output and folds it into the job.
type EdgeStore interface {
	SaveEdges(ctx context.Context, jobID uuid.UUID, batchNo int, batch *graph.EdgeBatch) error
	// RecordBatch reports recorded=false when the batch was already counted.
	RecordBatch(ctx context.Context, res models.BatchResult) (job *models.Job, recorded bool, err error)
	BatchRecorded(ctx context.Context, jobID uuid.UUID, batchNo int) (bool, error)
}

// ResultPublisher announces processed batches.
type ResultPublisher interface {
	PublishResult(ctx context.Context, res models.BatchResult) error
}

// FrameOpener returns the frames of a video.
type FrameOpener func(videoID string, frameCount int) graph.FrameSource

// Pipeline orchestrates batch processing:
// index → features → weights → store → publish.
type Pipeline struct {
	batcher   *graph.Batcher
	extractor graph.CropExtractor
	frames    FrameOpener
	videos    VideoLoader
	edges     EdgeStore
	results   ResultPublisher
	indexOpts graph.IndexOptions

	builds   singleflight.Group
	mu       sync.Mutex
	indexes  map[uuid.UUID]*graph.DetectionIndex // per-job detection indexes
	failures map[uuid.UUID]error                 // per-job permanent index errors

	logger *slog.Logger
}

// Deps groups the pipeline's collaborators.
type Deps struct {
	Batcher   *graph.Batcher
	Extractor graph.CropExtractor
	Frames    FrameOpener
	Videos    VideoLoader
	Edges     EdgeStore
	Results   ResultPublisher
	CropSize  int
}

func NewPipeline(d Deps) (*Pipeline, error) {
	if d.Batcher == nil || d.Extractor == nil || d.Frames == nil || d.Videos == nil || d.Edges == nil {
		return nil, errors.New("new pipeline: missing dependency")
	}
	return &Pipeline{
		batcher:   d.Batcher,
		extractor: d.Extractor,
		frames:    d.Frames,
		videos:    d.Videos,
		edges:     d.Edges,
		results:   d.Results,
		indexOpts: graph.IndexOptions{CropW: d.CropSize, CropH: d.CropSize},
		indexes:   make(map[uuid.UUID]*graph.DetectionIndex),
		failures:  make(map[uuid.UUID]error),
		logger:    slog.Default().With("component", "pipeline"),
	}, nil
}

// ProcessBatch handles one batch task. Failures of the batch itself are
// recorded on the job and reported as a result. Index errors caused by the
// job's data are recorded the same way; other index and storage errors are
// returned so the task is redelivered, unless final is set because this is
// the last delivery. A batch already recorded is skipped.
func (p *Pipeline) ProcessBatch(ctx context.Context, task models.BatchTask, final bool) error {
	done, err := p.edges.BatchRecorded(ctx, task.JobID, task.Batch)
	if err != nil {
		return fmt.Errorf("check batch %d: %w", task.Batch, err)
	}
	if done {
		p.logger.Info("batch already recorded", "job_id", task.JobID, "batch", task.Batch)
		return nil
	}

	pairs := task.GraphPairs()
	res := models.BatchResult{
		JobID:   task.JobID,
		VideoID: task.VideoID,
		Batch:   task.Batch,
		Pairs:   len(pairs),
	}

	idx, err := p.index(ctx, task)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !permanent(err) && !final {
			return fmt.Errorf("index video %s: %w", task.VideoID, err)
		}
		res.ErrorKind = FailureIndex
		res.Error = fmt.Sprintf("index video %s: %v", task.VideoID, err)
		observability.BatchFailures.WithLabelValues(res.ErrorKind).Inc()
		p.logger.Warn("batch failed", "job_id", task.JobID, "batch", task.Batch, "kind", res.ErrorKind,
			"final_delivery", final, "error", err)
		return p.record(ctx, res)
	}

	start := time.Now()
	batch, perr := p.batcher.Process(ctx, idx, task.VideoID, task.DMax, pairs)
	res.Duration = time.Since(start).Seconds()
	observability.BatchDuration.Observe(res.Duration)

	if perr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res.ErrorKind = graph.FailureKind(perr)
		res.Error = perr.Error()
		observability.BatchFailures.WithLabelValues(res.ErrorKind).Inc()
		p.logger.Warn("batch failed", "job_id", task.JobID, "batch", task.Batch, "kind", res.ErrorKind, "error", perr)
	} else {
		if err := p.edges.SaveEdges(ctx, task.JobID, task.Batch, batch); err != nil {
			return fmt.Errorf("save batch %d: %w", task.Batch, err)
		}
		res.Edges = batch.Len()
		observability.EdgesEmitted.Add(float64(batch.Len()))
	}
	return p.record(ctx, res)
}

// record folds res into its job and publishes it. A result the store had
// already counted is not published again.
func (p *Pipeline) record(ctx context.Context, res models.BatchResult) error {
	res.Finished = time.Now().UTC()

	job, recorded, err := p.edges.RecordBatch(ctx, res)
	if err != nil {
		return fmt.Errorf("record batch %d: %w", res.Batch, err)
	}
	if !recorded {
		p.logger.Info("batch recorded concurrently", "job_id", res.JobID, "batch", res.Batch)
		return nil
	}
	res.DoneBatches, res.FailedBatches = job.DoneBatches, job.FailedBatches
	res.TotalBatches, res.Status = job.TotalBatches, job.Status
	p.logger.Debug("batch done", "job_id", res.JobID, "batch", res.Batch,
		"pairs", res.Pairs, "edges", res.Edges, "done", job.DoneBatches, "total", job.TotalBatches)
	if job.Finished() {
		p.Evict(res.JobID)
		p.logger.Info("job finished", "job_id", job.ID, "status", job.Status, "edges", job.Edges)
	}

	if p.results != nil {
		if err := p.results.PublishResult(ctx, res); err != nil {
			p.logger.Warn("publish result", "job_id", res.JobID, "batch", res.Batch, "error", err)
		}
	}
	return nil
}

// permanent reports whether an index error comes from the job's own data,
// so that retrying the batch cannot succeed.
func permanent(err error) bool {
	var shape *graph.InvalidShapeError
	var collab *graph.CollaboratorError
	switch {
	case errors.Is(err, graph.ErrInvalidDetection),
		errors.As(err, &shape),
		errors.Is(err, models.ErrNoDetections),
		errors.Is(err, ErrVideoNotFound),
		errors.Is(err, ErrDetectionsChanged):
		return true
	case errors.As(err, &collab):
		return collab.Collaborator == graph.CollaboratorCrop
	}
	return false
}

// index returns the detection index of a job, building it on the job's
// first batch from the detections version its pairs were enumerated from.
// Concurrent first uses share one build. A permanent build error is kept so
// the job's remaining batches fail without rebuilding.
func (p *Pipeline) index(ctx context.Context, task models.BatchTask) (*graph.DetectionIndex, error) {
	p.mu.Lock()
	idx, ok := p.indexes[task.JobID]
	ferr := p.failures[task.JobID]
	p.mu.Unlock()
	if ok {
		return idx, nil
	}
	if ferr != nil {
		return nil, ferr
	}

	v, err, _ := p.builds.Do(task.JobID.String(), func() (any, error) {
		idx, err := p.build(ctx, task)
		p.mu.Lock()
		defer p.mu.Unlock()
		switch {
		case err == nil:
			p.indexes[task.JobID] = idx
		case permanent(err):
			p.failures[task.JobID] = err
		}
		return idx, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*graph.DetectionIndex), nil
}

func (p *Pipeline) build(ctx context.Context, task models.BatchTask) (*graph.DetectionIndex, error) {
	video, err := p.videos.GetVideo(ctx, task.VideoID)
	if err != nil {
		return nil, err
	}
	if video == nil {
		return nil, fmt.Errorf("%w: %s", ErrVideoNotFound, task.VideoID)
	}
	dt, version, err := p.videos.LoadDetections(ctx, task.VideoID, task.Detections)
	if err != nil {
		return nil, err
	}
	if task.Detections != 0 && version != task.Detections {
		return nil, fmt.Errorf("%w: job has version %d, store returned %d", ErrDetectionsChanged, task.Detections, version)
	}

	start := time.Now()
	idx, err := graph.NewDetectionIndex(ctx, dt, p.frames(task.VideoID, video.FrameCount), p.extractor, p.indexOpts)
	if err != nil {
		return nil, err
	}
	observability.IndexBuildDuration.Observe(time.Since(start).Seconds())
	p.logger.Info("detection index built", "video_id", task.VideoID, "detections_version", version,
		"detections", idx.Len(), "frames", video.FrameCount, "duration", time.Since(start).String())
	return idx, nil
}

// Evict drops a job's cached index and any recorded build failure.
func (p *Pipeline) Evict(jobID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.indexes, jobID)
	delete(p.failures, jobID)
}

// Indexed returns the number of cached indexes.
func (p *Pipeline) Indexed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.indexes)
}
