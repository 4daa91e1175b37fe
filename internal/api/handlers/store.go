package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/your-org/trackgraph/internal/graph"
	"github.com/your-org/trackgraph/internal/models"
)

// VideoStore is the video and detection persistence the handlers need.
type VideoStore interface {
	UpsertVideo(ctx context.Context, v *models.Video) error
	GetVideo(ctx context.Context, id string) (*models.Video, error)
	ReplaceDetections(ctx context.Context, videoID string, dets []graph.Detection) (int, error)
	LoadDetections(ctx context.Context, videoID string, version int) (*mat.Dense, int, error)
}

// JobStore is the job and edge persistence the handlers need.
type JobStore interface {
	CreateJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	FailJob(ctx context.Context, id uuid.UUID, msg string) error
	ListEdges(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]graph.EdgeRecord, int, error)
}

// BatchPublisher enqueues batch tasks for the workers.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, task models.BatchTask) error
}

// IngestPublisher forwards ingest commands to the ingestor.
type IngestPublisher interface {
	PublishIngest(cmd models.IngestCommand) error
}

// statusFor maps validation errors from the graph package to 422.
func statusFor(err error) int {
	var shape *graph.InvalidShapeError
	switch {
	case errors.As(err, &shape),
		errors.Is(err, graph.ErrInvalidDetection),
		errors.Is(err, graph.ErrNegativeOffset):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

const timeLayout = "2006-01-02T15:04:05Z"
