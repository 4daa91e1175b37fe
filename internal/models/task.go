package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/your-org/trackgraph/internal/graph"
)

// BatchTask is the message published to NATS for worker processing.
type BatchTask struct {
	JobID   uuid.UUID `json:"job_id"`
	VideoID string    `json:"video_id"`
	// Detections is the detections version the pairs were enumerated from.
	Detections int        `json:"detections_version"`
	Batch      int        `json:"batch"`
	DMax       int        `json:"dmax"`
	Pairs      [][2]int32 `json:"pairs"`
}

// NewBatchTask packs a batch of the job's candidate pairs for the wire.
func NewBatchTask(job *Job, batch int, pairs []graph.Pair) BatchTask {
	wire := make([][2]int32, len(pairs))
	for k, p := range pairs {
		wire[k] = [2]int32{int32(p.I), int32(p.J)}
	}
	return BatchTask{
		JobID:      job.ID,
		VideoID:    job.VideoID,
		Detections: job.DetectionsVersion,
		Batch:      batch,
		DMax:       job.DMax,
		Pairs:      wire,
	}
}

// GraphPairs unpacks the task's pairs.
func (t BatchTask) GraphPairs() []graph.Pair {
	out := make([]graph.Pair, len(t.Pairs))
	for k, p := range t.Pairs {
		out[k] = graph.Pair{I: int(p[0]), J: int(p[1])}
	}
	return out
}

// BatchResult is the summary a worker publishes after processing one batch.
type BatchResult struct {
	JobID     uuid.UUID `json:"job_id"`
	VideoID   string    `json:"video_id"`
	Batch     int       `json:"batch"`
	Pairs     int       `json:"pairs"`
	Edges     int       `json:"edges"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Duration  float64   `json:"duration_seconds"`
	Finished  time.Time `json:"finished"`

	// Job counters after this batch was recorded.
	DoneBatches   int       `json:"done_batches"`
	FailedBatches int       `json:"failed_batches"`
	TotalBatches  int       `json:"total_batches"`
	Status        JobStatus `json:"status"`
}

// Last reports whether this result completed its job.
func (r BatchResult) Last() bool {
	return r.TotalBatches > 0 && r.DoneBatches+r.FailedBatches == r.TotalBatches
}
