package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNoDetections is returned when a video has no stored detections.
var ErrNoDetections = errors.New("video has no detections")

// Video is a registered video whose frames live in object storage.
// DetectionsVersion counts detection uploads; 0 means none yet.
type Video struct {
	ID                string    `json:"id" db:"id"`
	FrameCount        int       `json:"frame_count" db:"frame_count"`
	Source            string    `json:"source" db:"source"`
	DetectionsVersion int       `json:"detections_version" db:"detections_version"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Job is one edge-building run over a video's candidate pairs. Its pair
// indices refer to the detections upload named by DetectionsVersion.
type Job struct {
	ID                uuid.UUID `json:"id" db:"id"`
	VideoID           string    `json:"video_id" db:"video_id"`
	DetectionsVersion int       `json:"detections_version" db:"detections_version"`
	DMax              int       `json:"dmax" db:"dmax"`
	BatchSize         int       `json:"batch_size" db:"batch_size"`
	Pairs             int       `json:"pairs" db:"pairs"`
	TotalBatches      int       `json:"total_batches" db:"total_batches"`
	DoneBatches       int       `json:"done_batches" db:"done_batches"`
	FailedBatches     int       `json:"failed_batches" db:"failed_batches"`
	Edges             int64     `json:"edges" db:"edges"`
	Status            JobStatus `json:"status" db:"status"`
	ErrorMessage      string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Finished reports whether every batch has been accounted for.
func (j *Job) Finished() bool {
	return j.DoneBatches+j.FailedBatches >= j.TotalBatches
}

// IngestCommand asks the ingestor to decode a video into frames, or to stop
// a running ingest.
type IngestCommand struct {
	Action  string `json:"action"` // ingest, stop
	VideoID string `json:"video_id"`
	Source  string `json:"source"`
	FPS     int    `json:"fps,omitempty"`
	Width   int    `json:"width,omitempty"`
}
