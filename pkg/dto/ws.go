package dto

import "github.com/google/uuid"

// WSJobProgress is pushed to WebSocket clients after every processed batch.
type WSJobProgress struct {
	Type          string    `json:"type"` // "batch"
	JobID         uuid.UUID `json:"job_id"`
	VideoID       string    `json:"video_id"`
	Batch         int       `json:"batch"`
	Edges         int       `json:"edges"`
	Error         string    `json:"error,omitempty"`
	DoneBatches   int       `json:"done_batches"`
	FailedBatches int       `json:"failed_batches"`
	TotalBatches  int       `json:"total_batches"`
	Status        string    `json:"status"`
	Timestamp     string    `json:"timestamp"`
}
