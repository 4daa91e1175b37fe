package dto

import "github.com/google/uuid"

// CreateJobRequest overrides the configured window and batch size when set.
// DMax may be 0 and may not exceed the configured window.
type CreateJobRequest struct {
	DMax      *int `json:"dmax" binding:"omitempty,min=0"`
	BatchSize int  `json:"batch_size" binding:"omitempty,min=1"`
}

type JobResponse struct {
	ID                uuid.UUID `json:"id"`
	VideoID           string    `json:"video_id"`
	DetectionsVersion int       `json:"detections_version"`
	DMax              int       `json:"dmax"`
	BatchSize         int       `json:"batch_size"`
	Pairs             int       `json:"pairs"`
	TotalBatches      int       `json:"total_batches"`
	DoneBatches       int       `json:"done_batches"`
	FailedBatches     int       `json:"failed_batches"`
	Edges             int64     `json:"edges"`
	Status            string    `json:"status"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	CreatedAt         string    `json:"created_at"`
	UpdatedAt         string    `json:"updated_at"`
}
