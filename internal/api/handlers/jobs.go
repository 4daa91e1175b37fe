package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/trackgraph/internal/graph"
	"github.com/your-org/trackgraph/internal/models"
	"github.com/your-org/trackgraph/internal/observability"
	"github.com/your-org/trackgraph/pkg/dto"
)

type JobHandler struct {
	videos    VideoStore
	jobs      JobStore
	publisher BatchPublisher

	// Defaults applied when a request leaves them unset. DMax is also the
	// largest window a request may ask for: the workers' weight table is
	// checked to cover it.
	DMax      int
	BatchSize int

	logger *slog.Logger
}

func NewJobHandler(videos VideoStore, jobs JobStore, publisher BatchPublisher, dmax, batchSize int) *JobHandler {
	return &JobHandler{
		videos:    videos,
		jobs:      jobs,
		publisher: publisher,
		DMax:      dmax,
		BatchSize: batchSize,
		logger:    slog.Default().With("component", "jobs"),
	}
}

func jobResponse(j *models.Job) dto.JobResponse {
	return dto.JobResponse{
		ID:                j.ID,
		VideoID:           j.VideoID,
		DetectionsVersion: j.DetectionsVersion,
		DMax:              j.DMax,
		BatchSize:         j.BatchSize,
		Pairs:             j.Pairs,
		TotalBatches:      j.TotalBatches,
		DoneBatches:       j.DoneBatches,
		FailedBatches:     j.FailedBatches,
		Edges:             j.Edges,
		Status:            string(j.Status),
		ErrorMessage:      j.ErrorMessage,
		CreatedAt:         j.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:         j.UpdatedAt.UTC().Format(timeLayout),
	}
}

// Create enumerates the video's candidate pairs, partitions them into
// batches and enqueues one task per batch.
func (h *JobHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()
	videoID := c.Param("id")

	var req dto.CreateJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	dmax := h.DMax
	if req.DMax != nil {
		dmax = *req.DMax
	}
	if dmax > h.DMax {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": fmt.Sprintf("dmax %d exceeds the configured window %d", dmax, h.DMax),
		})
		return
	}
	batchSize := req.BatchSize
	if batchSize == 0 {
		batchSize = h.BatchSize
	}

	v, err := h.videos.GetVideo(ctx, videoID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if v == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
		return
	}

	dt, version, err := h.videos.LoadDetections(ctx, videoID, 0)
	if err != nil {
		if errors.Is(err, models.ErrNoDetections) {
			c.JSON(http.StatusConflict, gin.H{"error": "upload detections before creating a job"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	dets, err := graph.ParseDetections(dt, v.FrameCount)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	grouping, err := graph.GroupDetections(dets, v.FrameCount)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	pairs, err := graph.EnumeratePairs(ctx, grouping, dmax, graph.EnumerateOptions{
		Progress: func(frame, last, n int) {
			h.logger.Debug("enumerating pairs", "video_id", videoID, "frame", frame, "last_frame", last, "pairs", n)
		},
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	observability.PairsEnumerated.WithLabelValues(videoID).Add(float64(len(pairs)))

	batches := graph.Partition(pairs, batchSize)
	job := &models.Job{
		VideoID:           videoID,
		DetectionsVersion: version,
		DMax:              dmax,
		BatchSize:         batchSize,
		Pairs:             len(pairs),
		TotalBatches:      len(batches),
	}
	if err := h.jobs.CreateJob(ctx, job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	for k, batch := range batches {
		task := models.NewBatchTask(job, k, batch)
		if err := h.publisher.PublishBatch(ctx, task); err != nil {
			msg := fmt.Sprintf("enqueue batch %d of %d: %v", k, len(batches), err)
			if ferr := h.jobs.FailJob(ctx, job.ID, msg); ferr != nil {
				h.logger.Error("mark job failed", "job_id", job.ID, "error", ferr)
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": msg, "job_id": job.ID})
			return
		}
	}
	if len(batches) > 0 {
		observability.ActiveJobs.Inc()
	}

	h.logger.Info("job created", "job_id", job.ID, "video_id", videoID,
		"detections_version", version, "dmax", dmax, "pairs", len(pairs), "batches", len(batches))
	c.JSON(http.StatusAccepted, jobResponse(job))
}

func (h *JobHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, jobResponse(job))
}

// Edges pages through the edges a job has produced so far.
func (h *JobHandler) Edges(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	var q dto.EdgeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if q.Limit <= 0 || q.Limit > 10000 {
		q.Limit = 1000
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	job, err := h.jobs.GetJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	edges, total, err := h.jobs.ListEdges(c.Request.Context(), id, q.Limit, q.Offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.EdgeResponse, 0, len(edges))
	for _, e := range edges {
		resp = append(resp, dto.EdgeResponse{Delta: e.Delta, Weight: e.Weight, Src: e.Src, Dst: e.Dst})
	}
	c.JSON(http.StatusOK, dto.EdgeListResponse{Edges: resp, Total: total, Limit: q.Limit, Offset: q.Offset})
}
