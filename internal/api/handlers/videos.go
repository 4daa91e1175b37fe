package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/trackgraph/internal/graph"
	"github.com/your-org/trackgraph/internal/models"
	"github.com/your-org/trackgraph/pkg/dto"
)

// maxDetectionsUpload bounds the CSV body accepted by UploadDetections.
const maxDetectionsUpload = 256 << 20

type VideoHandler struct {
	videos VideoStore
	ingest IngestPublisher // optional
}

func NewVideoHandler(videos VideoStore, ingest IngestPublisher) *VideoHandler {
	return &VideoHandler{videos: videos, ingest: ingest}
}

func videoResponse(v *models.Video) dto.VideoResponse {
	return dto.VideoResponse{
		ID:                v.ID,
		FrameCount:        v.FrameCount,
		Source:            v.Source,
		DetectionsVersion: v.DetectionsVersion,
		CreatedAt:         v.CreatedAt.UTC().Format(timeLayout),
	}
}

func (h *VideoHandler) Create(c *gin.Context) {
	var req dto.CreateVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	v := &models.Video{ID: req.ID, FrameCount: req.FrameCount, Source: req.Source}
	if err := h.videos.UpsertVideo(c.Request.Context(), v); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, videoResponse(v))
}

func (h *VideoHandler) Get(c *gin.Context) {
	v, err := h.videos.GetVideo(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if v == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
		return
	}
	c.JSON(http.StatusOK, videoResponse(v))
}

// UploadDetections stores a CSV body of frame,x,y,w,h,score rows as the
// video's new detections version. Row order defines detection indices.
// Jobs already created keep reading the version they were enumerated from.
func (h *VideoHandler) UploadDetections(c *gin.Context) {
	ctx := c.Request.Context()
	videoID := c.Param("id")

	v, err := h.videos.GetVideo(ctx, videoID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if v == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxDetectionsUpload)
	dt, err := graph.ReadDetectionsCSV(body)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	dets, err := graph.ParseDetections(dt, v.FrameCount)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	version, err := h.videos.ReplaceDetections(ctx, videoID, dets)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	frames := map[int]struct{}{}
	for _, d := range dets {
		frames[d.Frame] = struct{}{}
	}
	c.JSON(http.StatusOK, dto.DetectionsResponse{
		VideoID:    videoID,
		Version:    version,
		Detections: len(dets),
		Frames:     len(frames),
	})
}

// Ingest asks the ingestor to decode a source into the video's frames. The
// video is registered with its frame count once decoding finishes.
func (h *VideoHandler) Ingest(c *gin.Context) {
	if h.ingest == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ingest is not available"})
		return
	}

	var req dto.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmd := models.IngestCommand{
		Action:  "ingest",
		VideoID: c.Param("id"),
		Source:  req.Source,
		FPS:     req.FPS,
		Width:   req.Width,
	}
	if err := h.ingest.PublishIngest(cmd); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"video_id": cmd.VideoID, "status": "ingesting"})
}
