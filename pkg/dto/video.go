package dto

type CreateVideoRequest struct {
	ID         string `json:"id" binding:"required"`
	FrameCount int    `json:"frame_count" binding:"required,min=1"`
	Source     string `json:"source"`
}

type VideoResponse struct {
	ID                string `json:"id"`
	FrameCount        int    `json:"frame_count"`
	Source            string `json:"source,omitempty"`
	DetectionsVersion int    `json:"detections_version"`
	CreatedAt         string `json:"created_at"`
}

type DetectionsResponse struct {
	VideoID    string `json:"video_id"`
	Version    int    `json:"detections_version"`
	Detections int    `json:"detections"`
	Frames     int    `json:"frames_with_detections"`
}

type IngestRequest struct {
	Source string `json:"source" binding:"required"`
	FPS    int    `json:"fps" binding:"omitempty,min=1"`
	Width  int    `json:"width" binding:"omitempty,min=16"`
}
