package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/trackgraph/internal/api/handlers"
	"github.com/your-org/trackgraph/internal/api/ws"
	"github.com/your-org/trackgraph/internal/auth"
)

type RouterConfig struct {
	APIKey    string
	Videos    handlers.VideoStore
	Jobs      handlers.JobStore
	Publisher handlers.BatchPublisher
	Ingest    handlers.IngestPublisher
	Hub       *ws.Hub
	Checks    []handlers.Check

	// Job defaults.
	DMax      int
	BatchSize int
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Checks...)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	if cfg.Hub != nil {
		v1.GET("/ws", cfg.Hub.HandleWS)
	}

	// Videos
	videoH := handlers.NewVideoHandler(cfg.Videos, cfg.Ingest)
	v1.POST("/videos", videoH.Create)
	v1.GET("/videos/:id", videoH.Get)
	v1.POST("/videos/:id/detections", videoH.UploadDetections)
	v1.POST("/videos/:id/ingest", videoH.Ingest)

	// Jobs
	jobH := handlers.NewJobHandler(cfg.Videos, cfg.Jobs, cfg.Publisher, cfg.DMax, cfg.BatchSize)
	v1.POST("/videos/:id/jobs", jobH.Create)
	v1.GET("/jobs/:id", jobH.Get)
	v1.GET("/jobs/:id/edges", jobH.Edges)

	return r
}
