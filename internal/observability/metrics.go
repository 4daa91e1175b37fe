package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PairsEnumerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackgraph",
		Name:      "pairs_enumerated_total",
		Help:      "Total number of candidate pairs enumerated",
	}, []string{"video_id"})

	PairsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trackgraph",
		Name:      "pairs_dropped_total",
		Help:      "Candidate pairs dropped by the batcher because their offset reached the window",
	})

	EdgesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trackgraph",
		Name:      "edges_emitted_total",
		Help:      "Total number of weighted edges produced",
	})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trackgraph",
		Name:      "batch_duration_seconds",
		Help:      "Duration of one edge feature batch",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	BatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackgraph",
		Name:      "batch_failures_total",
		Help:      "Failed batches by failure kind",
	}, []string{"kind"})

	CollaboratorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trackgraph",
		Name:      "collaborator_duration_seconds",
		Help:      "Time spent in external collaborators per batch",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"collaborator"})

	IndexBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trackgraph",
		Name:      "index_build_duration_seconds",
		Help:      "Time to build a detection index including crop extraction",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trackgraph",
		Name:      "queue_depth",
		Help:      "Number of pending batch tasks in queue",
	})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trackgraph",
		Name:      "active_jobs",
		Help:      "Number of edge jobs with outstanding batches",
	})

	FramesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackgraph",
		Name:      "frames_ingested_total",
		Help:      "Frames decoded and uploaded per video",
	}, []string{"video_id"})

	ActiveIngests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trackgraph",
		Name:      "active_ingests",
		Help:      "Number of videos currently being decoded",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trackgraph",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trackgraph",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
