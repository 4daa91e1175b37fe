package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/trackgraph/internal/config"
	"github.com/your-org/trackgraph/internal/graph"
	"github.com/your-org/trackgraph/internal/models"
	"github.com/your-org/trackgraph/internal/observability"
	"github.com/your-org/trackgraph/internal/queue"
	"github.com/your-org/trackgraph/internal/storage"
	"github.com/your-org/trackgraph/internal/vision"
	"github.com/your-org/trackgraph/internal/worker"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting trackgraph edge worker",
		"workers", cfg.Graph.Workers,
		"cpu_cores", runtime.NumCPU(),
	)

	// Initialize ONNX Runtime
	ort.SetSharedLibraryPath(vision.ONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}

	// Weight table
	weights, err := minioStore.LoadWeights(context.Background(), cfg.Graph.WeightKey)
	if err != nil {
		slog.Error("load weight table", "key", cfg.Graph.WeightKey, "error", err)
		os.Exit(1)
	}
	if err := weights.Covers(cfg.Graph.DMax); err != nil {
		slog.Error("weight table does not cover window", "dmax", cfg.Graph.DMax, "error", err)
		os.Exit(1)
	}
	slog.Info("weight table loaded", "key", cfg.Graph.WeightKey, "offsets", weights.Offsets())

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	stack, err := worker.BuildStack(worker.StackOptions{
		Vision:   cfg.Vision,
		Motion:   cfg.Motion,
		Redis:    cfg.Redis,
		CropSize: cfg.Graph.CropSize,
		Weights:  weights,
		Store:    minioStore,
		FrameKey: storage.FrameKey,
	})
	if err != nil {
		slog.Error("init edge stack", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	pipeline, err := worker.NewPipeline(worker.Deps{
		Batcher:   stack.Batcher,
		Extractor: vision.NewCropper(),
		Frames: func(videoID string, frameCount int) graph.FrameSource {
			return minioStore.Frames(videoID, frameCount)
		},
		Videos:   db,
		Edges:    db,
		Results:  producer,
		CropSize: cfg.Graph.CropSize,
	})
	if err != nil {
		slog.Error("init pipeline", "error", err)
		os.Exit(1)
	}

	slog.Info("edge pipeline initialized")

	// Create NATS consumer
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start consuming batch tasks
	err = consumer.ConsumeBatches(ctx, "edge-workers", func(ctx context.Context, msg jetstream.Msg) error {
		var task models.BatchTask
		if err := json.Unmarshal(msg.Data(), &task); err != nil {
			slog.Error("unmarshal batch task", "error", err)
			return nil // Don't retry on unmarshal errors
		}

		if err := pipeline.ProcessBatch(ctx, task, queue.FinalDelivery(msg)); err != nil {
			return fmt.Errorf("process batch %s/%d: %w", task.JobID, task.Batch, err)
		}
		return nil
	}, cfg.Graph.Workers, 0)
	if err != nil {
		slog.Error("start batch consumer", "error", err)
		os.Exit(1)
	}

	// Metrics endpoint
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		slog.Info("worker metrics listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	// Periodically report queue depth
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depth, err := producer.QueueDepth(ctx)
				if err == nil {
					observability.QueueDepth.Set(float64(depth))
				}
				slog.Debug("worker state", "indexes", pipeline.Indexed(), "match_sets", stack.Motion.Cached())
			}
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	cancel()
	time.Sleep(2 * time.Second)
	slog.Info("worker stopped")
}
