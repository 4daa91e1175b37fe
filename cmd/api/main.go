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
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/trackgraph/internal/api"
	"github.com/your-org/trackgraph/internal/api/handlers"
	"github.com/your-org/trackgraph/internal/api/ws"
	"github.com/your-org/trackgraph/internal/config"
	"github.com/your-org/trackgraph/internal/models"
	"github.com/your-org/trackgraph/internal/observability"
	"github.com/your-org/trackgraph/internal/queue"
	"github.com/your-org/trackgraph/internal/storage"
	"github.com/your-org/trackgraph/pkg/dto"
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

	slog.Info("starting trackgraph API service", "port", cfg.Server.Port)

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
	if err := minioStore.EnsureBucket(context.Background()); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	// WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Start result consumer to broadcast job progress via WebSocket
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create result consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = consumer.ConsumeResults(ctx, "api-results", func(ctx context.Context, msg jetstream.Msg) error {
		var res models.BatchResult
		if err := json.Unmarshal(msg.Data(), &res); err != nil {
			slog.Error("unmarshal batch result", "error", err)
			return nil
		}

		if res.Last() {
			observability.ActiveJobs.Dec()
		}

		hub.BroadcastProgress(&dto.WSJobProgress{
			Type:          "batch",
			JobID:         res.JobID,
			VideoID:       res.VideoID,
			Batch:         res.Batch,
			Edges:         res.Edges,
			Error:         res.Error,
			DoneBatches:   res.DoneBatches,
			FailedBatches: res.FailedBatches,
			TotalBatches:  res.TotalBatches,
			Status:        string(res.Status),
			Timestamp:     res.Finished.Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		slog.Warn("start result consumer", "error", err)
	}

	// Periodically report queue depth
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if depth, err := producer.QueueDepth(ctx); err == nil {
					observability.QueueDepth.Set(float64(depth))
				}
			}
		}
	}()

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKey:    cfg.Server.APIKey,
		Videos:    db,
		Jobs:      db,
		Publisher: producer,
		Ingest:    producer,
		Hub:       hub,
		Checks: []handlers.Check{
			{Name: "postgres", Probe: db.Ping},
			{Name: "minio", Probe: minioStore.Ping},
			{Name: "nats", Probe: func(context.Context) error { return producer.Ping() }},
		},
		DMax:      cfg.Graph.DMax,
		BatchSize: cfg.Graph.BatchSize,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}
