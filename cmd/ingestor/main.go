package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/trackgraph/internal/config"
	"github.com/your-org/trackgraph/internal/ingest"
	"github.com/your-org/trackgraph/internal/models"
	"github.com/your-org/trackgraph/internal/observability"
	"github.com/your-org/trackgraph/internal/queue"
	"github.com/your-org/trackgraph/internal/storage"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	videoID := flag.String("video", "", "ingest this video once and exit (requires -source)")
	source := flag.String("source", "", "video file or URL for -video")
	fps := flag.Int("fps", 0, "sample rate for -video; 0 keeps every frame")
	width := flag.Int("width", 0, "output width for -video; 0 keeps the source width")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting trackgraph ingestor")

	// Connect to Postgres (video registration)
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

	manager := ingest.NewManager(minioStore, db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One-shot mode
	if *videoID != "" {
		if *source == "" {
			fmt.Fprintln(os.Stderr, "-video requires -source")
			os.Exit(2)
		}
		n, err := manager.Ingest(ctx, models.IngestCommand{
			Action: "ingest", VideoID: *videoID, Source: *source, FPS: *fps, Width: *width,
		})
		if err != nil {
			slog.Error("ingest", "video_id", *videoID, "error", err)
			os.Exit(1)
		}
		slog.Info("ingest complete", "video_id", *videoID, "frames", n)
		return
	}

	// Subscribe to ingest commands via NATS (raw subject, not JetStream)
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		slog.Error("connect to nats for commands", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	_, err = nc.Subscribe(queue.IngestSubject, func(msg *nats.Msg) {
		cmd, err := ingest.ParseCommand(msg.Data)
		if err != nil {
			slog.Error("parse command", "error", err)
			return
		}

		slog.Info("received command", "action", cmd.Action, "video_id", cmd.VideoID)
		if err := manager.HandleCommand(ctx, cmd); err != nil {
			slog.Error("handle command", "error", err, "action", cmd.Action, "video_id", cmd.VideoID)
		}
	})
	if err != nil {
		slog.Error("subscribe to commands", "error", err)
		os.Exit(1)
	}

	// Metrics endpoint
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort+1)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		slog.Info("ingestor metrics listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down ingestor...", "active", manager.ActiveCount())
	manager.StopAll()
	cancel()
	slog.Info("ingestor stopped")
}
