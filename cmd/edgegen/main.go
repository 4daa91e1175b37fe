// Command edgegen builds the weighted candidate edges of one video in a
// single process and writes them to a SQLite file.
//
// The data directory mirrors the bucket layout:
//
//	<data>/frames/<video>/000001.jpg ...
//	<data>/matches/<video>/000001_000002.txt ...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/trackgraph/internal/config"
	"github.com/your-org/trackgraph/internal/graph"
	"github.com/your-org/trackgraph/internal/observability"
	"github.com/your-org/trackgraph/internal/storage"
	"github.com/your-org/trackgraph/internal/vision"
	"github.com/your-org/trackgraph/internal/worker"
)

func main() {
	var (
		detPath   = flag.String("detections", "", "CSV of frame,x,y,w,h,score rows")
		dataDir   = flag.String("data", ".", "directory with frames/ and matches/")
		videoID   = flag.String("video", "", "video id under <data>/frames")
		weights   = flag.String("weights", "", "weight table YAML")
		modelsDir = flag.String("models", "models", "directory of ONNX models")
		model     = flag.String("model", "stacknet64x64.onnx", "re-identification model file")
		out       = flag.String("out", "edges.db", "output SQLite file")
		dmax      = flag.Int("dmax", 50, "temporal window")
		batchSize = flag.Int("batch", 5000, "pairs per batch")
		workers   = flag.Int("workers", 4, "concurrent batches")
		cropSize  = flag.Int("crop", graph.DefaultCropW, "crop edge length")
		dmBinary  = flag.String("deepmatching", "", "compute missing matches with this binary")
		redisAddr = flag.String("redis", "", "share motion costs through this Redis")
		logLevel  = flag.String("log-level", "info", "debug, info, warn or error")
	)
	flag.Parse()

	observability.SetupLogger(*logLevel, "text")

	if *detPath == "" || *videoID == "" || *weights == "" {
		fmt.Fprintln(os.Stderr, "usage: edgegen -detections dets.csv -video ID -weights w.yaml [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, options{
		detections: *detPath,
		data:       *dataDir,
		video:      *videoID,
		weights:    *weights,
		out:        *out,
		dmax:       *dmax,
		batchSize:  *batchSize,
		workers:    *workers,
		cropSize:   *cropSize,
		vision:     config.VisionConfig{ModelsDir: *modelsDir, ReIDModel: *model, ReIDBatch: 256},
		motion: config.MotionConfig{
			Binary:       *dmBinary,
			Downscale:    2,
			MatchCache:   512,
			CostTTL:      24 * time.Hour,
			WriteMatches: *dmBinary != "",
		},
		redis: config.RedisConfig{Addr: *redisAddr, PoolSize: 10},
	})
	if err != nil {
		slog.Error("edgegen failed", "error", err)
		os.Exit(1)
	}
}

type options struct {
	detections, data, video, weights, out string

	dmax, batchSize, workers, cropSize int

	vision config.VisionConfig
	motion config.MotionConfig
	redis  config.RedisConfig
}

func run(ctx context.Context, o options) error {
	f, err := os.Open(o.detections)
	if err != nil {
		return err
	}
	dt, err := graph.ReadDetectionsCSV(f)
	f.Close()
	if err != nil {
		return err
	}

	wf, err := os.Open(o.weights)
	if err != nil {
		return err
	}
	table, err := graph.LoadWeights(wf)
	wf.Close()
	if err != nil {
		return fmt.Errorf("weights %s: %w", o.weights, err)
	}
	if err := table.Covers(o.dmax); err != nil {
		return err
	}

	store := storage.NewLocalStore(o.data)
	frames, err := vision.OpenDirFrames(store.FrameDir(o.video))
	if err != nil {
		return err
	}

	ort.SetSharedLibraryPath(vision.ONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init onnx runtime: %w", err)
	}
	defer ort.DestroyEnvironment()

	stack, err := worker.BuildStack(worker.StackOptions{
		Vision:   o.vision,
		Motion:   o.motion,
		Redis:    o.redis,
		CropSize: o.cropSize,
		Weights:  table,
		Store:    store,
		FrameKey: storage.FrameKey,
	})
	if err != nil {
		return err
	}
	defer stack.Close()

	start := time.Now()
	idx, err := graph.NewDetectionIndex(ctx, dt, frames, vision.NewCropper(),
		graph.IndexOptions{CropW: o.cropSize, CropH: o.cropSize})
	if err != nil {
		return err
	}
	observability.IndexBuildDuration.Observe(time.Since(start).Seconds())
	slog.Info("detection index built", "detections", idx.Len(), "frames", idx.LastFrame(), "duration", time.Since(start).String())

	pairs, err := graph.EnumeratePairs(ctx, idx, o.dmax, graph.EnumerateOptions{
		Progress: func(frame, last, n int) {
			slog.Debug("enumerating pairs", "frame", frame, "last_frame", last, "pairs", n)
		},
	})
	if err != nil {
		return err
	}
	observability.PairsEnumerated.WithLabelValues(o.video).Add(float64(len(pairs)))
	slog.Info("pairs enumerated", "pairs", len(pairs), "dmax", o.dmax)

	runner, err := graph.NewRunner(stack.Batcher, o.batchSize, o.workers)
	if err != nil {
		return err
	}
	batches, runErr := runner.Run(ctx, idx, o.video, o.dmax, pairs)
	records := graph.Concat(batches)

	w, err := storage.OpenSQLiteEdgeWriter(o.out)
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Write(ctx, records); err != nil {
		return err
	}
	slog.Info("edges written", "out", o.out, "edges", len(records), "duration", time.Since(start).String())

	if runErr != nil {
		var be *graph.BatchError
		failed := 0
		for _, e := range unwrapAll(runErr) {
			if errors.As(e, &be) {
				failed++
				slog.Error("batch failed", "batch", be.Batch, "kind", graph.FailureKind(be.Err), "error", be.Err)
			}
		}
		return fmt.Errorf("%d of %d batches failed", failed, len(batches))
	}
	return nil
}

func unwrapAll(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
