package worker

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/your-org/trackgraph/internal/config"
	"github.com/your-org/trackgraph/internal/graph"
	"github.com/your-org/trackgraph/internal/motion"
	"github.com/your-org/trackgraph/internal/vision"
)

// Stack holds the long-lived collaborators behind a Batcher.
type Stack struct {
	Batcher    *graph.Batcher
	Comparator *vision.Comparator
	Motion     *motion.DeepMatching

	closers []func()
}

// StackOptions configures BuildStack. The ONNX Runtime environment must be
// initialised by the caller.
type StackOptions struct {
	Vision   config.VisionConfig
	Motion   config.MotionConfig
	Redis    config.RedisConfig
	CropSize int
	Weights  graph.WeightTable

	// Store serves match files and, when a deepmatching binary is
	// configured, the frames it runs on.
	Store    motion.ObjectStore
	FrameKey motion.FrameKeyFunc
}

// BuildStack loads the re-identification model and assembles the motion
// oracle and batcher.
func BuildStack(opts StackOptions) (*Stack, error) {
	s := &Stack{}

	modelPath := filepath.Join(opts.Vision.ModelsDir, opts.Vision.ReIDModel)
	slog.Info("loading re-identification model", "path", modelPath)
	cmp, err := vision.NewComparator(modelPath, vision.ComparatorOptions{
		BatchSize: opts.Vision.ReIDBatch,
		CropW:     opts.CropSize,
		CropH:     opts.CropSize,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("load comparator: %w", err)
	}
	s.Comparator = cmp
	s.closers = append(s.closers, cmp.Close)

	var source motion.MatchSource
	if opts.Motion.Binary != "" {
		ps := motion.NewProcessMatchSource(opts.Motion.Binary, opts.Motion.Downscale, opts.Store, opts.FrameKey)
		ps.WriteBack = opts.Motion.WriteMatches
		source = ps
		slog.Info("motion matches computed on demand", "binary", opts.Motion.Binary)
	} else {
		source = motion.NewObjectMatchSource(opts.Store)
		slog.Info("motion matches read from precomputed files")
	}

	var costs motion.CostCache
	if opts.Redis.Addr != "" {
		rc, err := motion.NewRedisCache(opts.Redis, opts.Motion.CostTTL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("connect cost cache: %w", err)
		}
		costs = rc
		s.closers = append(s.closers, func() { _ = rc.Close() })
	} else {
		costs = motion.NewMemoryCache()
	}
	s.Motion = motion.NewDeepMatching(source, costs, opts.Motion.MatchCache)

	b, err := graph.NewBatcher(graph.Collaborators{
		Spatial:    vision.IoUAffinity{},
		Motion:     s.Motion,
		Appearance: cmp,
		Normalizer: vision.VGGNormalizer{},
		Weights:    opts.Weights,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Batcher = b
	return s, nil
}

// Close releases the model session and cache connections.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
