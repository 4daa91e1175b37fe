package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/your-org/trackgraph/internal/models"
	"github.com/your-org/trackgraph/internal/observability"
	"github.com/your-org/trackgraph/internal/storage"
)

// FrameStore is the object storage the manager writes frames to.
type FrameStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	DeleteObjects(ctx context.Context, keys []string) error
}

// VideoRegistry records a decoded video's frame count.
type VideoRegistry interface {
	UpsertVideo(ctx context.Context, v *models.Video) error
}

// Extractor decodes a source into frames.
type Extractor interface {
	Extract(ctx context.Context, source string, opts ExtractOptions, callback FrameCallback) (int, error)
	Stop()
}

type activeIngest struct {
	cancel    context.CancelFunc
	extractor Extractor
	done      chan struct{}
}

// Manager runs video ingests: each decodes a source into 1-based numbered
// frames in object storage and then registers the video's frame count.
type Manager struct {
	frames FrameStore
	videos VideoRegistry

	// NewExtractor is overridable for tests.
	NewExtractor func() Extractor
	// Resolve maps a page URL to a direct media URL; nil disables resolution.
	Resolve func(ctx context.Context, source string) (string, error)
	// MaxRetries bounds extraction attempts after the first.
	MaxRetries int

	mu      sync.RWMutex
	ingests map[string]*activeIngest
}

func NewManager(frames FrameStore, videos VideoRegistry) *Manager {
	return &Manager{
		frames:       frames,
		videos:       videos,
		NewExtractor: func() Extractor { return &FFmpegExtractor{} },
		Resolve: func(ctx context.Context, source string) (string, error) {
			if IsYouTube(source) {
				return ResolveYouTubeURL(ctx, source)
			}
			return source, nil
		},
		MaxRetries: 3,
		ingests:    make(map[string]*activeIngest),
	}
}

// HandleCommand processes an ingest command.
func (m *Manager) HandleCommand(ctx context.Context, cmd models.IngestCommand) error {
	switch cmd.Action {
	case "ingest":
		return m.Start(ctx, cmd)
	case "stop":
		m.Stop(cmd.VideoID)
		return nil
	default:
		return fmt.Errorf("unknown action: %s", cmd.Action)
	}
}

// Start launches an ingest in the background.
func (m *Manager) Start(ctx context.Context, cmd models.IngestCommand) error {
	if cmd.VideoID == "" || cmd.Source == "" {
		return fmt.Errorf("ingest needs video_id and source")
	}

	ingestCtx, cancel := context.WithCancel(ctx)
	ai := &activeIngest{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if _, exists := m.ingests[cmd.VideoID]; exists {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("video %s is already being ingested", cmd.VideoID)
	}
	m.ingests[cmd.VideoID] = ai
	m.mu.Unlock()

	observability.ActiveIngests.Inc()
	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.ingests, cmd.VideoID)
			m.mu.Unlock()
			observability.ActiveIngests.Dec()
			close(ai.done)
		}()

		if _, err := m.run(ingestCtx, ai, cmd); err != nil {
			slog.Error("ingest failed", "video_id", cmd.VideoID, "error", err)
		}
	}()
	return nil
}

// Ingest decodes cmd.Source synchronously and returns the frame count.
func (m *Manager) Ingest(ctx context.Context, cmd models.IngestCommand) (int, error) {
	return m.run(ctx, &activeIngest{}, cmd)
}

func (m *Manager) run(ctx context.Context, ai *activeIngest, cmd models.IngestCommand) (int, error) {
	source := cmd.Source
	logger := slog.With("video_id", cmd.VideoID)

	if err := m.clear(ctx, cmd.VideoID); err != nil {
		return 0, err
	}

	var (
		count int
		err   error
	)
	for attempt := 0; attempt <= m.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt)) * time.Second // 2s, 4s, 8s
			logger.Warn("retrying frame extraction", "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
			if cerr := m.clear(ctx, cmd.VideoID); cerr != nil {
				return 0, cerr
			}
		}

		// Resolved URLs expire, so resolve on every attempt.
		if m.Resolve != nil {
			resolved, rerr := m.Resolve(ctx, cmd.Source)
			if rerr != nil {
				err = fmt.Errorf("resolve source: %w", rerr)
				continue
			}
			source = resolved
		}

		extractor := m.NewExtractor()
		m.mu.Lock()
		ai.extractor = extractor
		m.mu.Unlock()

		logger.Info("extracting frames", "fps", cmd.FPS, "width", cmd.Width, "attempt", attempt)
		count, err = extractor.Extract(ctx, source, ExtractOptions{FPS: cmd.FPS, Width: cmd.Width}, m.uploader(ctx, cmd.VideoID))
		if err == nil || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return 0, err
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if count == 0 {
		return 0, fmt.Errorf("no frames decoded from %s", cmd.Source)
	}

	v := &models.Video{ID: cmd.VideoID, FrameCount: count, Source: cmd.Source}
	if err := m.videos.UpsertVideo(ctx, v); err != nil {
		return 0, fmt.Errorf("register video: %w", err)
	}
	logger.Info("video ingested", "frames", count)
	return count, nil
}

// uploader stores frames under consecutive 1-based keys. A retried
// extraction starts again at frame 1 and overwrites the earlier keys.
func (m *Manager) uploader(ctx context.Context, videoID string) FrameCallback {
	n := 0
	counter := observability.FramesIngested.WithLabelValues(videoID)
	return func(frame []byte) error {
		n++
		if err := m.frames.PutObject(ctx, storage.FrameKey(videoID, n), frame, "image/jpeg"); err != nil {
			return fmt.Errorf("upload frame %d: %w", n, err)
		}
		counter.Inc()
		return nil
	}
}

// clear removes frames left by an earlier ingest of the same video.
func (m *Manager) clear(ctx context.Context, videoID string) error {
	keys, err := m.frames.ListObjects(ctx, storage.FramePrefix(videoID))
	if err != nil {
		return fmt.Errorf("list old frames: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.frames.DeleteObjects(ctx, keys); err != nil {
		return fmt.Errorf("delete old frames: %w", err)
	}
	slog.Info("deleted old frames", "video_id", videoID, "deleted", len(keys))
	return nil
}

// Stop cancels a running ingest and waits for it to exit.
func (m *Manager) Stop(videoID string) {
	m.mu.RLock()
	ai, exists := m.ingests[videoID]
	var extractor Extractor
	if exists {
		extractor = ai.extractor
	}
	m.mu.RUnlock()

	if !exists {
		return
	}
	if extractor != nil {
		extractor.Stop()
	}
	ai.cancel()
	<-ai.done
	slog.Info("ingest stopped", "video_id", videoID)
}

// ActiveCount returns the number of running ingests.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ingests)
}

// StopAll stops every running ingest.
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.ingests))
	for id := range m.ingests {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Stop(id)
	}
}

// ParseCommand parses a NATS message into an IngestCommand.
func ParseCommand(data []byte) (models.IngestCommand, error) {
	var cmd models.IngestCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("parse command: %w", err)
	}
	return cmd, nil
}
