package motion

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// ObjectStore is the subset of the object store the match sources use.
type ObjectStore interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// ObjectMatchSource reads precomputed match files from object storage.
type ObjectMatchSource struct {
	store ObjectStore
}

func NewObjectMatchSource(store ObjectStore) *ObjectMatchSource {
	return &ObjectMatchSource{store: store}
}

func (s *ObjectMatchSource) Matches(ctx context.Context, videoID string, fa, fb int) ([]Match, error) {
	data, err := s.store.GetObject(ctx, MatchKey(videoID, fa, fb))
	if err != nil {
		return nil, err
	}
	return ParseMatches(bytes.NewReader(data))
}

// FrameKeyFunc maps a video and 1-based frame number to the frame's object key.
type FrameKeyFunc func(videoID string, frame int) string

// ProcessMatchSource computes matches by running the deepmatching binary on
// two frames fetched from object storage. Results are written back under
// MatchKey when WriteBack is set.
type ProcessMatchSource struct {
	Binary    string
	Downscale int
	WriteBack bool

	store    ObjectStore
	frameKey FrameKeyFunc
}

func NewProcessMatchSource(binary string, downscale int, store ObjectStore, frameKey FrameKeyFunc) *ProcessMatchSource {
	return &ProcessMatchSource{
		Binary:    binary,
		Downscale: downscale,
		store:     store,
		frameKey:  frameKey,
	}
}

func (s *ProcessMatchSource) Matches(ctx context.Context, videoID string, fa, fb int) ([]Match, error) {
	dir, err := os.MkdirTemp("", "deepmatching-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	paths := [2]string{}
	for k, f := range [2]int{fa, fb} {
		data, err := s.store.GetObject(ctx, s.frameKey(videoID, f))
		if err != nil {
			return nil, fmt.Errorf("fetch frame %d: %w", f, err)
		}
		paths[k] = filepath.Join(dir, fmt.Sprintf("%d.jpg", f))
		if err := os.WriteFile(paths[k], data, 0o600); err != nil {
			return nil, fmt.Errorf("write frame %d: %w", f, err)
		}
	}

	args := []string{paths[0], paths[1]}
	if s.Downscale > 0 {
		args = append(args, "-downscale", strconv.Itoa(s.Downscale))
	}

	cmd := exec.CommandContext(ctx, s.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("deepmatching %d→%d: %w: %s", fa, fb, err, firstLine(stderr.Bytes()))
	}

	raw := stdout.Bytes()
	matches, err := ParseMatches(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	if s.WriteBack {
		if err := s.store.PutObject(ctx, MatchKey(videoID, fa, fb), raw, "text/plain"); err != nil {
			slog.Warn("store matches", "video", videoID, "fa", fa, "fb", fb, "error", err)
		}
	}
	return matches, nil
}

func firstLine(b []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(b))
	if scanner.Scan() {
		return scanner.Text()
	}
	return ""
}
