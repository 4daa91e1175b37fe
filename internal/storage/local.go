package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore keeps objects as files under a root directory using the same
// key layout as the bucket (frames/<video>/000001.jpg, matches/..., weights/...).
type LocalStore struct {
	root string
}

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *LocalStore) GetObject(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return data, nil
}

func (s *LocalStore) PutObject(_ context.Context, key string, data []byte, _ string) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// FrameDir is the directory holding a video's numbered frames.
func (s *LocalStore) FrameDir(videoID string) string {
	return s.path(FramePrefix(videoID))
}
