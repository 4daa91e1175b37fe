package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/your-org/trackgraph/internal/config"
	"github.com/your-org/trackgraph/internal/graph"
	"github.com/your-org/trackgraph/internal/vision"
)

type MinIOStore struct {
	client *minio.Client
	bucket string
}

func NewMinIOStore(cfg config.MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinIOStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// FrameKey is the object key of 1-based frame n of a video.
func FrameKey(videoID string, n int) string {
	return fmt.Sprintf("frames/%s/%s", videoID, vision.FrameName(n))
}

// FramePrefix is the key prefix under which a video's frames are stored.
func FramePrefix(videoID string) string {
	return fmt.Sprintf("frames/%s/", videoID)
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// PutObject uploads data under the given key.
func (s *MinIOStore) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// GetObject retrieves an object by key.
func (s *MinIOStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// ListObjects returns all object keys under the given prefix.
func (s *MinIOStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// DeleteObjects removes multiple objects in a single batch request.
func (s *MinIOStore) DeleteObjects(ctx context.Context, keys []string) error {
	objectsCh := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objectsCh <- minio.ObjectInfo{Key: key}
	}
	close(objectsCh)
	for result := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return fmt.Errorf("delete object %s: %w", result.ObjectName, result.Err)
		}
	}
	return nil
}

// LoadWeights fetches and decodes a YAML weight table.
func (s *MinIOStore) LoadWeights(ctx context.Context, key string) (*graph.DenseWeights, error) {
	data, err := s.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	w, err := graph.LoadWeights(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("weights %s: %w", key, err)
	}
	return w, nil
}

// Frames returns a frame source over a video stored in this bucket.
func (s *MinIOStore) Frames(videoID string, frameCount int) *MinIOFrames {
	return &MinIOFrames{store: s, videoID: videoID, count: frameCount}
}

// Ping checks MinIO connectivity.
func (s *MinIOStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

// MinIOFrames implements graph.FrameSource over FrameKey objects.
type MinIOFrames struct {
	store   *MinIOStore
	videoID string
	count   int
}

func (f *MinIOFrames) FrameCount() int { return f.count }

func (f *MinIOFrames) Frame(ctx context.Context, n int) (image.Image, error) {
	data, err := f.store.GetObject(ctx, FrameKey(f.videoID, n))
	if err != nil {
		return nil, err
	}
	return vision.DecodeFrame(data)
}
