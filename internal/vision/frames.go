package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// FrameName returns the file name of 1-based frame n.
func FrameName(n int) string {
	return fmt.Sprintf("%06d.jpg", n)
}

// DirFrames serves frames stored as numbered JPEG files (000001.jpg, ...).
type DirFrames struct {
	dir   string
	count int
}

// OpenDirFrames counts the .jpg files in dir. Frames must be numbered
// contiguously from 1.
func OpenDirFrames(dir string) (*DirFrames, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".jpg") {
			count++
		}
	}
	if count > 0 {
		if _, err := os.Stat(filepath.Join(dir, FrameName(count))); err != nil {
			return nil, fmt.Errorf("frame dir %s: %d frames but %s missing", dir, count, FrameName(count))
		}
	}
	return &DirFrames{dir: dir, count: count}, nil
}

func (d *DirFrames) FrameCount() int { return d.count }

func (d *DirFrames) Frame(_ context.Context, n int) (image.Image, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, FrameName(n)))
	if err != nil {
		return nil, fmt.Errorf("read frame %d: %w", n, err)
	}
	return DecodeFrame(data)
}

// DecodeFrame decodes a JPEG or PNG frame.
func DecodeFrame(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// ONNXLibPath returns the ONNX Runtime shared library name for this OS.
func ONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
