package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FrameCallback is called for each extracted JPEG frame, in decode order.
// A non-nil error stops the extraction.
type FrameCallback func(frameData []byte) error

// FFmpegExtractor decodes a video file or URL into JPEG frames using FFmpeg.
type FFmpegExtractor struct {
	Binary string // defaults to "ffmpeg"

	mu     sync.Mutex
	cancel context.CancelFunc
	cmd    *exec.Cmd
}

// ExtractOptions selects the sampling of the decoded video.
type ExtractOptions struct {
	FPS     int // 0 keeps every frame
	Width   int // 0 keeps the source width
	Quality int // mjpeg qscale, 2 (best) to 31
}

func ffmpegArgs(source string, opts ExtractOptions) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
	}

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
			"-timeout", "10000000", // 10s (microseconds)
		)
	}

	args = append(args, "-i", source)

	var filters []string
	if opts.FPS > 0 {
		filters = append(filters, fmt.Sprintf("fps=%d", opts.FPS))
	}
	if opts.Width > 0 {
		filters = append(filters, fmt.Sprintf("scale=%d:-1", opts.Width))
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}

	quality := opts.Quality
	if quality <= 0 {
		quality = 2
	}
	return append(args,
		"-vsync", "0",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", strconv.Itoa(quality),
		"pipe:1",
	)
}

// Extract runs FFmpeg over source and calls the callback for each frame.
// It blocks until the video ends, the callback fails or ctx is cancelled,
// and returns the number of frames delivered.
func (f *FFmpegExtractor) Extract(ctx context.Context, source string, opts ExtractOptions, callback FrameCallback) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()

	defer cancel()

	bin := f.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	args := ffmpegArgs(source, opts)

	cmd := exec.CommandContext(ctx, bin, args...)
	f.mu.Lock()
	f.cmd = cmd
	f.mu.Unlock()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start ffmpeg: %w", err)
	}

	// Log stderr in background
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Warn("ffmpeg stderr", "output", scanner.Text())
		}
	}()

	n, err := readJPEGFrames(ctx, stdout, callback)
	if err != nil {
		cancelled := ctx.Err()
		cancel()
		_ = cmd.Wait()
		if cancelled != nil && !errors.Is(err, errCallback) {
			return n, cancelled
		}
		return n, fmt.Errorf("read frames: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		return n, fmt.Errorf("ffmpeg: %w", err)
	}
	return n, nil
}

// Stop terminates the FFmpeg process.
func (f *FFmpegExtractor) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancel != nil {
		f.cancel()
	}
	if f.cmd != nil && f.cmd.Process != nil {
		_ = f.cmd.Process.Kill()
	}
}

var errCallback = errors.New("frame callback")

// readJPEGFrames reads a stream of concatenated JPEG images.
// Tolerates initial EOF while ffmpeg is still opening the source (up to 5 seconds).
func readJPEGFrames(ctx context.Context, r io.Reader, callback FrameCallback) (int, error) {
	reader := bufio.NewReaderSize(r, 512*1024) // 512KB buffer
	framesRead := 0
	const maxStartupRetries = 50 // 50 * 100ms = 5s max wait for first frame
	startupRetries := 0

	for {
		if ctx.Err() != nil {
			return framesRead, ctx.Err()
		}

		// Find JPEG start marker: FF D8
		err := findJPEGStart(reader)
		if err != nil {
			if err == io.EOF {
				if framesRead == 0 && startupRetries < maxStartupRetries {
					startupRetries++
					time.Sleep(100 * time.Millisecond)
					continue
				}
				if framesRead > 0 {
					return framesRead, nil
				}
				return 0, fmt.Errorf("no frames received from ffmpeg (waited %.1fs)", float64(startupRetries)*0.1)
			}
			return framesRead, err
		}

		// Read until JPEG end marker: FF D9
		frameData, err := readUntilJPEGEnd(reader)
		if err != nil {
			if err == io.EOF && framesRead > 0 {
				return framesRead, nil // truncated trailing frame
			}
			return framesRead, err
		}

		if len(frameData) > 0 {
			if err := callback(frameData); err != nil {
				return framesRead, fmt.Errorf("%w %d: %w", errCallback, framesRead+1, err)
			}
			framesRead++
		}
	}
}

func findJPEGStart(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b != 0xFF {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return err
		}
		if b == 0xD8 {
			return nil
		}
	}
}

func readUntilJPEGEnd(r *bufio.Reader) ([]byte, error) {
	// Start with JPEG header
	data := []byte{0xFF, 0xD8}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)

		if b == 0xFF {
			next, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			data = append(data, next)
			if next == 0xD9 {
				return data, nil
			}
		}

		// Safety: max 10MB per frame
		if len(data) > 10*1024*1024 {
			return nil, fmt.Errorf("jpeg frame too large: %s bytes", strconv.Itoa(len(data)))
		}
	}
}
