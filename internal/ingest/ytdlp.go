package ingest

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
)

// IsYouTube reports whether source is a YouTube page URL rather than a
// direct media location.
func IsYouTube(source string) bool {
	u, err := url.Parse(source)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return host == "youtube.com" || host == "m.youtube.com" || host == "youtu.be"
}

// ResolveYouTubeURL uses yt-dlp to get the direct media URL from a YouTube link.
func ResolveYouTubeURL(ctx context.Context, youtubeURL string) (string, error) {
	cmd := exec.CommandContext(ctx, "yt-dlp",
		"--get-url",
		"--format", "best[height<=1080][vcodec!=none]",
		"--no-playlist",
		youtubeURL,
	)

	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("yt-dlp failed: %w", err)
	}

	// yt-dlp may print separate video and audio URLs; the first is the video
	raw := strings.TrimSpace(string(output))
	direct := strings.TrimSpace(strings.SplitN(raw, "\n", 2)[0])
	if direct == "" {
		return "", fmt.Errorf("yt-dlp returned empty URL")
	}
	return direct, nil
}
