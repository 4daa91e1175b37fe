// Package motion computes correspondence costs between detections from
// dense point matches (DeepMatching output) between two frames.
package motion

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/your-org/trackgraph/internal/graph"
)

// Match is one point correspondence from frame A (X1, Y1) to frame B (X2, Y2).
type Match struct {
	X1, Y1 float64
	X2, Y2 float64
	Score  float64
}

// MatchSource returns the point matches between two frames of a video.
type MatchSource interface {
	Matches(ctx context.Context, videoID string, fa, fb int) ([]Match, error)
}

// MatchKey is the object key holding the matches between fa and fb.
func MatchKey(videoID string, fa, fb int) string {
	return fmt.Sprintf("matches/%s/%06d_%06d.txt", videoID, fa, fb)
}

// ParseMatches reads DeepMatching output: one "x1 y1 x2 y2 score index"
// line per match. Blank lines are ignored; the index column is optional.
func ParseMatches(r io.Reader) ([]Match, error) {
	var out []Match
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 5 {
			return nil, fmt.Errorf("parse matches line %d: %d fields, want at least 5", line, len(fields))
		}
		var v [5]float64
		for k := range v {
			f, err := strconv.ParseFloat(fields[k], 64)
			if err != nil {
				return nil, fmt.Errorf("parse matches line %d: %w", line, err)
			}
			v[k] = f
		}
		out = append(out, Match{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3], Score: v[4]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read matches: %w", err)
	}
	return out, nil
}

// FormatMatches writes matches in the format read by ParseMatches.
func FormatMatches(w io.Writer, matches []Match) error {
	bw := bufio.NewWriter(w)
	for k, m := range matches {
		if _, err := fmt.Fprintf(bw, "%g %g %g %g %g %d\n", m.X1, m.Y1, m.X2, m.Y2, m.Score, k); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func inside(x, y float64, b graph.Box) bool {
	return x >= b.X && x <= b.X+b.W && y >= b.Y && y <= b.Y+b.H
}

// MatchIoU is the intersection over union of the matches starting in a and
// the matches ending in b. It is 0 when neither box holds a match.
func MatchIoU(matches []Match, a, b graph.Box) float64 {
	var inter, union int
	for _, m := range matches {
		inA := inside(m.X1, m.Y1, a)
		inB := inside(m.X2, m.Y2, b)
		if inA && inB {
			inter++
		}
		if inA || inB {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
