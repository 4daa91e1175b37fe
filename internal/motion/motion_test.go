package motion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/trackgraph/internal/graph"
)

func TestParseMatches(t *testing.T) {
	src := "10 20 12 22 3.5 0\n\n30 40 31 41 1.25\n"
	got, err := ParseMatches(strings.NewReader(src))
	require.NoError(t, err)

	want := []Match{
		{X1: 10, Y1: 20, X2: 12, Y2: 22, Score: 3.5},
		{X1: 30, Y1: 40, X2: 31, Y2: 41, Score: 1.25},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("matches mismatch (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	require.NoError(t, FormatMatches(&buf, got))
	again, err := ParseMatches(&buf)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestParseMatchesErrors(t *testing.T) {
	_, err := ParseMatches(strings.NewReader("1 2 3\n"))
	assert.Error(t, err)
	_, err = ParseMatches(strings.NewReader("1 2 3 x 5\n"))
	assert.Error(t, err)
}

func TestMatchIoU(t *testing.T) {
	a := graph.Box{X: 0, Y: 0, W: 10, H: 10}
	b := graph.Box{X: 100, Y: 100, W: 10, H: 10}
	matches := []Match{
		{X1: 5, Y1: 5, X2: 105, Y2: 105},   // a → b
		{X1: 6, Y1: 6, X2: 106, Y2: 106},   // a → b
		{X1: 5, Y1: 5, X2: 50, Y2: 50},     // a → elsewhere
		{X1: 50, Y1: 50, X2: 101, Y2: 101}, // elsewhere → b
		{X1: 50, Y1: 50, X2: 60, Y2: 60},   // unrelated
	}

	assert.InDelta(t, 0.5, MatchIoU(matches, a, b), 1e-12)
	assert.Equal(t, 0.0, MatchIoU(nil, a, b))
	assert.Equal(t, 0.0, MatchIoU(matches[4:], a, b))
}

func TestMatchKey(t *testing.T) {
	assert.Equal(t, "matches/v1/000003_000010.txt", MatchKey("v1", 3, 10))
}

type countingSource struct {
	mu      sync.Mutex
	calls   map[string]int
	matches []Match
	err     error
}

func (s *countingSource) Matches(_ context.Context, videoID string, fa, fb int) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[fmt.Sprintf("%s:%d:%d", videoID, fa, fb)]++
	return s.matches, s.err
}

func TestDeepMatchingSameFrameCostsZero(t *testing.T) {
	src := &countingSource{}
	d := NewDeepMatching(src, nil, 4)

	cost, err := d.Cost(context.Background(), "v", 3, graph.Box{W: 1, H: 1}, 3, graph.Box{W: 1, H: 1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, cost)
	assert.Empty(t, src.calls)
}

func TestDeepMatchingMemoisesMatchSets(t *testing.T) {
	src := &countingSource{matches: []Match{{X1: 1, Y1: 1, X2: 1, Y2: 1}}}
	d := NewDeepMatching(src, nil, 2)
	box := graph.Box{X: 0, Y: 0, W: 2, H: 2}
	ctx := context.Background()

	for k := 0; k < 3; k++ {
		cost, err := d.Cost(ctx, "v", 1, box, 2, box)
		require.NoError(t, err)
		assert.Equal(t, 1.0, cost)
	}
	assert.Equal(t, 1, src.calls["v:1:2"])

	// Fill past capacity: 1→2 is the least recently used and gets evicted.
	_, _ = d.Cost(ctx, "v", 2, box, 3, box)
	_, _ = d.Cost(ctx, "v", 3, box, 4, box)
	assert.Equal(t, 2, d.Cached())
	_, _ = d.Cost(ctx, "v", 1, box, 2, box)
	assert.Equal(t, 2, src.calls["v:1:2"])
}

func TestDeepMatchingUsesCostCache(t *testing.T) {
	src := &countingSource{}
	cache := NewMemoryCache()
	d := NewDeepMatching(src, cache, 1)
	a := graph.Box{X: 1, Y: 2, W: 3, H: 4}
	b := graph.Box{X: 5, Y: 6, W: 7, H: 8}

	require.NoError(t, cache.Set(context.Background(), CostKey("v", 1, a, 4, b), 0.75))
	cost, err := d.Cost(context.Background(), "v", 1, a, 4, b)
	require.NoError(t, err)
	assert.Equal(t, 0.75, cost)
	assert.Empty(t, src.calls)

	_, err = d.Cost(context.Background(), "v", 1, a, 5, b)
	require.NoError(t, err)
	v, ok, err := cache.Get(context.Background(), CostKey("v", 1, a, 5, b))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.0, v)
}

func TestDeepMatchingSourceError(t *testing.T) {
	src := &countingSource{err: errors.New("no such key")}
	d := NewDeepMatching(src, nil, 1)

	_, err := d.Cost(context.Background(), "v", 1, graph.Box{}, 2, graph.Box{})
	require.Error(t, err)
	assert.Equal(t, 0, d.Cached())
}

// gatedSource blocks in Matches until release is closed and records whether
// its context was done by then.
type gatedSource struct {
	started chan struct{}
	release chan struct{}
	matches []Match

	once      sync.Once
	mu        sync.Mutex
	calls     int
	cancelled bool
}

func (s *gatedSource) Matches(ctx context.Context, _ string, _, _ int) ([]Match, error) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if ctx.Err() != nil {
		s.cancelled = true
		return nil, ctx.Err()
	}
	return s.matches, nil
}

func TestDeepMatchingCancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	src := &gatedSource{
		started: make(chan struct{}),
		release: make(chan struct{}),
		matches: []Match{{X1: 1, Y1: 1, X2: 1, Y2: 1}},
	}
	d := NewDeepMatching(src, nil, 2)
	box := graph.Box{X: 0, Y: 0, W: 2, H: 2}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := d.Cost(first, "v", 1, box, 2, box)
		firstErr <- err
	}()
	<-src.started

	type result struct {
		cost float64
		err  error
	}
	second := make(chan result, 1)
	go func() {
		cost, err := d.Cost(context.Background(), "v", 1, box, 2, box)
		second <- result{cost, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(src.release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, 1.0, got.cost)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.False(t, src.cancelled)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 1, d.Cached())
}

type mapStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *mapStore) GetObject(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("get object %s: not found", key)
	}
	return data, nil
}

func (s *mapStore) PutObject(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func TestObjectMatchSource(t *testing.T) {
	store := &mapStore{objects: map[string][]byte{
		MatchKey("v", 1, 2): []byte("1 1 2 2 0.5 0\n"),
	}}
	src := NewObjectMatchSource(store)

	m, err := src.Matches(context.Background(), "v", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []Match{{X1: 1, Y1: 1, X2: 2, Y2: 2, Score: 0.5}}, m)

	_, err = src.Matches(context.Background(), "v", 2, 3)
	assert.Error(t, err)
}

func TestProcessMatchSource(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	bin := filepath.Join(t.TempDir(), "deepmatching")
	script := "#!/bin/sh\ntest -f \"$1\" && test -f \"$2\" || exit 3\necho \"4 4 8 8 2.0 0\"\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	frameKey := func(videoID string, n int) string { return fmt.Sprintf("frames/%s/%06d.jpg", videoID, n) }
	store := &mapStore{objects: map[string][]byte{
		frameKey("v", 1): []byte("jpeg"),
		frameKey("v", 2): []byte("jpeg"),
	}}
	src := NewProcessMatchSource(bin, 2, store, frameKey)
	src.WriteBack = true

	m, err := src.Matches(context.Background(), "v", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []Match{{X1: 4, Y1: 4, X2: 8, Y2: 8, Score: 2}}, m)
	assert.Contains(t, store.objects, MatchKey("v", 1, 2))

	_, err = src.Matches(context.Background(), "v", 1, 3)
	assert.Error(t, err)
}

func TestProcessMatchSourceFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	bin := filepath.Join(t.TempDir(), "deepmatching")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\necho 'bad image' >&2\nexit 1\n"), 0o755))

	frameKey := func(videoID string, n int) string { return fmt.Sprintf("%s/%d", videoID, n) }
	store := &mapStore{objects: map[string][]byte{"v/1": {1}, "v/2": {2}}}

	_, err := NewProcessMatchSource(bin, 0, store, frameKey).Matches(context.Background(), "v", 1, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad image")
}
