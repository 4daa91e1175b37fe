package motion

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/your-org/trackgraph/internal/graph"
)

// DeepMatching is a graph.MotionOracle backed by dense point matches.
// Match sets are memoised per (video, fa, fb) in a bounded cache and
// concurrent loads of the same set are collapsed.
type DeepMatching struct {
	source MatchSource
	costs  CostCache // optional

	group singleflight.Group

	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element

	logger *slog.Logger
}

type memoEntry struct {
	key     string
	matches []Match
}

// NewDeepMatching creates an oracle holding at most capacity match sets.
// costs may be nil.
func NewDeepMatching(source MatchSource, costs CostCache, capacity int) *DeepMatching {
	if capacity <= 0 {
		capacity = 1
	}
	return &DeepMatching{
		source:   source,
		costs:    costs,
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		logger:   slog.Default().With("component", "deepmatching"),
	}
}

// Cost returns the match IoU between box a in frame fa and box b in frame fb.
// Two boxes of the same frame have no correspondence field and cost 0.
func (d *DeepMatching) Cost(ctx context.Context, videoID string, fa int, a graph.Box, fb int, b graph.Box) (float64, error) {
	if fa == fb {
		return 0, nil
	}

	var key string
	if d.costs != nil {
		key = CostKey(videoID, fa, a, fb, b)
		v, ok, err := d.costs.Get(ctx, key)
		if err != nil {
			d.logger.Warn("cost cache get", "error", err)
		} else if ok {
			return v, nil
		}
	}

	matches, err := d.matches(ctx, videoID, fa, fb)
	if err != nil {
		return 0, err
	}
	cost := MatchIoU(matches, a, b)

	if d.costs != nil {
		if err := d.costs.Set(ctx, key, cost); err != nil {
			d.logger.Warn("cost cache set", "error", err)
		}
	}
	return cost, nil
}

func (d *DeepMatching) matches(ctx context.Context, videoID string, fa, fb int) ([]Match, error) {
	key := MatchKey(videoID, fa, fb)
	if m, ok := d.lookup(key); ok {
		return m, nil
	}

	// The shared load outlives any one caller: a cancelled caller stops
	// waiting without failing the others.
	loadCtx := context.WithoutCancel(ctx)
	ch := d.group.DoChan(key, func() (any, error) {
		if m, ok := d.lookup(key); ok {
			return m, nil
		}
		m, err := d.source.Matches(loadCtx, videoID, fa, fb)
		if err != nil {
			return nil, fmt.Errorf("load matches %d→%d: %w", fa, fb, err)
		}
		d.store(key, m)
		return m, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]Match), nil
	}
}

func (d *DeepMatching) lookup(key string) ([]Match, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.entries[key]
	if !ok {
		return nil, false
	}
	d.order.MoveToFront(el)
	return el.Value.(*memoEntry).matches, true
}

func (d *DeepMatching) store(key string, m []Match) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.entries[key]; ok {
		d.order.MoveToFront(el)
		return
	}
	d.entries[key] = d.order.PushFront(&memoEntry{key: key, matches: m})
	for d.order.Len() > d.capacity {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.entries, oldest.Value.(*memoEntry).key)
	}
}

// Cached returns the number of memoised match sets.
func (d *DeepMatching) Cached() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
