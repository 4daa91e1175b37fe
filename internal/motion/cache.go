package motion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/your-org/trackgraph/internal/config"
	"github.com/your-org/trackgraph/internal/graph"
)

// CostCache stores computed correspondence costs.
type CostCache interface {
	Get(ctx context.Context, key string) (float64, bool, error)
	Set(ctx context.Context, key string, cost float64) error
}

// CostKey identifies the cost of one box pair.
func CostKey(videoID string, fa int, a graph.Box, fb int, b graph.Box) string {
	return fmt.Sprintf("motion:%s:%d:%.2f,%.2f,%.2f,%.2f:%d:%.2f,%.2f,%.2f,%.2f",
		videoID, fa, a.X, a.Y, a.W, a.H, fb, b.X, b.Y, b.W, b.H)
}

// MemoryCache is an unbounded in-process CostCache.
type MemoryCache struct {
	mu    sync.RWMutex
	costs map[string]float64
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{costs: make(map[string]float64)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (float64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.costs[key]
	return v, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, cost float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.costs[key] = cost
	return nil
}

// RedisCache keeps costs in Redis so every worker of a deployment shares them.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache connects and verifies the connection with a PING.
func NewRedisCache(cfg config.RedisConfig, ttl time.Duration) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{rdb: rdb, ttl: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (float64, bool, error) {
	s, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("redis value %s: %w", key, err)
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, cost float64) error {
	val := strconv.FormatFloat(cost, 'g', -1, 64)
	if err := c.rdb.Set(ctx, key, val, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
