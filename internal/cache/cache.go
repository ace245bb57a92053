package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// defaultLocalTTL bounds how long a node serves market statistics from its
// own memory before rereading the shared copy.
const defaultLocalTTL = 30 * time.Second

// New builds the cache named by cfg.Type. "memory" is a single-node LRU;
// "redis" is shared across nodes, fronted by an LRU when EnableTwoPhase is
// set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("%w: unsupported cache type: %s", domain.ErrConfiguration, cfg.Type)
	}
}

// TwoPhaseCache reads through a node-local LRU into Redis. Window
// reservations always go to Redis so that alert gate budgets are shared by every node.
type TwoPhaseCache struct {
	local    *LRUCache
	remote   *RedisCache
	localTTL time.Duration
}

// NewTwoPhaseCache connects to Redis and puts an LRU of cfg.LocalMaxSize
// entries in front of it.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newTwoPhase(local *LRUCache, remote *RedisCache, localTTL time.Duration) *TwoPhaseCache {
	if localTTL <= 0 {
		localTTL = defaultLocalTTL
	}
	return &TwoPhaseCache{local: local, remote: remote, localTTL: localTTL}
}

func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, _ := c.local.Get(ctx, key); val != nil {
		return val, nil
	}

	val, err := c.remote.Get(ctx, key)
	if err != nil || val == nil {
		return nil, err
	}
	// Redis does not tell us the remaining TTL cheaply; the local copy lives
	// for localTTL at most, and callers check freshness on the value itself.
	c.local.Set(ctx, key, val, c.localTTL)
	return val, nil
}

// Set writes Redis first so a node never serves locally what the shared
// tier rejected.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.remote.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.local.Set(ctx, key, value, min(ttl, c.localTTL))
}

// Delete clears Redis and this node's copy. Other nodes age theirs out
// within localTTL.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	c.local.Delete(ctx, key)
	return c.remote.Delete(ctx, key)
}

func (c *TwoPhaseCache) ReserveWindow(ctx context.Context, r domain.WindowReservation) (bool, error) {
	return c.remote.ReserveWindow(ctx, r)
}

func (c *TwoPhaseCache) ReleaseWindow(ctx context.Context, r domain.WindowReservation) error {
	return c.remote.ReleaseWindow(ctx, r)
}

func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	return c.remote.Ping(ctx)
}

func (c *TwoPhaseCache) Close() error {
	c.local.Close()
	return c.remote.Close()
}

// HitRatio reports the local tier's hit ratio.
func (c *TwoPhaseCache) HitRatio() float64 {
	return c.local.HitRatio()
}

// Sweep drops expired entries from the local tier.
func (c *TwoPhaseCache) Sweep() int {
	return c.local.Sweep()
}
