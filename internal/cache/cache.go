package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

var errCaseRequired = fmt.Errorf("%w: caseID is required", domain.ErrValidation)

func baselineKey(identityKey string) string {
	return "baseline:" + identityKey
}

func decodeBaseline(data []byte) (*domain.Baseline, error) {
	var b domain.Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("corrupt baseline entry: %w", err)
	}
	return &b, nil
}

// New creates a new cache based on configuration.
// For Community tier: returns LRU cache.
// For Pro tier with two-phase: returns TwoPhaseCache wrapping LRU + Redis.
// For Pro tier without two-phase: returns Redis cache.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("%w: unsupported cache type: %s", domain.ErrValidation, cfg.Type)
	}
}

// TwoPhaseCache implements the two-phase caching strategy.
// L1: Local LRU cache for fast reads
// L2: Redis for distributed caching and persistence
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	local := NewLRUCache(cfg.LocalMaxSize)

	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}

	l1TTL := cfg.LocalTTL
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}

	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
	}, nil
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, caseID string, key string) ([]byte, error) {
	// Check L1 first
	val, err := c.local.Get(ctx, caseID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		return val, nil
	}

	// Check L2
	val, err = c.remote.Get(ctx, caseID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		// Populate L1 for future reads
		_ = c.local.Set(ctx, caseID, key, val, c.l1TTL)
	}

	return val, nil
}

// Set writes to both L1 and L2; L1 keeps the entry for at most l1TTL.
func (c *TwoPhaseCache) Set(ctx context.Context, caseID string, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, caseID, key, value, c.localTTL(ttl)); err != nil {
		return err
	}
	return c.remote.Set(ctx, caseID, key, value, ttl)
}

// localTTL caps the L1 lifetime of an entry written with ttl. L1 never
// outlives L2, and entries without a TTL still age out of L1.
func (c *TwoPhaseCache) localTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < c.l1TTL {
		return ttl
	}
	return c.l1TTL
}

// Delete removes from both L1 and L2.
func (c *TwoPhaseCache) Delete(ctx context.Context, caseID string, key string) error {
	if err := c.local.Delete(ctx, caseID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, caseID, key)
}

// GetBaseline reads L1, then L2, and fills L1 on an L2 hit.
func (c *TwoPhaseCache) GetBaseline(ctx context.Context, caseID string, identityKey string) (*domain.Baseline, error) {
	b, err := c.local.GetBaseline(ctx, caseID, identityKey)
	if err != nil {
		return nil, err
	}
	if b != nil {
		return b, nil
	}

	b, err = c.remote.GetBaseline(ctx, caseID, identityKey)
	if err != nil {
		return nil, err
	}
	if b != nil {
		_ = c.local.SetBaseline(ctx, caseID, b, c.l1TTL)
	}
	return b, nil
}

// SetBaseline writes the baseline to both L1 and L2.
func (c *TwoPhaseCache) SetBaseline(ctx context.Context, caseID string, b *domain.Baseline, ttl time.Duration) error {
	if err := c.local.SetBaseline(ctx, caseID, b, c.localTTL(ttl)); err != nil {
		return err
	}
	return c.remote.SetBaseline(ctx, caseID, b, ttl)
}

// IncrementCounter uses Redis for distributed atomic counters.
// L1 is not used for counters to ensure accuracy across nodes.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, caseID string, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, caseID, key, window)
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
