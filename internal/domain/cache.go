package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// Keys are namespaced by caseID.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, caseID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, caseID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, caseID string, key string) error

	// GetBaseline retrieves the stored behavioral baseline of an identity.
	// Returns nil, nil if none is stored.
	GetBaseline(ctx context.Context, caseID string, identityKey string) (*Baseline, error)

	// SetBaseline stores a behavioral baseline.
	SetBaseline(ctx context.Context, caseID string, b *Baseline, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used to rate limit bulk builds per case.
	IncrementCounter(ctx context.Context, caseID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" yaml:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `json:"localMaxSize" yaml:"local_max_size"`
	LocalTTL     time.Duration `json:"localTtl" yaml:"local_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr" yaml:"redis_addr"`
	RedisPassword string `json:"-" yaml:"redis_password"`
	RedisDB       int    `json:"redisDb" yaml:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase" yaml:"enable_two_phase"` // If true, check local first, then Redis
}
