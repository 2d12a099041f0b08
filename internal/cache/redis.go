package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/harrier/internal/domain"
)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis %s: %v", domain.ErrConnectivity, addr, err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, caseID string, key string) ([]byte, error) {
	if caseID == "" {
		return nil, errCaseRequired
	}

	fullKey := c.makeKey(caseID, key)
	val, err := c.client.Get(ctx, fullKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, caseID string, key string, value []byte, ttl time.Duration) error {
	if caseID == "" {
		return errCaseRequired
	}

	fullKey := c.makeKey(caseID, key)
	return classify(c.client.Set(ctx, fullKey, value, ttl).Err())
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, caseID string, key string) error {
	if caseID == "" {
		return errCaseRequired
	}

	fullKey := c.makeKey(caseID, key)
	return classify(c.client.Del(ctx, fullKey).Err())
}

// GetBaseline retrieves a cached baseline.
func (c *RedisCache) GetBaseline(ctx context.Context, caseID string, identityKey string) (*domain.Baseline, error) {
	data, err := c.Get(ctx, caseID, baselineKey(identityKey))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeBaseline(data)
}

// SetBaseline caches a baseline.
func (c *RedisCache) SetBaseline(ctx context.Context, caseID string, b *domain.Baseline, ttl time.Duration) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return c.Set(ctx, caseID, baselineKey(b.IdentityKey), data, ttl)
}

// IncrementCounter atomically increments a counter using Redis INCR with EXPIRE.
func (c *RedisCache) IncrementCounter(ctx context.Context, caseID string, key string, window time.Duration) (int64, error) {
	if caseID == "" {
		return 0, errCaseRequired
	}

	fullKey := c.makeKey(caseID, "counter:"+key)

	result, err := incrScript.Run(ctx, c.client, []string{fullKey}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, classify(err)
	}

	return result, nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis: %v", domain.ErrConnectivity, err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(caseID, key string) string {
	return "harrier:" + caseID + ":" + key
}

// incrScript increments a counter and starts its window on first use.
var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// classify marks network failures as connectivity errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: redis: %v", domain.ErrConnectivity, err)
	}
	return err
}
