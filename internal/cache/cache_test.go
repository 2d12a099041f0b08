package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/harrier/internal/domain"
)

// clock is a manually advanced time source.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLRU(size int) (*LRUCache, *clock) {
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewLRUCache(size)
	c.now = clk.now
	return c, clk
}

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	const caseID = "case-001"

	t.Run("SetAndGet", func(t *testing.T) {
		c, _ := newTestLRU(100)
		require.NoError(t, c.Set(ctx, caseID, "key1", []byte("value1"), time.Minute))

		val, err := c.Get(ctx, caseID, "key1")
		require.NoError(t, err)
		assert.Equal(t, "value1", string(val))

		require.NoError(t, c.Set(ctx, caseID, "key1", []byte("value2"), time.Minute))
		val, _ = c.Get(ctx, caseID, "key1")
		assert.Equal(t, "value2", string(val))
	})

	t.Run("MissAndDelete", func(t *testing.T) {
		c, _ := newTestLRU(100)
		val, err := c.Get(ctx, caseID, "nonexistent")
		require.NoError(t, err)
		assert.Nil(t, val)

		_ = c.Set(ctx, caseID, "key2", []byte("value2"), time.Minute)
		require.NoError(t, c.Delete(ctx, caseID, "key2"))
		val, _ = c.Get(ctx, caseID, "key2")
		assert.Nil(t, val)
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		c, clk := newTestLRU(100)
		_ = c.Set(ctx, caseID, "expiring", []byte("temp"), 10*time.Second)
		_ = c.Set(ctx, caseID, "forever", []byte("kept"), 0)

		clk.advance(9 * time.Second)
		val, _ := c.Get(ctx, caseID, "expiring")
		assert.NotNil(t, val)

		clk.advance(time.Second)
		val, _ = c.Get(ctx, caseID, "expiring")
		assert.Nil(t, val)

		clk.advance(365 * 24 * time.Hour)
		val, _ = c.Get(ctx, caseID, "forever")
		assert.Equal(t, "kept", string(val))
	})

	t.Run("LRUEviction", func(t *testing.T) {
		c, _ := newTestLRU(3)
		_ = c.Set(ctx, caseID, "a", []byte("1"), time.Minute)
		_ = c.Set(ctx, caseID, "b", []byte("2"), time.Minute)
		_ = c.Set(ctx, caseID, "c", []byte("3"), time.Minute)

		// touching a leaves b as the least recently used
		_, _ = c.Get(ctx, caseID, "a")
		_ = c.Set(ctx, caseID, "d", []byte("4"), time.Minute)

		val, _ := c.Get(ctx, caseID, "b")
		assert.Nil(t, val)
		val, _ = c.Get(ctx, caseID, "a")
		assert.NotNil(t, val)
	})

	t.Run("CountersAreBounded", func(t *testing.T) {
		c, _ := newTestLRU(2)
		_, _ = c.IncrementCounter(ctx, caseID, "x", time.Minute)
		_, _ = c.IncrementCounter(ctx, caseID, "y", time.Minute)
		_, _ = c.IncrementCounter(ctx, caseID, "z", time.Minute)

		size, _ := c.Stats()
		assert.Equal(t, 2, size)
		n, _ := c.IncrementCounter(ctx, caseID, "x", time.Minute)
		assert.Equal(t, int64(1), n, "evicted counter restarts")
	})

	t.Run("CaseIsolation", func(t *testing.T) {
		c, _ := newTestLRU(100)
		_ = c.Set(ctx, "case-001", "shared-key", []byte("case1-value"), time.Minute)
		_ = c.Set(ctx, "case-002", "shared-key", []byte("case2-value"), time.Minute)

		val1, _ := c.Get(ctx, "case-001", "shared-key")
		val2, _ := c.Get(ctx, "case-002", "shared-key")
		assert.Equal(t, "case1-value", string(val1))
		assert.Equal(t, "case2-value", string(val2))
	})

	t.Run("CounterDoesNotShadowValue", func(t *testing.T) {
		c, _ := newTestLRU(100)
		_ = c.Set(ctx, caseID, "builds", []byte("v"), time.Minute)
		n, err := c.IncrementCounter(ctx, caseID, "builds", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		val, _ := c.Get(ctx, caseID, "builds")
		assert.Equal(t, "v", string(val))
	})

	t.Run("RequiresCaseID", func(t *testing.T) {
		c, _ := newTestLRU(100)
		assert.ErrorIs(t, c.Set(ctx, "", "key", []byte("value"), time.Minute), domain.ErrValidation)
		_, err := c.Get(ctx, "", "key")
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.ErrorIs(t, c.Delete(ctx, "", "key"), domain.ErrValidation)
		_, err = c.IncrementCounter(ctx, "", "key", time.Minute)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		c, clk := newTestLRU(100)
		window := time.Minute

		n, err := c.IncrementCounter(ctx, caseID, "builds", window)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		clk.advance(30 * time.Second)
		n, _ = c.IncrementCounter(ctx, caseID, "builds", window)
		assert.Equal(t, int64(2), n)

		// the window opened on the first call
		clk.advance(30 * time.Second)
		n, _ = c.IncrementCounter(ctx, caseID, "builds", window)
		assert.Equal(t, int64(1), n)
	})

	t.Run("BaselineCache", func(t *testing.T) {
		c, _ := newTestLRU(100)
		b := &domain.Baseline{
			IdentityKey:      "telegram/owl",
			AvgDailyOps:      42,
			AvgOffHoursRatio: 0.1,
			UsualProcesses:   []string{"excel.exe"},
			Days:             3,
		}
		require.NoError(t, c.SetBaseline(ctx, caseID, b, time.Minute))

		got, err := c.GetBaseline(ctx, caseID, "telegram/owl")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 42.0, got.AvgDailyOps)
		assert.Equal(t, []string{"excel.exe"}, got.UsualProcesses)

		missing, err := c.GetBaseline(ctx, caseID, "nobody")
		assert.NoError(t, err)
		assert.Nil(t, missing)

		other, _ := c.GetBaseline(ctx, "case-other", "telegram/owl")
		assert.Nil(t, other, "baseline leaked across cases")
	})

	t.Run("CorruptBaseline", func(t *testing.T) {
		c, _ := newTestLRU(100)
		_ = c.Set(ctx, caseID, baselineKey("telegram/owl"), []byte("{"), time.Minute)
		_, err := c.GetBaseline(ctx, caseID, "telegram/owl")
		assert.Error(t, err)
	})

	t.Run("StatsPingClose", func(t *testing.T) {
		c, _ := newTestLRU(50)
		_ = c.Set(ctx, caseID, "k1", []byte("v1"), time.Minute)
		_ = c.Set(ctx, caseID, "k2", []byte("v2"), time.Minute)

		size, capacity := c.Stats()
		assert.Equal(t, 2, size)
		assert.Equal(t, 50, capacity)
		assert.NoError(t, c.Ping(ctx))

		require.NoError(t, c.Close())
		val, _ := c.Get(ctx, caseID, "k1")
		assert.Nil(t, val)
		size, _ = c.Stats()
		assert.Zero(t, size)
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		require.NoError(t, err)
		defer c.Close()
		assert.IsType(t, &LRUCache{}, c)
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.CacheConfig{Type: "memcached"})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestLocalTTL(t *testing.T) {
	c := &TwoPhaseCache{l1TTL: 5 * time.Minute}
	assert.Equal(t, time.Minute, c.localTTL(time.Minute))
	assert.Equal(t, 5*time.Minute, c.localTTL(time.Hour))
	assert.Equal(t, 5*time.Minute, c.localTTL(0))
}
