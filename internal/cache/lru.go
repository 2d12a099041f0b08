// Package cache provides the baseline and counter caches of Harrier.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// LRUCache is an in-process, case-scoped cache. It backs the community tier
// and is the L1 of TwoPhaseCache. Values and counters share one recency
// list, so maxSize bounds both.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	entries map[slot]*list.Element
	recency *list.List // front is most recently used
	now     func() time.Time
}

type slot struct {
	caseID string
	key    string
	// counters live beside values without colliding with them
	counter bool
}

type lruEntry struct {
	slot    slot
	value   []byte
	count   int64
	expires time.Time // zero never expires
}

func (e *lruEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// NewLRUCache creates a cache holding at most maxSize entries (10000 when
// maxSize is not positive).
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		entries: make(map[slot]*list.Element),
		recency: list.New(),
		now:     time.Now,
	}
}

// lookup returns the live entry at s, dropping it if it has expired.
// Callers hold mu.
func (c *LRUCache) lookup(s slot) *lruEntry {
	elem, ok := c.entries[s]
	if !ok {
		return nil
	}
	e := elem.Value.(*lruEntry)
	if e.expired(c.now()) {
		c.drop(elem)
		return nil
	}
	c.recency.MoveToFront(elem)
	return e
}

// insert adds a fresh entry and evicts from the back past capacity.
// Callers hold mu.
func (c *LRUCache) insert(e *lruEntry) {
	c.entries[e.slot] = c.recency.PushFront(e)
	for c.recency.Len() > c.maxSize {
		c.drop(c.recency.Back())
	}
}

func (c *LRUCache) drop(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.entries, elem.Value.(*lruEntry).slot)
}

func (c *LRUCache) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

// Get returns the value at key, or nil on a miss.
func (c *LRUCache) Get(_ context.Context, caseID string, key string) ([]byte, error) {
	if caseID == "" {
		return nil, errCaseRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.lookup(slot{caseID: caseID, key: key}); e != nil {
		return e.value, nil
	}
	return nil, nil
}

// Set stores value at key. A non-positive ttl keeps the entry until it is
// evicted.
func (c *LRUCache) Set(_ context.Context, caseID string, key string, value []byte, ttl time.Duration) error {
	if caseID == "" {
		return errCaseRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := slot{caseID: caseID, key: key}
	if e := c.lookup(s); e != nil {
		e.value = value
		e.expires = c.deadline(ttl)
		return nil
	}
	c.insert(&lruEntry{slot: s, value: value, expires: c.deadline(ttl)})
	return nil
}

// Delete removes key.
func (c *LRUCache) Delete(_ context.Context, caseID string, key string) error {
	if caseID == "" {
		return errCaseRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[slot{caseID: caseID, key: key}]; ok {
		c.drop(elem)
	}
	return nil
}

// GetBaseline returns the cached baseline of an identity, or nil.
func (c *LRUCache) GetBaseline(ctx context.Context, caseID string, identityKey string) (*domain.Baseline, error) {
	data, err := c.Get(ctx, caseID, baselineKey(identityKey))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeBaseline(data)
}

// SetBaseline caches b under its identity key.
func (c *LRUCache) SetBaseline(ctx context.Context, caseID string, b *domain.Baseline, ttl time.Duration) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return c.Set(ctx, caseID, baselineKey(b.IdentityKey), data, ttl)
}

// IncrementCounter counts calls within a fixed window that opens on the
// first call and returns the new count.
func (c *LRUCache) IncrementCounter(_ context.Context, caseID string, key string, window time.Duration) (int64, error) {
	if caseID == "" {
		return 0, errCaseRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := slot{caseID: caseID, key: key, counter: true}
	if e := c.lookup(s); e != nil {
		e.count++
		return e.count, nil
	}
	c.insert(&lruEntry{slot: s, count: 1, expires: c.deadline(window)})
	return 1, nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[slot]*list.Element)
	c.recency.Init()
	return nil
}

// Stats returns the number of held entries (expired ones included until
// they are touched) and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.maxSize
}
