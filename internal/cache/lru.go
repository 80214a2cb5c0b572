// Package cache holds the reference data and usage counters shared by the
// rating components: an in-process LRU, Redis, and the two combined.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

var errNoTenant = errors.New("tenantID is required")

// Stats describes cache effectiveness. Only the in-process level keeps
// statistics.
type Stats struct {
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Counters  int   `json:"counters"`
}

// StatsReporter is implemented by caches that keep Stats.
type StatsReporter interface {
	Stats() Stats
}

// LRUCache is a thread-safe LRU cache with per-entry expiry and windowed
// counters. It is the community tier cache and L1 of the two-phase cache.
type LRUCache struct {
	mu       sync.Mutex
	maxSize  int
	items    map[string]*list.Element
	order    *list.List
	counters map[string]*window

	hits, misses, evictions int64
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero: never expires
}

// window is a counter that restarts once its window has elapsed.
type window struct {
	count   int64
	closeAt time.Time
}

func deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func live(expiresAt, now time.Time) bool {
	return expiresAt.IsZero() || !now.After(expiresAt)
}

// NewLRUCache creates a cache holding at most maxSize values. The same bound
// triggers a sweep of closed counter windows.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize:  maxSize,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		counters: make(map[string]*window),
	}
}

// Get returns nil, nil on a miss or an expired value.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, errNoTenant
	}
	k := tenantKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[k]
	if !ok {
		c.misses++
		return nil, nil
	}
	e := elem.Value.(*lruEntry)
	if !live(e.expiresAt, time.Now()) {
		c.drop(elem)
		c.misses++
		return nil, nil
	}

	c.order.MoveToFront(elem)
	c.hits++
	return e.value, nil
}

// Set stores a value. A non-positive ttl keeps it until evicted or deleted.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return errNoTenant
	}
	k := tenantKey(tenantID, key)
	exp := deadline(time.Now(), ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[k]; ok {
		e := elem.Value.(*lruEntry)
		e.value, e.expiresAt = value, exp
		c.order.MoveToFront(elem)
		return nil
	}

	c.items[k] = c.order.PushFront(&lruEntry{key: k, value: value, expiresAt: exp})
	for c.order.Len() > c.maxSize {
		c.drop(c.order.Back())
		c.evictions++
	}
	return nil
}

// Delete removes a value; deleting a missing key is not an error.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return errNoTenant
	}
	k := tenantKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[k]; ok {
		c.drop(elem)
	}
	return nil
}

// IncrementCounter adds one to the counter and returns the count in the
// current window. The first increment after a window closes opens a new one.
func (c *LRUCache) IncrementCounter(ctx context.Context, tenantID string, key string, span time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, errNoTenant
	}
	k := counterKey(tenantID, key)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.counters[k]; ok && now.Before(w.closeAt) {
		w.count++
		return w.count, nil
	}

	if len(c.counters) >= c.maxSize {
		c.sweepCounters(now)
	}
	c.counters[k] = &window{count: 1, closeAt: now.Add(span)}
	return 1, nil
}

// sweepCounters drops closed windows so one-off trunks do not accumulate.
func (c *LRUCache) sweepCounters(now time.Time) {
	for k, w := range c.counters {
		if !now.Before(w.closeAt) {
			delete(c.counters, k)
		}
	}
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close empties the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	c.counters = make(map[string]*window)
	return nil
}

// Stats returns a point-in-time view of the cache.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.order.Len(),
		Capacity:  c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Counters:  len(c.counters),
	}
}

func (c *LRUCache) drop(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry).key)
}

// tenantKey namespaces a key by tenant. The tenant is wrapped in braces so
// that every key of a tenant hashes to the same Redis Cluster slot.
func tenantKey(tenantID, key string) string {
	return "{" + tenantID + "}:" + key
}

func counterKey(tenantID, key string) string {
	return tenantKey(tenantID, "usage:"+key)
}
