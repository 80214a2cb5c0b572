package domain

import (
	"context"
	"time"
)

// Cache stores reference data snapshots and usage counters. Keys are scoped
// by tenant; the same key of two tenants never collides.
type Cache interface {
	// Get returns nil, nil for a missing or expired key.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, key string) error

	// IncrementCounter adds one to a counter that resets span after its
	// first increment, and returns the new count.
	IncrementCounter(ctx context.Context, tenantID string, key string, span time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and tunes the cache.
type CacheConfig struct {
	Type string // memory, redis

	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase puts the in-memory LRU in front of Redis.
	EnableTwoPhase bool
}
