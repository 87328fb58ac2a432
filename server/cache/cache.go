package cache

import (
	"context"
	"errors"
	"time"
)

// Cache stores finished prediction responses keyed by model version and
// input. Values are stored as-is; callers own their type assertions.
type Cache interface {
	Set(ctx context.Context, key string, value any) error

	Get(ctx context.Context, key string) (any, error)

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error

	// Purge drops every entry. Used after a model reload.
	Purge(ctx context.Context) error

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Items     int    `json:"items"`
	MaxSize   int    `json:"max_size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   int    `json:"expired"`
}

var ErrCacheMiss = errors.New("cache miss")
