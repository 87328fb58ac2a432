package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestCache(t *testing.T, size int, ttl time.Duration) *MemoryCache {
	t.Helper()
	c := NewMemoryCache(size, ttl, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestMemoryCacheSetGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestCache(t, 4, time.Minute)

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
	if err := c.Set(ctx, "k", 42); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.(int) != 42 {
		t.Errorf("value = %v", v)
	}

	stats, _ := c.GetStats(ctx)
	if stats.Hits != 1 || stats.Misses != 1 || stats.Items != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestCache(t, 4, time.Minute)

	c.SetWithTTL(ctx, "short", "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if ok, _ := c.Exists(ctx, "short"); ok {
		t.Error("expired entry reported as existing")
	}
	if _, err := c.Get(ctx, "short"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected miss for expired entry, got %v", err)
	}
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestCache(t, 2, time.Minute)

	c.Set(ctx, "a", 1)
	time.Sleep(2 * time.Millisecond)
	c.Set(ctx, "b", 2)
	time.Sleep(2 * time.Millisecond)
	c.Get(ctx, "a")
	time.Sleep(2 * time.Millisecond)
	c.Set(ctx, "c", 3)

	if ok, _ := c.Exists(ctx, "b"); ok {
		t.Error("b should have been evicted")
	}
	for _, k := range []string{"a", "c"} {
		if ok, _ := c.Exists(ctx, k); !ok {
			t.Errorf("%s should still be cached", k)
		}
	}
	stats, _ := c.GetStats(ctx)
	if stats.Evictions != 1 {
		t.Errorf("evictions = %d", stats.Evictions)
	}
}

func TestMemoryCacheOverwriteDoesNotEvict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestCache(t, 2, time.Minute)

	c.Set(ctx, "a", 1)
	c.Set(ctx, "b", 2)
	c.Set(ctx, "b", 3)

	if ok, _ := c.Exists(ctx, "a"); !ok {
		t.Error("overwriting an existing key must not evict another")
	}
}

func TestMemoryCachePurgeAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestCache(t, 8, time.Minute)

	c.Set(ctx, "a", 1)
	c.Set(ctx, "b", 2)
	c.Delete(ctx, "a")
	if ok, _ := c.Exists(ctx, "a"); ok {
		t.Error("deleted key still present")
	}
	c.Purge(ctx)
	stats, _ := c.GetStats(ctx)
	if stats.Items != 0 {
		t.Errorf("items after purge = %d", stats.Items)
	}
}

func TestGenerateCacheKey(t *testing.T) {
	t.Parallel()

	if GenerateCacheKey("ab", "c") == GenerateCacheKey("a", "bc") {
		t.Error("component boundaries must affect the key")
	}
	if GenerateCacheKey("v1", "x") != GenerateCacheKey("v1", "x") {
		t.Error("key must be deterministic")
	}
	if GenerateCacheKey("v1", "x") == GenerateCacheKey("v2", "x") {
		t.Error("model version must affect the key")
	}
}

func TestMemoryCacheCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache(1, time.Minute, zap.NewNop())
	c.Close()
	c.Close()
}
