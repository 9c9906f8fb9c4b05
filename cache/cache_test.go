package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	coordinator "github.com/wolfeidau/resource-coordinator"
	"github.com/wolfeidau/resource-coordinator/backend"
)

func TestCacheSetGet(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	c.Set(ctx, "greeting", []byte("hello"), time.Minute)

	got, ok := c.Get(ctx, "greeting")
	require.True(t, ok)
	require.Equal(t, []byte("hello"), got)

	_, ok = c.Get(ctx, "missing")
	require.False(t, ok)
}

func TestCacheReturnsCopy(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	c.Set(ctx, "key", []byte("original"), time.Minute)

	got, ok := c.Get(ctx, "key")
	require.True(t, ok)
	got[0] = 'X'

	again, ok := c.Get(ctx, "key")
	require.True(t, ok)
	require.Equal(t, []byte("original"), again)
}

func TestCacheExpiry(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, DefaultConfig(), WithNow(clock.Now))
	ctx := context.Background()

	c.Set(ctx, "short-lived", []byte("data"), time.Minute)

	_, ok := c.Get(ctx, "short-lived")
	require.True(t, ok)

	clock.Advance(2 * time.Minute)

	// Expired in both tiers, dropped lazily on access.
	_, ok = c.Get(ctx, "short-lived")
	require.False(t, ok)

	stats := c.Stats(ctx)
	require.Equal(t, 0, stats.MemoryEntries)
	require.Equal(t, 0, stats.DiskEntries)
}

func TestCacheExpiredLookupCountsOneMiss(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, DefaultConfig(), WithNow(clock.Now))
	ctx := context.Background()

	c.Set(ctx, "short-lived", []byte("data"), time.Minute)
	clock.Advance(2 * time.Minute)

	_, ok := c.Get(ctx, "short-lived")
	require.False(t, ok)

	// One lookup, one miss; the expired entry does not also fall through
	// to a disk miss.
	stats := c.Stats(ctx)
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, int64(0), stats.MemoryHits)
	require.Equal(t, int64(0), stats.DiskHits)
}

func TestCacheDiskTierSurvivesRestart(t *testing.T) {
	fs := newTestBackend(t)
	ctx := context.Background()

	a := New(fs, DefaultConfig())
	a.Set(ctx, "durable", []byte("persisted"), time.Hour)

	// A fresh cache over the same backend has an empty memory tier but
	// serves the entry from disk.
	b := New(fs, DefaultConfig())
	got, ok := b.Get(ctx, "durable")
	require.True(t, ok)
	require.Equal(t, []byte("persisted"), got)

	stats := b.Stats(ctx)
	require.Equal(t, int64(1), stats.DiskHits)
	require.Equal(t, int64(0), stats.MemoryHits)
}

func TestCachePromotionAfterThreshold(t *testing.T) {
	fs := newTestBackend(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.PromoteThreshold = 3

	a := New(fs, cfg)
	a.Set(ctx, "hot", []byte("promoted eventually"), time.Hour)

	b := New(fs, cfg)
	for i := 0; i < 3; i++ {
		_, ok := b.Get(ctx, "hot")
		require.True(t, ok)
	}

	// Third disk hit crossed the threshold and promoted the entry.
	stats := b.Stats(ctx)
	require.Equal(t, 1, stats.MemoryEntries)
	require.Equal(t, int64(3), stats.DiskHits)

	_, ok := b.Get(ctx, "hot")
	require.True(t, ok)
	require.Equal(t, int64(1), b.Stats(ctx).MemoryHits)
}

func TestCacheMemoryBudgetNeverExceeded(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MemoryMaxBytes = 100
	c, _ := newTestCache(t, cfg, WithNow(clock.Now))
	ctx := context.Background()

	payload := []byte(strings.Repeat("x", 40))
	for i := 0; i < 10; i++ {
		c.Set(ctx, fmt.Sprintf("entry-%d", i), payload, time.Hour)
		clock.Advance(time.Second)
		require.LessOrEqual(t, c.Stats(ctx).MemoryBytes, cfg.MemoryMaxBytes)
	}
}

func TestCacheEvictsOldestFirst(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MemoryMaxBytes = 100
	fs := newTestBackend(t)
	c := New(fs, cfg, WithNow(clock.Now))
	ctx := context.Background()

	payload := []byte(strings.Repeat("x", 40))
	c.Set(ctx, "first", payload, time.Hour)
	clock.Advance(time.Second)
	c.Set(ctx, "second", payload, time.Hour)
	clock.Advance(time.Second)

	// Re-reading "first" does not protect it: eviction is by creation
	// time, not access recency.
	_, ok := c.Get(ctx, "first")
	require.True(t, ok)

	c.Set(ctx, "third", payload, time.Hour)

	require.False(t, c.inMemory("first"))
	require.True(t, c.inMemory("second"))
	require.True(t, c.inMemory("third"))

	// The evicted entry is still served from disk.
	_, ok = c.Get(ctx, "first")
	require.True(t, ok)
}

func TestCacheOversizedEntryLivesOnDiskOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MemoryMaxBytes = 10
	c, _ := newTestCache(t, cfg)
	ctx := context.Background()

	c.Set(ctx, "big", []byte(strings.Repeat("x", 100)), time.Hour)

	stats := c.Stats(ctx)
	require.Equal(t, 0, stats.MemoryEntries)
	require.Equal(t, int64(0), stats.MemoryBytes)

	got, ok := c.Get(ctx, "big")
	require.True(t, ok)
	require.Len(t, got, 100)
}

func TestCacheCorruptDiskEntry(t *testing.T) {
	fs := newTestBackend(t)
	c := New(fs, DefaultConfig())
	ctx := context.Background()

	digest := coordinator.DigestKey("poisoned")
	key := fmt.Sprintf("shared/%s.json", digest)
	require.NoError(t, fs.Write(ctx, key, strings.NewReader("not json {")))

	// Corrupt entries are a miss, and the bad file is removed.
	_, ok := c.Get(ctx, "poisoned")
	require.False(t, ok)

	exists, err := fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCacheDelete(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	c.Set(ctx, "doomed", []byte("data"), time.Hour)
	require.True(t, c.Delete(ctx, "doomed"))
	require.False(t, c.Delete(ctx, "doomed"))

	_, ok := c.Get(ctx, "doomed")
	require.False(t, ok)
}

func TestCacheClear(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.Set(ctx, fmt.Sprintf("entry-%d", i), []byte("data"), time.Hour)
	}
	require.NoError(t, c.Clear(ctx))

	stats := c.Stats(ctx)
	require.Equal(t, 0, stats.MemoryEntries)
	require.Equal(t, 0, stats.DiskEntries)
}

func TestCacheCleanupDisk(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, DefaultConfig(), WithNow(clock.Now))
	ctx := context.Background()

	c.Set(ctx, "expires-soon", []byte("data"), time.Minute)
	c.Set(ctx, "expires-later", []byte("data"), time.Hour)

	clock.Advance(10 * time.Minute)

	require.Equal(t, 1, c.CleanupDisk(ctx))
	require.Equal(t, 1, c.Stats(ctx).DiskEntries)
}

func TestCacheStatsHitRate(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	c.Set(ctx, "key", []byte("data"), time.Hour)
	c.Get(ctx, "key")
	c.Get(ctx, "key")
	c.Get(ctx, "missing")
	c.Get(ctx, "also-missing")

	stats := c.Stats(ctx)
	require.Equal(t, int64(2), stats.MemoryHits)
	require.Equal(t, int64(2), stats.Misses)
	require.InDelta(t, 0.5, stats.HitRate, 0.001)
}

// Helper functions

func newTestCache(t *testing.T, cfg Config, opts ...Option) (*Cache, *backend.Filesystem) {
	t.Helper()
	fs := newTestBackend(t)
	return New(fs, cfg, opts...), fs
}

func newTestBackend(t *testing.T) *backend.Filesystem {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

func (c *Cache) inMemory(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.memory[coordinator.DigestKey(key)]
	return ok
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}
