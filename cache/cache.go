// Package cache provides a content-addressed, two-tier key/value cache:
// an in-process tier for hot entries and a disk tier for durability.
// Caller-supplied keys are digested before use, so any string is a valid
// key. Expiry is evaluated against the wall clock at read time and stale
// entries are dropped lazily on access.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	coordinator "github.com/wolfeidau/resource-coordinator"
	"github.com/wolfeidau/resource-coordinator/backend"
	"github.com/wolfeidau/resource-coordinator/telemetry"
)

const (
	// sharedPrefix is the storage prefix for serialized cache entries.
	sharedPrefix = "shared"

	// defaultPromoteThreshold is the number of disk hits after which an
	// entry is promoted into the memory tier.
	defaultPromoteThreshold = 3
)

// Config holds cache configuration.
type Config struct {
	// MemoryMaxBytes is the byte budget for the in-process tier.
	// When exceeded, entries are evicted oldest-created first.
	MemoryMaxBytes int64

	// DiskMaxBytes is the byte budget for the disk tier. When exceeded
	// after a write, a cleanup pass removes expired disk entries.
	// Zero means no disk budget.
	DiskMaxBytes int64

	// PromoteThreshold is the disk hit count at which an entry is
	// promoted into the memory tier. Default: 3.
	PromoteThreshold int

	// DefaultTTL is used when Set is called with a zero TTL.
	DefaultTTL time.Duration

	// Logger for cache events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MemoryMaxBytes:   64 * 1024 * 1024,  // 64 MB
		DiskMaxBytes:     512 * 1024 * 1024, // 512 MB
		PromoteThreshold: defaultPromoteThreshold,
		DefaultTTL:       1 * time.Hour,
		Logger:           slog.Default(),
	}
}

// Entry is a cached value with its lifecycle metadata. The on-disk form is
// the JSON serialization of this struct, so every disk entry is
// self-describing and can be validated on read.
type Entry struct {
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Hits      int64     `json:"hits"`
	Size      int64     `json:"size"`
}

// Stats is a point-in-time snapshot of cache effectiveness and occupancy.
type Stats struct {
	MemoryHits    int64   `json:"memory_hits"`
	DiskHits      int64   `json:"disk_hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	MemoryEntries int     `json:"memory_entries"`
	MemoryBytes   int64   `json:"memory_bytes"`
	DiskEntries   int     `json:"disk_entries"`
	DiskBytes     int64   `json:"disk_bytes"`
}

// Cache is a two-tier content cache. Safe for concurrent use.
type Cache struct {
	config  Config
	backend backend.Backend
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	memory      map[string]*Entry
	memoryBytes int64

	memoryHits int64
	diskHits   int64
	misses     int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache over the given backend.
func New(b backend.Backend, cfg Config, opts ...Option) *Cache {
	if cfg.PromoteThreshold <= 0 {
		cfg.PromoteThreshold = defaultPromoteThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		config:  cfg,
		backend: b,
		logger:  cfg.Logger,
		now:     time.Now,
		memory:  make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key, or ok=false when the key is absent
// or expired. A disk hit increments the persisted hit counter and promotes
// the entry into the memory tier once it has been hit enough times.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	digest := coordinator.DigestKey(key)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.memory[digest]; ok {
		if now.Before(entry.ExpiresAt) {
			entry.Hits++
			c.memoryHits++
			telemetry.RecordCacheRequest(ctx, "memory", "hit")
			return bytes.Clone(entry.Payload), true
		}
		// Expired: drop from both tiers lazily and report one miss. The
		// disk copy was written together with the memory entry and shares
		// its expiry, so there is nothing left to find there.
		c.removeFromMemoryLocked(digest)
		_ = c.backend.Delete(ctx, c.storageKey(digest))
		c.misses++
		telemetry.RecordCacheRequest(ctx, "memory", "expired")
		return nil, false
	}

	entry, err := c.readDiskEntry(ctx, digest)
	if err != nil {
		// Disk read failures and corrupt entries are both treated as a
		// miss; corrupt entries have already been deleted.
		c.misses++
		telemetry.RecordCacheRequest(ctx, "disk", "miss")
		return nil, false
	}

	if !now.Before(entry.ExpiresAt) {
		_ = c.backend.Delete(ctx, c.storageKey(digest))
		c.misses++
		telemetry.RecordCacheRequest(ctx, "disk", "expired")
		return nil, false
	}

	entry.Hits++
	c.diskHits++
	telemetry.RecordCacheRequest(ctx, "disk", "hit")

	// Persist the incremented hit counter, best effort.
	if err := c.writeDiskEntry(ctx, digest, entry); err != nil {
		c.logger.Warn("failed to persist cache hit counter", "key_digest", digest, "error", err)
	}

	// Promote hot entries into memory when capacity allows. Promotion
	// never evicts: a promoted entry must fit in the remaining budget.
	if entry.Hits >= int64(c.config.PromoteThreshold) &&
		c.memoryBytes+entry.Size <= c.config.MemoryMaxBytes {
		c.memory[digest] = entry
		c.memoryBytes += entry.Size
		telemetry.RecordCachePromotion(ctx)
	}

	return bytes.Clone(entry.Payload), true
}

// Set stores value under key with the given TTL, writing eagerly to the
// memory tier and durably to the disk tier. Disk write failures are logged
// and swallowed; the cache never blocks the caller's critical path on
// durability.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	digest := coordinator.DigestKey(key)
	now := c.now()

	entry := &Entry{
		Payload:   bytes.Clone(value),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Size:      int64(len(value)),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.memory[digest]; ok {
		c.memoryBytes -= prev.Size
	}
	c.memory[digest] = entry
	c.memoryBytes += entry.Size
	c.evictLocked(ctx)

	if err := c.writeDiskEntry(ctx, digest, entry); err != nil {
		c.logger.Warn("failed to write cache entry to disk", "key_digest", digest, "error", err)
		return
	}

	if c.config.DiskMaxBytes > 0 {
		if used, err := c.diskUsageLocked(ctx); err == nil && used > c.config.DiskMaxBytes {
			c.cleanupDiskLocked(ctx)
		}
	}
}

// Delete removes key from both tiers. Returns true if an entry existed in
// either tier.
func (c *Cache) Delete(ctx context.Context, key string) bool {
	digest := coordinator.DigestKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	_, inMemory := c.memory[digest]
	if inMemory {
		c.removeFromMemoryLocked(digest)
	}

	onDisk, _ := c.backend.Exists(ctx, c.storageKey(digest))
	if onDisk {
		if err := c.backend.Delete(ctx, c.storageKey(digest)); err != nil {
			c.logger.Warn("failed to delete cache entry from disk", "key_digest", digest, "error", err)
		}
	}

	return inMemory || onDisk
}

// Clear removes all entries from both tiers.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.memory = make(map[string]*Entry)
	c.memoryBytes = 0

	keys, err := c.backend.List(ctx, sharedPrefix)
	if err != nil {
		return fmt.Errorf("listing cache entries: %w", err)
	}
	for _, key := range keys {
		if err := c.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("deleting cache entry %s: %w", key, err)
		}
	}
	return nil
}

// Stats returns a snapshot of cache statistics. Disk occupancy is computed
// by scanning the disk tier, so this is a health-reporting call, not a hot
// path.
func (c *Cache) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		MemoryHits:    c.memoryHits,
		DiskHits:      c.diskHits,
		Misses:        c.misses,
		MemoryEntries: len(c.memory),
		MemoryBytes:   c.memoryBytes,
	}

	total := stats.MemoryHits + stats.DiskHits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.MemoryHits+stats.DiskHits) / float64(total)
	}

	keys, err := c.backend.List(ctx, sharedPrefix)
	if err != nil {
		c.logger.Warn("failed to list disk tier for stats", "error", err)
		return stats
	}
	stats.DiskEntries = len(keys)

	if sb, ok := c.backend.(backend.SizeAwareBackend); ok {
		for _, key := range keys {
			if size, err := sb.Size(ctx, key); err == nil {
				stats.DiskBytes += size
			}
		}
	}

	return stats
}

// CleanupDisk removes expired and corrupt entries from the disk tier.
// Returns the number of entries removed.
func (c *Cache) CleanupDisk(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupDiskLocked(ctx)
}

// evictLocked removes entries oldest-created first until the memory tier is
// under budget. Eviction is by creation time, not recency of access: a hot
// entry can be evicted before a cold one if it is older. An entry larger
// than the entire budget is evicted immediately after being written; it
// still lives in the disk tier.
func (c *Cache) evictLocked(ctx context.Context) {
	for c.memoryBytes > c.config.MemoryMaxBytes && len(c.memory) > 0 {
		oldest := ""
		var oldestAt time.Time
		for digest, entry := range c.memory {
			if oldest == "" || entry.CreatedAt.Before(oldestAt) {
				oldest = digest
				oldestAt = entry.CreatedAt
			}
		}
		size := c.memory[oldest].Size
		c.removeFromMemoryLocked(oldest)
		telemetry.RecordCacheEviction(ctx, "memory", size)
	}
}

func (c *Cache) removeFromMemoryLocked(digest string) {
	if entry, ok := c.memory[digest]; ok {
		c.memoryBytes -= entry.Size
		delete(c.memory, digest)
	}
}

// readDiskEntry reads and validates a disk entry. Corrupt entries are
// deleted and reported as an error so callers treat them as absent.
func (c *Cache) readDiskEntry(ctx context.Context, digest string) (*Entry, error) {
	rc, err := c.backend.Read(ctx, c.storageKey(digest))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Corrupt entries are never treated as valid.
		_ = c.backend.Delete(ctx, c.storageKey(digest))
		c.logger.Warn("deleted corrupt cache entry", "key_digest", digest, "error", err)
		return nil, fmt.Errorf("decoding cache entry: %w", err)
	}

	return &entry, nil
}

func (c *Cache) writeDiskEntry(ctx context.Context, digest string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := c.backend.Write(ctx, c.storageKey(digest), strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// diskUsageLocked sums the size of all disk entries.
func (c *Cache) diskUsageLocked(ctx context.Context) (int64, error) {
	sb, ok := c.backend.(backend.SizeAwareBackend)
	if !ok {
		return 0, errors.New("backend does not report sizes")
	}

	keys, err := c.backend.List(ctx, sharedPrefix)
	if err != nil {
		return 0, fmt.Errorf("listing cache entries: %w", err)
	}

	var total int64
	for _, key := range keys {
		if size, err := sb.Size(ctx, key); err == nil {
			total += size
		}
	}
	return total, nil
}

// cleanupDiskLocked removes expired and corrupt entries from the disk tier.
func (c *Cache) cleanupDiskLocked(ctx context.Context) int {
	keys, err := c.backend.List(ctx, sharedPrefix)
	if err != nil {
		c.logger.Warn("disk cleanup list failed", "error", err)
		return 0
	}

	now := c.now()
	removed := 0
	for _, key := range keys {
		rc, err := c.backend.Read(ctx, key)
		if err != nil {
			continue
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			if err := c.backend.Delete(ctx, key); err == nil {
				removed++
			}
			continue
		}
		if !now.Before(entry.ExpiresAt) {
			if err := c.backend.Delete(ctx, key); err == nil {
				removed++
				telemetry.RecordCacheEviction(ctx, "disk", entry.Size)
			}
		}
	}

	if removed > 0 {
		c.logger.Debug("disk cleanup removed entries", "removed", removed)
	}
	return removed
}

func (c *Cache) storageKey(digest string) string {
	return fmt.Sprintf("%s/%s.json", sharedPrefix, digest)
}
