package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateTempFile(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()

	path, meta, err := m.CreateTempFile(ctx, []byte("scratch data"), CreateOptions{
		Prefix:    "render-",
		Extension: ".svg",
	})
	require.NoError(t, err)
	require.Equal(t, dir, filepath.Dir(path))
	require.True(t, strings.HasPrefix(filepath.Base(path), "render-"))
	require.Equal(t, int64(12), meta.Size)
	require.Equal(t, ".svg", meta.Type)
	require.Equal(t, 6*time.Hour, meta.TTL)
	require.Equal(t, meta.CreatedAt.Add(meta.TTL), meta.ExpiresAt)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("scratch data"), got)

	// The sidecar is on disk too.
	_, err = os.Stat(path + metaSuffix)
	require.NoError(t, err)
}

func TestCreateTempFileUnknownExtensionUsesDefault(t *testing.T) {
	m, _ := newTestManager(t)

	_, meta, err := m.CreateTempFile(context.Background(), []byte("x"), CreateOptions{Extension: ".xyz"})
	require.NoError(t, err)
	require.Equal(t, m.config.DefaultTTL, meta.TTL)
}

func TestTouchFileExtendsByHalfTTL(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManagerWithClock(t, clock)
	ctx := context.Background()

	path, meta, err := m.CreateTempFile(ctx, []byte("x"), CreateOptions{Extension: ".json"})
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	require.True(t, m.TouchFile(ctx, path))

	touched, err := m.readMeta(path)
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(meta.TTL/2), touched.ExpiresAt)
	require.Equal(t, clock.Now(), touched.LastAccessed)
}

func TestTouchFileUnmanaged(t *testing.T) {
	m, dir := newTestManager(t)

	loose := filepath.Join(dir, "loose.txt")
	require.NoError(t, os.WriteFile(loose, []byte("x"), 0644))

	require.False(t, m.TouchFile(context.Background(), loose))
}

func TestCleanupRemovesExpiredFiles(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManagerWithClock(t, clock)
	ctx := context.Background()

	expiring, _, err := m.CreateTempFile(ctx, []byte("short"), CreateOptions{TTL: time.Minute})
	require.NoError(t, err)
	surviving, _, err := m.CreateTempFile(ctx, []byte("long"), CreateOptions{TTL: time.Hour})
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)

	result, err := m.RunCleanup(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, result.FilesRemoved)
	require.Equal(t, int64(5), result.BytesReclaimed)

	_, err = os.Stat(expiring)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(expiring + metaSuffix)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(surviving)
	require.NoError(t, err)
}

func TestCleanupSkipsProtectedFiles(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManagerWithClock(t, clock)
	ctx := context.Background()

	path, _, err := m.CreateTempFile(ctx, []byte("precious"), CreateOptions{TTL: time.Minute})
	require.NoError(t, err)
	m.ProtectFile(path)

	clock.Advance(time.Hour)

	result, err := m.RunCleanup(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 0, result.FilesRemoved)
	require.Equal(t, 1, result.Skipped)

	// Unprotecting makes it collectable again.
	m.UnprotectFile(path)
	result, err = m.RunCleanup(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, result.FilesRemoved)
}

func TestAggressiveCleanupRemovesOldUnexpiredFiles(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManagerWithClock(t, clock)
	ctx := context.Background()

	// Far from expired, but older than half the max file age.
	path, _, err := m.CreateTempFile(ctx, []byte("old but valid"), CreateOptions{TTL: 100 * time.Hour})
	require.NoError(t, err)

	clock.Advance(13 * time.Hour)

	normal, err := m.RunCleanup(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 0, normal.FilesRemoved)

	aggressive, err := m.RunCleanup(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, aggressive.FilesRemoved)

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestCleanupSerialized(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.mu.Lock()
	m.cleaning = true
	m.mu.Unlock()

	_, err := m.RunCleanup(ctx, false)
	require.ErrorIs(t, err, ErrCleanupRunning)

	m.mu.Lock()
	m.cleaning = false
	m.mu.Unlock()

	_, err = m.RunCleanup(ctx, false)
	require.NoError(t, err)
}

func TestCleanupPrunesEmptyDirs(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()

	nested := filepath.Join(dir, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0755))

	result, err := m.RunCleanup(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 3, result.DirsPruned)

	_, err = os.Stat(filepath.Join(dir, "a"))
	require.True(t, os.IsNotExist(err))

	// The managed root itself is kept.
	_, err = os.Stat(dir)
	require.NoError(t, err)
}

func TestCleanupRemovesOrphanSidecars(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	path, _, err := m.CreateTempFile(ctx, []byte("x"), CreateOptions{})
	require.NoError(t, err)

	// The file vanished out from under its sidecar.
	require.NoError(t, os.Remove(path))

	_, err = m.RunCleanup(ctx, false)
	require.NoError(t, err)

	_, err = os.Stat(path + metaSuffix)
	require.True(t, os.IsNotExist(err))
}

func TestUsageThresholdTriggersAggressive(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig(t.TempDir())
	cfg.MaxDirectoryBytes = 100
	cfg.UsageThreshold = 0.5
	m, err := NewManager(cfg, WithNow(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	// Over half the budget, aged past half the max file age, TTL intact.
	_, _, err = m.CreateTempFile(ctx, make([]byte, 80), CreateOptions{TTL: 100 * time.Hour})
	require.NoError(t, err)

	clock.Advance(13 * time.Hour)

	result, err := m.RunCleanup(ctx, false)
	require.NoError(t, err)
	require.True(t, result.Aggressive)
	require.Equal(t, 1, result.FilesRemoved)
}

func TestDirectoryStats(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.CreateTempFile(ctx, []byte("12345"), CreateOptions{})
	require.NoError(t, err)
	_, _, err = m.CreateTempFile(ctx, []byte("1234567890"), CreateOptions{})
	require.NoError(t, err)

	stats, err := m.GetDirectoryStats(dir)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Files)
	require.Equal(t, int64(15), stats.Bytes)
	require.False(t, stats.OldestFile.IsZero())
}

func TestCleanupStatsAccumulate(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManagerWithClock(t, clock)
	ctx := context.Background()

	_, _, err := m.CreateTempFile(ctx, []byte("abc"), CreateOptions{TTL: time.Minute})
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)

	_, err = m.RunCleanup(ctx, false)
	require.NoError(t, err)
	_, err = m.RunCleanup(ctx, false)
	require.NoError(t, err)

	stats := m.GetCleanupStats()
	require.Equal(t, 2, stats.Runs)
	require.Equal(t, 1, stats.TotalFilesRemoved)
	require.Equal(t, int64(3), stats.TotalBytesReclaimed)
	require.NotNil(t, stats.LastRun)
}

// Helper functions

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(DefaultConfig(dir))
	require.NoError(t, err)
	return m, dir
}

func newTestManagerWithClock(t *testing.T, clock *fakeClock) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(DefaultConfig(dir), WithNow(clock.Now))
	require.NoError(t, err)
	return m, dir
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
