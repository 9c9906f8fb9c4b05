package publish

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	coordinator "github.com/wolfeidau/resource-coordinator"
)

func TestPublishFile(t *testing.T) {
	p := New(fastConfig())
	target := filepath.Join(t.TempDir(), "out", "report.svg")

	content := []byte("<svg>molecule</svg>")
	result := p.PublishFile(context.Background(), content, target, "corr-1")
	require.True(t, result.Success)
	require.NoError(t, result.Err)
	require.Equal(t, target, result.FinalPath)
	require.Equal(t, coordinator.ChecksumBytes(content), result.Checksum)
	require.Equal(t, int64(len(content)), result.BytesWritten)
	require.Equal(t, "corr-1", result.CorrelationID)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, content, got)

	meta, err := ReadMetadata(target)
	require.NoError(t, err)
	require.Equal(t, int64(1), meta.Version)
	require.Equal(t, result.Checksum, meta.Checksum)
	require.Equal(t, "corr-1", meta.CorrelationID)
}

func TestPublishOverwriteBumpsVersion(t *testing.T) {
	p := New(fastConfig())
	target := filepath.Join(t.TempDir(), "artifact.json")
	ctx := context.Background()

	require.True(t, p.PublishFile(ctx, []byte(`{"v":1}`), target, "").Success)
	require.True(t, p.PublishFile(ctx, []byte(`{"v":2}`), target, "").Success)
	require.True(t, p.PublishFile(ctx, []byte(`{"v":3}`), target, "").Success)

	meta, err := ReadMetadata(target)
	require.NoError(t, err)
	require.Equal(t, int64(3), meta.Version)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"v":3}`), got)
}

func TestPublishTargetAlwaysWholeFile(t *testing.T) {
	cfg := fastConfig()
	cfg.Backup = false
	p := New(cfg)
	target := filepath.Join(t.TempDir(), "live.bin")
	ctx := context.Background()

	small := bytes.Repeat([]byte("a"), 64)
	large := bytes.Repeat([]byte("b"), 4096)
	require.True(t, p.PublishFile(ctx, small, target, "").Success)

	// Poll the target while it is being republished; a reader must only
	// ever observe a complete old or complete new file, never a partial.
	stop := make(chan struct{})
	var tornRead atomic.Bool
	var readGone atomic.Bool
	var poller sync.WaitGroup
	poller.Add(1)
	go func() {
		defer poller.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			data, err := os.ReadFile(target)
			if err != nil {
				readGone.Store(true)
				continue
			}
			if len(data) != len(small) && len(data) != len(large) {
				tornRead.Store(true)
			}
		}
	}()

	for i := 0; i < 50; i++ {
		content := small
		if i%2 == 0 {
			content = large
		}
		require.True(t, p.PublishFile(ctx, content, target, "").Success)
	}
	close(stop)
	poller.Wait()

	require.False(t, tornRead.Load(), "observed a size that is neither old nor new")
	require.False(t, readGone.Load(), "target vanished during republish")
}

func TestPublishBackup(t *testing.T) {
	cfg := fastConfig()
	cfg.CompressBackups = false
	p := New(cfg)
	target := filepath.Join(t.TempDir(), "doc.txt")
	ctx := context.Background()

	require.True(t, p.PublishFile(ctx, []byte("first edition"), target, "").Success)

	second := p.PublishFile(ctx, []byte("second edition"), target, "")
	require.True(t, second.Success)
	require.NotEmpty(t, second.BackupPath)

	// The backup preserves the overwritten content.
	backup, err := os.ReadFile(second.BackupPath)
	require.NoError(t, err)
	require.Equal(t, []byte("first edition"), backup)
}

func TestPublishCompressedBackup(t *testing.T) {
	p := New(fastConfig())
	target := filepath.Join(t.TempDir(), "doc.txt")
	ctx := context.Background()

	require.True(t, p.PublishFile(ctx, []byte("original body"), target, "").Success)

	second := p.PublishFile(ctx, []byte("replacement"), target, "")
	require.True(t, second.Success)
	require.True(t, strings.HasSuffix(second.BackupPath, ".zst"))

	f, err := os.Open(second.BackupPath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()

	restored, err := io.ReadAll(dec)
	require.NoError(t, err)
	require.Equal(t, []byte("original body"), restored)
}

func TestPublishNoBackupForNewTarget(t *testing.T) {
	p := New(fastConfig())
	target := filepath.Join(t.TempDir(), "fresh.txt")

	result := p.PublishFile(context.Background(), []byte("data"), target, "")
	require.True(t, result.Success)
	require.Empty(t, result.BackupPath)
}

func TestPublishFailureAfterRetries(t *testing.T) {
	p := New(fastConfig())
	dir := t.TempDir()

	// A path component that is a regular file makes every attempt fail.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("file"), 0644))
	target := filepath.Join(blocker, "impossible.txt")

	result := p.PublishFile(context.Background(), []byte("data"), target, "")
	require.False(t, result.Success)
	require.Error(t, result.Err)
	require.Equal(t, fastConfig().MaxRetries, result.Retries)
}

func TestPublishLeavesNoTempDroppings(t *testing.T) {
	p := New(fastConfig())
	dir := t.TempDir()
	target := filepath.Join(dir, "clean.txt")
	ctx := context.Background()

	require.True(t, p.PublishFile(ctx, []byte("v1"), target, "").Success)
	require.True(t, p.PublishFile(ctx, []byte("v2"), target, "").Success)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		require.False(t, strings.HasPrefix(entry.Name(), ".publish-"),
			"staging file left behind: %s", entry.Name())
	}
}

func TestPublishBatch(t *testing.T) {
	p := New(fastConfig())
	dir := t.TempDir()
	ctx := context.Background()

	files := []File{
		{Content: []byte("alpha"), TargetPath: filepath.Join(dir, "a.txt")},
		{Content: []byte("beta"), TargetPath: filepath.Join(dir, "nested", "b.txt")},
	}

	batch := p.PublishBatch(ctx, files, "batch-1")
	require.True(t, batch.Success)
	require.Len(t, batch.Results, 2)
	for i, result := range batch.Results {
		require.True(t, result.Success)
		require.Equal(t, "batch-1", result.CorrelationID)

		got, err := os.ReadFile(files[i].TargetPath)
		require.NoError(t, err)
		require.Equal(t, files[i].Content, got)
	}
}

func TestPublishBatchStagingFailureAbortsAll(t *testing.T) {
	p := New(fastConfig())
	dir := t.TempDir()
	ctx := context.Background()

	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("file"), 0644))

	goodTarget := filepath.Join(dir, "good.txt")
	files := []File{
		{Content: []byte("fine"), TargetPath: goodTarget},
		{Content: []byte("doomed"), TargetPath: filepath.Join(blocker, "bad.txt")},
	}

	batch := p.PublishBatch(ctx, files, "")
	require.False(t, batch.Success)

	// Nothing was committed and no staged temps remain.
	_, err := os.Stat(goodTarget)
	require.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		require.False(t, strings.HasPrefix(entry.Name(), ".publish-"),
			"staging file left behind: %s", entry.Name())
	}
}

func TestSweepBackups(t *testing.T) {
	cfg := fastConfig()
	cfg.BackupRetention = time.Hour
	p := New(cfg)
	dir := t.TempDir()
	target := filepath.Join(dir, "doc.txt")

	stale := target + backupMarker + "20240101T000000.000000000"
	fresh := target + backupMarker + "20990101T000000.000000000"
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))
	require.NoError(t, os.WriteFile(fresh, []byte("new"), 0644))

	// Age the stale backup past retention.
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	p.sweepBackups(target)

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	require.NoError(t, err)
}

func TestReadMetadataMissing(t *testing.T) {
	_, err := ReadMetadata(filepath.Join(t.TempDir(), "never-published.txt"))
	require.Error(t, err)
}

func TestResultChecksumStable(t *testing.T) {
	p := New(fastConfig())
	dir := t.TempDir()
	ctx := context.Background()

	content := bytes.Repeat([]byte("payload "), 128)
	a := p.PublishFile(ctx, content, filepath.Join(dir, "one.bin"), "")
	b := p.PublishFile(ctx, content, filepath.Join(dir, "two.bin"), "")
	require.True(t, a.Success)
	require.True(t, b.Success)
	require.Equal(t, a.Checksum, b.Checksum)
}

// Helper functions

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	return cfg
}
