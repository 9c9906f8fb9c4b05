// Package publish writes final artifacts to their public location so that
// a concurrent reader never observes a partial write. The temp-and-rename
// pattern is the atomicity boundary; every publish leaves a metadata
// sidecar next to the target recording checksum, size and version.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	coordinator "github.com/wolfeidau/resource-coordinator"
	"github.com/wolfeidau/resource-coordinator/backend"
	"github.com/wolfeidau/resource-coordinator/telemetry"
)

// metaSuffix is appended to the target path for the metadata sidecar.
const metaSuffix = ".meta.json"

// backupMarker sits between the target name and the backup timestamp.
const backupMarker = ".bak."

// ErrSizeMismatch is returned when the staged temp file's size does not
// match the input, indicating a short or interleaved write.
var ErrSizeMismatch = errors.New("publish: staged file size mismatch")

// Config holds publisher configuration.
type Config struct {
	// MaxRetries is the number of retry rounds after the first failed
	// attempt. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff between attempts; the actual delay
	// grows linearly (RetryDelay × attempt). Default: 100ms.
	RetryDelay time.Duration

	// VerifySize checks the staged temp file's size against the input
	// before the rename. Default: true (via DefaultConfig).
	VerifySize bool

	// Backup copies the pre-existing target to a timestamped backup
	// before overwriting. Default: true (via DefaultConfig).
	Backup bool

	// CompressBackups stores backups zstd-compressed. Default: true
	// (via DefaultConfig).
	CompressBackups bool

	// BackupRetention is how long backups are kept. Older backups are
	// purged by a best-effort sweep after each publish. Default: 7 days.
	BackupRetention time.Duration

	// Logger for publish events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		RetryDelay:      100 * time.Millisecond,
		VerifySize:      true,
		Backup:          true,
		CompressBackups: true,
		BackupRetention: 7 * 24 * time.Hour,
		Logger:          slog.Default(),
	}
}

// Result is the outcome of one publish. Retry exhaustion is reported here
// via Success=false and Err, not as an error return; errors are reserved
// for programming mistakes.
type Result struct {
	Success       bool                 `json:"success"`
	FinalPath     string               `json:"final_path"`
	TempPath      string               `json:"temp_path,omitempty"`
	BackupPath    string               `json:"backup_path,omitempty"`
	Checksum      coordinator.Checksum `json:"checksum"`
	BytesWritten  int64                `json:"bytes_written"`
	Elapsed       time.Duration        `json:"elapsed"`
	Retries       int                  `json:"retries"`
	CorrelationID string               `json:"correlation_id"`
	Err           error                `json:"-"`
}

// Metadata is the sidecar persisted next to the published file. Version
// increments monotonically across publishes of the same target.
type Metadata struct {
	Checksum      coordinator.Checksum `json:"checksum"`
	Size          int64                `json:"size"`
	Version       int64                `json:"version"`
	CorrelationID string               `json:"correlation_id"`
	PublishedAt   time.Time            `json:"published_at"`
}

// Publisher atomically publishes files. Safe for concurrent use across
// distinct target paths; callers publishing the same target concurrently
// should hold a lock from the locks package.
type Publisher struct {
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// New creates a publisher.
func New(cfg Config, opts ...Option) *Publisher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.BackupRetention <= 0 {
		cfg.BackupRetention = 7 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Publisher{
		config: cfg,
		logger: cfg.Logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishFile writes content to targetPath atomically, retrying failed
// attempts with linear backoff. The temp file of a failed attempt is always
// removed before retrying or giving up.
func (p *Publisher) PublishFile(ctx context.Context, content []byte, targetPath, correlationID string) *Result {
	start := p.now()
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	result := &Result{
		FinalPath:     targetPath,
		CorrelationID: correlationID,
	}

	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			result.Retries = attempt
			select {
			case <-time.After(p.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}

		backupPath, err := p.attempt(ctx, content, targetPath)
		if err != nil {
			lastErr = err
			p.logger.Warn("publish attempt failed",
				"target", targetPath,
				"attempt", attempt,
				"error", err,
			)
			continue
		}

		result.Success = true
		result.BackupPath = backupPath
		result.Checksum = coordinator.ChecksumBytes(content)
		result.BytesWritten = int64(len(content))
		result.Elapsed = p.now().Sub(start)

		if err := p.writeSidecar(targetPath, result); err != nil {
			p.logger.Warn("failed to write publish sidecar", "target", targetPath, "error", err)
		}

		// Best effort, never blocks the publish result.
		go p.sweepBackups(targetPath)

		telemetry.RecordPublish(ctx, "success", result.Retries, result.BytesWritten, result.Elapsed)
		p.logger.Info("published file",
			"target", targetPath,
			"bytes", result.BytesWritten,
			"checksum", result.Checksum.ShortString(),
			"retries", result.Retries,
			"correlation_id", correlationID,
		)
		return result
	}

	result.Elapsed = p.now().Sub(start)
	result.Err = lastErr
	telemetry.RecordPublish(ctx, "failure", result.Retries, 0, result.Elapsed)
	p.logger.Error("publish failed after retries",
		"target", targetPath,
		"retries", result.Retries,
		"error", lastErr,
	)
	return result
}

// attempt performs one stage-backup-rename cycle. The temp file is removed
// on any failure before returning.
func (p *Publisher) attempt(_ context.Context, content []byte, targetPath string) (backupPath string, err error) {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating target directory: %w", err)
	}

	tmpPath, err := p.stage(content, targetPath)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if p.config.Backup {
		backupPath, err = p.backup(targetPath)
		if err != nil {
			return "", err
		}
	}

	if p.config.VerifySize {
		info, statErr := os.Stat(tmpPath)
		if statErr != nil {
			err = fmt.Errorf("verifying staged file: %w", statErr)
			return "", err
		}
		if info.Size() != int64(len(content)) {
			err = fmt.Errorf("%w: staged %d bytes, expected %d", ErrSizeMismatch, info.Size(), len(content))
			return "", err
		}
	}

	if err = backend.ReplaceFile(tmpPath, targetPath); err != nil {
		return "", err
	}
	return backupPath, nil
}

// stage writes content to a freshly named temp file in the target's
// directory so the final rename never crosses a filesystem boundary.
func (p *Publisher) stage(content []byte, targetPath string) (string, error) {
	dir := filepath.Dir(targetPath)
	tmp, err := os.CreateTemp(dir, ".publish-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return "", fmt.Errorf("writing staged content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("syncing staged content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}

	success = true
	return tmpPath, nil
}

// backup copies the pre-existing target (if any) to a timestamped backup
// path, zstd-compressed when configured. Returns "" when there was nothing
// to back up.
func (p *Publisher) backup(targetPath string) (string, error) {
	src, err := os.Open(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("opening target for backup: %w", err)
	}
	defer func() { _ = src.Close() }()

	backupPath := targetPath + backupMarker + p.now().UTC().Format("20060102T150405.000000000")
	if p.config.CompressBackups {
		backupPath += ".zst"
	}

	dst, err := os.OpenFile(backupPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("creating backup file: %w", err)
	}

	var w io.WriteCloser = dst
	var enc *zstd.Encoder
	if p.config.CompressBackups {
		enc, err = zstd.NewWriter(dst)
		if err != nil {
			_ = dst.Close()
			_ = os.Remove(backupPath)
			return "", fmt.Errorf("creating zstd writer: %w", err)
		}
		w = enc
	}

	if _, err := io.Copy(w, src); err != nil {
		if enc != nil {
			_ = enc.Close()
		}
		_ = dst.Close()
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("copying backup: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			_ = dst.Close()
			_ = os.Remove(backupPath)
			return "", fmt.Errorf("finishing zstd stream: %w", err)
		}
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("closing backup file: %w", err)
	}

	return backupPath, nil
}

// writeSidecar persists the metadata sidecar next to the published file,
// using the same atomic technique as the publish itself. The version is
// the previous sidecar's version plus one.
func (p *Publisher) writeSidecar(targetPath string, result *Result) error {
	meta := Metadata{
		Checksum:      result.Checksum,
		Size:          result.BytesWritten,
		Version:       1,
		CorrelationID: result.CorrelationID,
		PublishedAt:   p.now(),
	}

	if prev, err := ReadMetadata(targetPath); err == nil {
		meta.Version = prev.Version + 1
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding publish metadata: %w", err)
	}
	return backend.WriteFileAtomic(targetPath+metaSuffix, data)
}

// ReadMetadata reads the metadata sidecar for a published target.
func ReadMetadata(targetPath string) (*Metadata, error) {
	data, err := os.ReadFile(targetPath + metaSuffix)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding publish metadata: %w", err)
	}
	return &meta, nil
}

// sweepBackups removes backups of targetPath older than the configured
// retention. Best effort; failures are logged and ignored.
func (p *Publisher) sweepBackups(targetPath string) {
	dir := filepath.Dir(targetPath)
	base := filepath.Base(targetPath) + backupMarker

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cutoff := p.now().Add(-p.config.BackupRetention)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil {
				p.logger.Debug("failed to remove stale backup", "path", path, "error", err)
			}
		}
	}
}
