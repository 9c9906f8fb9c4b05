// Package lifecycle manages temporary files with TTL-driven garbage
// collection. Every managed file carries a .meta sidecar describing its
// retention; a periodic sweep removes expired files, prunes empty
// directories and, when a directory runs hot, aggressively reclaims files
// that are old but not yet formally expired.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/resource-coordinator/backend"
	"github.com/wolfeidau/resource-coordinator/telemetry"
)

// metaSuffix is appended to a managed file's path for its sidecar.
const metaSuffix = ".meta"

// ErrCleanupRunning is returned when a cleanup is requested while another
// run is in progress. Runs are serialized, never queued.
var ErrCleanupRunning = errors.New("lifecycle: cleanup already running")

// FileMetadata is the retention sidecar for one managed file. Protection
// is authoritative in memory only; the persisted flag is a snapshot that
// does not survive a process restart.
type FileMetadata struct {
	Path         string        `json:"path"`
	Size         int64         `json:"size"`
	CreatedAt    time.Time     `json:"created_at"`
	LastAccessed time.Time     `json:"last_accessed"`
	TTL          time.Duration `json:"ttl"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Type         string        `json:"type"`
	IsProtected  bool          `json:"is_protected"`
}

// Config holds lifecycle manager configuration.
type Config struct {
	// Directories are the managed temp directories. The first one is the
	// default target for CreateTempFile.
	Directories []string

	// DefaultTTL applies to extensions without a policy entry.
	// Default: 1 hour.
	DefaultTTL time.Duration

	// TTLByExtension maps lowercase extensions (with dot) to retention.
	TTLByExtension map[string]time.Duration

	// MaxFileAge bounds aggressive cleanup: in aggressive mode files
	// older than half this age are removed even if not expired.
	// Default: 24 hours.
	MaxFileAge time.Duration

	// MaxDirectoryBytes is the usage budget per managed directory; when
	// a directory exceeds UsageThreshold of it, the sweep turns
	// aggressive for that directory. Zero disables usage-based
	// aggression.
	MaxDirectoryBytes int64

	// UsageThreshold is the fraction of MaxDirectoryBytes at which the
	// sweep turns aggressive. Default: 0.8.
	UsageThreshold float64

	// SweepInterval is how often the background sweep runs.
	// Default: 10 minutes.
	SweepInterval time.Duration

	// StartupDelay is the delay before the first background sweep.
	// Default: 1 minute.
	StartupDelay time.Duration

	// Logger for cleanup events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Directories: []string{dir},
		DefaultTTL:  1 * time.Hour,
		TTLByExtension: map[string]time.Duration{
			".json": 2 * time.Hour,
			".svg":  6 * time.Hour,
			".png":  6 * time.Hour,
			".pdf":  12 * time.Hour,
			".log":  24 * time.Hour,
		},
		MaxFileAge:        24 * time.Hour,
		MaxDirectoryBytes: 1 * 1024 * 1024 * 1024, // 1 GB
		UsageThreshold:    0.8,
		SweepInterval:     10 * time.Minute,
		StartupDelay:      1 * time.Minute,
		Logger:            slog.Default(),
	}
}

// CreateOptions controls temp file placement and naming.
type CreateOptions struct {
	// Dir overrides the default managed directory.
	Dir string

	// Prefix is prepended to the generated file name.
	Prefix string

	// Extension (with dot) selects the retention policy and file suffix.
	Extension string

	// TTL overrides the policy-resolved retention when positive.
	TTL time.Duration
}

// CleanupResult reports one cleanup run.
type CleanupResult struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	FilesRemoved   int           `json:"files_removed"`
	BytesReclaimed int64         `json:"bytes_reclaimed"`
	Skipped        int           `json:"skipped"`
	DirsPruned     int           `json:"dirs_pruned"`
	Aggressive     bool          `json:"aggressive"`
	Errors         []string      `json:"errors,omitempty"`
}

// CleanupStats aggregates all cleanup runs since the manager started.
type CleanupStats struct {
	Runs                int            `json:"runs"`
	TotalFilesRemoved   int            `json:"total_files_removed"`
	TotalBytesReclaimed int64          `json:"total_bytes_reclaimed"`
	LastRun             *CleanupResult `json:"last_run,omitempty"`
}

// DirectoryStats is a point-in-time snapshot of one managed directory.
type DirectoryStats struct {
	Path       string    `json:"path"`
	Files      int       `json:"files"`
	Bytes      int64     `json:"bytes"`
	OldestFile time.Time `json:"oldest_file,omitzero"`
}

// Manager tracks temp files and reclaims them past their retention.
// Safe for concurrent use.
type Manager struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	cleaning  bool
	protected map[string]struct{}
	stats     CleanupStats
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a lifecycle manager.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if len(cfg.Directories) == 0 {
		return nil, errors.New("lifecycle: at least one managed directory is required")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 1 * time.Hour
	}
	if cfg.MaxFileAge <= 0 {
		cfg.MaxFileAge = 24 * time.Hour
	}
	if cfg.UsageThreshold <= 0 {
		cfg.UsageThreshold = 0.8
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	for _, dir := range cfg.Directories {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating managed directory %s: %w", dir, err)
		}
	}

	m := &Manager{
		config:    cfg,
		logger:    cfg.Logger,
		now:       time.Now,
		protected: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CreateTempFile writes content to a freshly named managed file and its
// retention sidecar, returning the file's path and metadata.
func (m *Manager) CreateTempFile(_ context.Context, content []byte, opts CreateOptions) (string, *FileMetadata, error) {
	dir := opts.Dir
	if dir == "" {
		dir = m.config.Directories[0]
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", nil, fmt.Errorf("creating directory: %w", err)
	}

	name := opts.Prefix + uuid.NewString() + opts.Extension
	path := filepath.Join(dir, name)

	if err := backend.WriteFileAtomic(path, content); err != nil {
		return "", nil, fmt.Errorf("writing temp file: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.resolveTTL(opts.Extension)
	}
	now := m.now()
	meta := &FileMetadata{
		Path:         path,
		Size:         int64(len(content)),
		CreatedAt:    now,
		LastAccessed: now,
		TTL:          ttl,
		ExpiresAt:    now.Add(ttl),
		Type:         opts.Extension,
	}

	if err := m.writeMeta(meta); err != nil {
		_ = os.Remove(path)
		return "", nil, err
	}
	return path, meta, nil
}

// TouchFile marks a managed file as used, extending its expiry by half the
// original TTL from now. Returns false when the file is not managed.
func (m *Manager) TouchFile(_ context.Context, path string) bool {
	meta, err := m.readMeta(path)
	if err != nil {
		return false
	}

	now := m.now()
	meta.LastAccessed = now
	meta.ExpiresAt = now.Add(meta.TTL / 2)

	if err := m.writeMeta(meta); err != nil {
		m.logger.Warn("failed to update file metadata", "path", path, "error", err)
		return false
	}
	return true
}

// ProtectFile shields a file from cleanup until UnprotectFile is called.
// Protection lives in memory only and does not survive a restart.
func (m *Manager) ProtectFile(path string) {
	m.mu.Lock()
	m.protected[path] = struct{}{}
	m.mu.Unlock()
}

// UnprotectFile removes cleanup protection from a file.
func (m *Manager) UnprotectFile(path string) {
	m.mu.Lock()
	delete(m.protected, path)
	m.mu.Unlock()
}

// RunCleanup sweeps all managed directories once. Runs are serialized:
// a call while another run is in progress returns ErrCleanupRunning.
// When aggressive is true (or a directory exceeds its usage threshold)
// files older than half the maximum file age are removed even if their
// TTL has not yet passed.
func (m *Manager) RunCleanup(ctx context.Context, aggressive bool) (*CleanupResult, error) {
	m.mu.Lock()
	if m.cleaning {
		m.mu.Unlock()
		telemetry.RecordGCRejected(ctx)
		return nil, ErrCleanupRunning
	}
	m.cleaning = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.cleaning = false
		m.mu.Unlock()
	}()

	result := &CleanupResult{
		StartedAt:  m.now(),
		Aggressive: aggressive,
	}

	for _, dir := range m.config.Directories {
		dirAggressive := aggressive
		if !dirAggressive && m.config.MaxDirectoryBytes > 0 {
			if stats, err := m.GetDirectoryStats(dir); err == nil {
				usage := float64(stats.Bytes) / float64(m.config.MaxDirectoryBytes)
				if usage > m.config.UsageThreshold {
					dirAggressive = true
					result.Aggressive = true
					m.logger.Info("directory over usage threshold, cleaning aggressively",
						"dir", dir,
						"bytes", stats.Bytes,
						"budget", m.config.MaxDirectoryBytes,
					)
				}
			}
		}
		m.cleanDirectory(dir, dirAggressive, result)
		result.DirsPruned += m.pruneEmptyDirs(dir)
	}

	result.Duration = m.now().Sub(result.StartedAt)

	m.mu.Lock()
	m.stats.Runs++
	m.stats.TotalFilesRemoved += result.FilesRemoved
	m.stats.TotalBytesReclaimed += result.BytesReclaimed
	m.stats.LastRun = result
	m.mu.Unlock()

	telemetry.RecordGCRun(ctx, result.FilesRemoved, result.BytesReclaimed, result.Duration, result.Aggressive)
	m.logger.Info("cleanup run completed",
		"files_removed", result.FilesRemoved,
		"bytes_reclaimed", result.BytesReclaimed,
		"skipped", result.Skipped,
		"dirs_pruned", result.DirsPruned,
		"aggressive", result.Aggressive,
		"duration", result.Duration,
		"errors", len(result.Errors),
	)
	return result, nil
}

// GetDirectoryStats scans one managed directory.
func (m *Manager) GetDirectoryStats(dir string) (*DirectoryStats, error) {
	stats := &DirectoryStats{Path: dir}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		stats.Files++
		stats.Bytes += info.Size()
		if stats.OldestFile.IsZero() || info.ModTime().Before(stats.OldestFile) {
			stats.OldestFile = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning directory: %w", err)
	}
	return stats, nil
}

// GetCleanupStats returns aggregate cleanup statistics.
func (m *Manager) GetCleanupStats() CleanupStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Start begins the background sweep.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop stops the background sweep and waits for it to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	if m.config.StartupDelay > 0 {
		select {
		case <-time.After(m.config.StartupDelay):
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	if _, err := m.RunCleanup(ctx, false); err != nil && !errors.Is(err, ErrCleanupRunning) {
		m.logger.Warn("background cleanup failed", "error", err)
	}
}

// cleanDirectory removes expired (and, in aggressive mode, merely old)
// files from one directory, along with their sidecars.
func (m *Manager) cleanDirectory(dir string, aggressive bool, result *CleanupResult) {
	now := m.now()

	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, metaSuffix) {
			// Orphan sidecar: its file is gone.
			if _, statErr := os.Stat(strings.TrimSuffix(path, metaSuffix)); os.IsNotExist(statErr) {
				_ = os.Remove(path)
			}
			return nil
		}

		m.mu.Lock()
		_, isProtected := m.protected[path]
		m.mu.Unlock()
		if isProtected {
			result.Skipped++
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		expired := false
		age := now.Sub(info.ModTime())
		if meta, metaErr := m.readMeta(path); metaErr == nil {
			expired = !now.Before(meta.ExpiresAt)
			age = now.Sub(meta.CreatedAt)
		} else {
			// Unmanaged file: fall back to modification time plus the
			// default retention.
			expired = age > m.config.DefaultTTL
		}

		if !expired && aggressive && age > m.config.MaxFileAge/2 {
			expired = true
		}
		if !expired {
			return nil
		}

		if err := os.Remove(path); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("removing %s: %v", path, err))
			return nil
		}
		_ = os.Remove(path + metaSuffix)
		result.FilesRemoved++
		result.BytesReclaimed += info.Size()
		m.logger.Debug("removed expired file", "path", path, "age", age)
		return nil
	})
}

// pruneEmptyDirs removes empty subdirectories of root, deepest first.
// The root itself is kept.
func (m *Manager) pruneEmptyDirs(root string) int {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})

	pruned := 0
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dirs[i]); err == nil {
			pruned++
		}
	}
	return pruned
}

func (m *Manager) resolveTTL(ext string) time.Duration {
	if ttl, ok := m.config.TTLByExtension[strings.ToLower(ext)]; ok {
		return ttl
	}
	return m.config.DefaultTTL
}

func (m *Manager) readMeta(path string) (*FileMetadata, error) {
	data, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		return nil, err
	}
	var meta FileMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		// Corrupt sidecar: drop it so the file falls back to
		// modification-time retention.
		_ = os.Remove(path + metaSuffix)
		return nil, fmt.Errorf("decoding file metadata: %w", err)
	}
	return &meta, nil
}

func (m *Manager) writeMeta(meta *FileMetadata) error {
	m.mu.Lock()
	_, meta.IsProtected = m.protected[meta.Path]
	m.mu.Unlock()

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding file metadata: %w", err)
	}
	if err := backend.WriteFileAtomic(meta.Path+metaSuffix, data); err != nil {
		return fmt.Errorf("writing file metadata: %w", err)
	}
	return nil
}
