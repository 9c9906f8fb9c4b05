// Package locks provides cross-process mutual exclusion per
// (operation-type, resource-id) pair. A lock is an exclusively created
// file under the coordination root; its existence is the lock. Stale locks
// are reclaimed by TTL so a crashed holder cannot wedge a resource forever.
package locks

import (
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
	// locksPrefix is the storage prefix for lock records.
	locksPrefix = "locks"

	// suspiciousAge is how old a lock must be before the deadlock
	// heuristic flags it.
	suspiciousAge = 10 * time.Minute

	// deadlockThreshold is the number of simultaneously suspicious locks
	// above which a probable deadlock is reported.
	deadlockThreshold = 3
)

// Info describes a held lock. It is the JSON content of the lock file, so
// any process can read who holds a lock and until when.
type Info struct {
	LockID        string            `json:"lock_id"`
	OperationType string            `json:"operation_type"`
	ResourceID    string            `json:"resource_id"`
	OwnerID       string            `json:"owner_id"`
	AcquiredAt    time.Time         `json:"acquired_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// AcquireResult is the outcome of an acquisition attempt. Contention is not
// an error: Acquired is false and Holder carries the competing lock's info
// for diagnostics.
type AcquireResult struct {
	Acquired bool
	Lock     *Info // the lock we hold, when Acquired
	Holder   *Info // the competing holder, when not Acquired
	WaitTime time.Duration
}

// Status reports whether a (operation-type, resource-id) pair is locked.
type Status struct {
	Locked bool
	Lock   *Info
}

// DeadlockReport is the advisory output of the deadlock heuristic. It flags
// old locks; it does not analyze a wait-for graph and cannot prove a real
// deadlock.
type DeadlockReport struct {
	Suspicious       []*Info
	ProbableDeadlock bool
}

// Config holds lock manager configuration.
type Config struct {
	// RetryDelay is the base backoff between acquisition attempts; the
	// actual delay grows linearly (RetryDelay × attempt). Default: 150ms.
	RetryDelay time.Duration

	// MaxRetries is the number of backoff-and-retry rounds after the
	// first failed attempt. Default: 5.
	MaxRetries int

	// SweepInterval is how often the background sweep removes expired
	// locks. Default: 1 minute.
	SweepInterval time.Duration

	// Logger for lock events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		RetryDelay:    150 * time.Millisecond,
		MaxRetries:    5,
		SweepInterval: 1 * time.Minute,
		Logger:        slog.Default(),
	}
}

// Manager coordinates lock acquisition and release. Safe for concurrent use.
type Manager struct {
	config  Config
	backend backend.ExclusiveBackend
	logger  *slog.Logger
	owner   coordinator.OwnerIdentity
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithOwner overrides the process identity, letting tests simulate two
// independent acquirers inside one process.
func WithOwner(owner coordinator.OwnerIdentity) Option {
	return func(m *Manager) {
		m.owner = owner
	}
}

// NewManager creates a lock manager over the given backend.
func NewManager(b backend.ExclusiveBackend, cfg Config, opts ...Option) *Manager {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 150 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 1 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		config:  cfg,
		backend: b,
		logger:  cfg.Logger,
		owner:   coordinator.ProcessIdentity(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LockID derives the lock identifier for an (operation-type, resource-id)
// pair. The identifier is also the lock file's name.
func LockID(operationType, resourceID string) string {
	return coordinator.DigestKey(operationType + ":" + resourceID)
}

// Acquire attempts to take the lock for (operationType, resourceID) with
// the given TTL. A lock whose TTL has passed is forcibly reclaimed. On
// contention the call backs off linearly and retries up to MaxRetries,
// then reports the competing holder without error.
func (m *Manager) Acquire(ctx context.Context, operationType, resourceID string, ttl time.Duration, metadata map[string]string) (*AcquireResult, error) {
	lockID := LockID(operationType, resourceID)
	key := m.storageKey(lockID)
	start := m.now()

	var holder *Info
	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		now := m.now()
		info := &Info{
			LockID:        lockID,
			OperationType: operationType,
			ResourceID:    resourceID,
			OwnerID:       m.owner.String(),
			AcquiredAt:    now,
			ExpiresAt:     now.Add(ttl),
			Metadata:      metadata,
		}

		data, err := json.Marshal(info)
		if err != nil {
			return nil, fmt.Errorf("encoding lock: %w", err)
		}

		err = m.backend.WriteExclusive(ctx, key, strings.NewReader(string(data)))
		if err == nil {
			wait := m.now().Sub(start)
			telemetry.RecordLockAcquire(ctx, "acquired", wait)
			m.logger.Debug("lock acquired",
				"operation_type", operationType,
				"resource_id", resourceID,
				"ttl", ttl,
				"attempt", attempt,
			)
			return &AcquireResult{Acquired: true, Lock: info, WaitTime: wait}, nil
		}
		if !errors.Is(err, backend.ErrExists) {
			telemetry.RecordLockAcquire(ctx, "error", m.now().Sub(start))
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		existing, err := m.readLock(ctx, lockID)
		if err != nil {
			// Corrupt or vanished between create and read: clear it and
			// try again immediately.
			_ = m.backend.Delete(ctx, key)
			continue
		}

		if !m.now().Before(existing.ExpiresAt) {
			// Stale lock: the holder's TTL has passed, reclaim it.
			_ = m.backend.Delete(ctx, key)
			telemetry.RecordLockStaleReclaim(ctx)
			m.logger.Info("reclaimed stale lock",
				"operation_type", operationType,
				"resource_id", resourceID,
				"previous_owner", existing.OwnerID,
			)
			continue
		}

		holder = existing
		if attempt == m.config.MaxRetries {
			break
		}

		delay := m.config.RetryDelay * time.Duration(attempt+1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	wait := m.now().Sub(start)
	telemetry.RecordLockAcquire(ctx, "contended", wait)
	return &AcquireResult{Acquired: false, Holder: holder, WaitTime: wait}, nil
}

// Release removes the lock if the caller owns it. Releasing a lock owned by
// another identity is a no-op returning false; this protects against
// accidental cross-owner release.
func (m *Manager) Release(ctx context.Context, lockID string) (bool, error) {
	info, err := m.readLock(ctx, lockID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return false, nil
		}
		// Corrupt lock: already deleted by readLock, nothing to release.
		return false, nil
	}

	if info.OwnerID != m.owner.String() {
		m.logger.Warn("refused cross-owner lock release",
			"lock_id", lockID,
			"owner", info.OwnerID,
		)
		return false, nil
	}

	if err := m.backend.Delete(ctx, m.storageKey(lockID)); err != nil {
		return false, fmt.Errorf("removing lock file: %w", err)
	}
	m.logger.Debug("lock released", "lock_id", lockID)
	return true, nil
}

// IsLocked reports whether the (operationType, resourceID) pair is
// currently held. Expiry is evaluated against the clock at call time.
func (m *Manager) IsLocked(ctx context.Context, operationType, resourceID string) (*Status, error) {
	info, err := m.readLock(ctx, LockID(operationType, resourceID))
	if err != nil {
		return &Status{Locked: false}, nil
	}
	if !m.now().Before(info.ExpiresAt) {
		return &Status{Locked: false}, nil
	}
	return &Status{Locked: true, Lock: info}, nil
}

// Extend pushes the lock's expiry to max(current, now+additional).
// Permitted only for the current owner.
func (m *Manager) Extend(ctx context.Context, lockID string, additional time.Duration) (bool, error) {
	info, err := m.readLock(ctx, lockID)
	if err != nil {
		return false, nil
	}
	if info.OwnerID != m.owner.String() {
		return false, nil
	}

	candidate := m.now().Add(additional)
	if candidate.After(info.ExpiresAt) {
		info.ExpiresAt = candidate
	}

	data, err := json.Marshal(info)
	if err != nil {
		return false, fmt.Errorf("encoding lock: %w", err)
	}
	if err := m.backend.Write(ctx, m.storageKey(lockID), strings.NewReader(string(data))); err != nil {
		return false, fmt.Errorf("writing lock file: %w", err)
	}
	return true, nil
}

// ActiveLocks returns all currently held (unexpired) locks.
func (m *Manager) ActiveLocks(ctx context.Context) ([]*Info, error) {
	keys, err := m.backend.List(ctx, locksPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing locks: %w", err)
	}

	now := m.now()
	var active []*Info
	for _, key := range keys {
		info, err := m.readLockKey(ctx, key)
		if err != nil {
			continue
		}
		if now.Before(info.ExpiresAt) {
			active = append(active, info)
		}
	}
	return active, nil
}

// DetectDeadlocks flags locks older than the suspicious-age threshold and
// reports a probable deadlock when more than deadlockThreshold locks are
// simultaneously suspicious. Advisory only.
func (m *Manager) DetectDeadlocks(ctx context.Context) (*DeadlockReport, error) {
	active, err := m.ActiveLocks(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	report := &DeadlockReport{}
	for _, info := range active {
		if now.Sub(info.AcquiredAt) > suspiciousAge {
			report.Suspicious = append(report.Suspicious, info)
		}
	}
	report.ProbableDeadlock = len(report.Suspicious) > deadlockThreshold

	if report.ProbableDeadlock {
		m.logger.Warn("probable deadlock detected",
			"suspicious_locks", len(report.Suspicious),
		)
	}
	return report, nil
}

// Cleanup removes all expired locks regardless of ownership. Returns the
// number removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	keys, err := m.backend.List(ctx, locksPrefix)
	if err != nil {
		return 0, fmt.Errorf("listing locks: %w", err)
	}

	now := m.now()
	removed := 0
	for _, key := range keys {
		info, err := m.readLockKey(ctx, key)
		if err != nil {
			// Corrupt locks were already deleted by readLockKey.
			continue
		}
		if !now.Before(info.ExpiresAt) {
			if err := m.backend.Delete(ctx, key); err == nil {
				removed++
			}
		}
	}

	telemetry.RecordLockSweep(ctx, removed)
	if removed > 0 {
		m.logger.Info("lock sweep removed expired locks", "removed", removed)
	}
	return removed, nil
}

// Start begins the background sweep that removes expired locks.
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

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.Cleanup(ctx); err != nil {
				m.logger.Warn("lock sweep failed", "error", err)
			}
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) readLock(ctx context.Context, lockID string) (*Info, error) {
	return m.readLockKey(ctx, m.storageKey(lockID))
}

// readLockKey reads and validates a lock record. Unparsable records are
// deleted and treated as absent.
func (m *Manager) readLockKey(ctx context.Context, key string) (*Info, error) {
	rc, err := m.backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading lock file: %w", err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		_ = m.backend.Delete(ctx, key)
		m.logger.Warn("deleted corrupt lock file", "key", key, "error", err)
		return nil, fmt.Errorf("decoding lock file: %w", err)
	}
	return &info, nil
}

func (m *Manager) storageKey(lockID string) string {
	return fmt.Sprintf("%s/%s.lock", locksPrefix, lockID)
}
