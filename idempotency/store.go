package idempotency

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

	"github.com/google/uuid"

	"github.com/wolfeidau/resource-coordinator/backend"
	"github.com/wolfeidau/resource-coordinator/telemetry"
)

const (
	// recordsPrefix is the storage prefix for request records.
	recordsPrefix = "idempotency/records"

	// attachmentsPrefix is the storage prefix for attachment data and
	// metadata sidecars.
	attachmentsPrefix = "idempotency/attachments"
)

var (
	// ErrNotFound is returned when a record or attachment does not exist.
	ErrNotFound = errors.New("idempotency: not found")

	// ErrTooManyInFlight is the hard backpressure rejection returned when
	// the in-flight request bound is reached.
	ErrTooManyInFlight = errors.New("idempotency: too many requests in flight")

	// ErrNotProcessing is returned when completing a request that is not
	// in the processing state.
	ErrNotProcessing = errors.New("idempotency: request is not processing")

	// ErrCorrupted signals that attachment bytes read back do not match
	// their stored checksum. This is escalated rather than masked because
	// it indicates data loss in the storage layer.
	ErrCorrupted = errors.New("idempotency: attachment corrupted")
)

// Status is the lifecycle state of a request record. Transitions are
// processing to completed or processing to failed, nothing else.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record tracks one deduplicated request. The on-disk form is the JSON
// serialization of this struct under records/{request_id}.json.
type Record struct {
	RequestID     string            `json:"request_id"`
	Key           string            `json:"key"`
	Status        Status            `json:"status"`
	Result        json.RawMessage   `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	TTL           time.Duration     `json:"ttl"`
}

// Expired reports whether the record has outlived its duplicate-detection
// window at the given instant. The window derives from the record's own
// creation time and TTL, never from a cached verdict.
func (r *Record) Expired(now time.Time) bool {
	if r.TTL <= 0 {
		return false
	}
	return !now.Before(r.CreatedAt.Add(r.TTL))
}

// Config holds idempotency store configuration.
type Config struct {
	// MaxInFlight bounds simultaneously processing requests. Exceeding it
	// is a hard rejection, not a retryable soft error. Default: 16.
	MaxInFlight int

	// AllowedExtensions is the attachment filename extension allow-list
	// (lowercase, with dot). Empty means allow all.
	AllowedExtensions []string

	// MaxAttachmentBytes is the maximum attachment size. Default: 32 MB.
	MaxAttachmentBytes int64

	// DedupAttachments collapses stores of byte-identical attachments
	// onto the first stored copy. Default: true (via DefaultConfig).
	DedupAttachments bool

	// Logger for store events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:        16,
		AllowedExtensions:  []string{".json", ".txt", ".md", ".svg", ".png", ".pdf"},
		MaxAttachmentBytes: 32 * 1024 * 1024,
		DedupAttachments:   true,
		Logger:             slog.Default(),
	}
}

// Store deduplicates requests and manages their attachments.
// Safe for concurrent use.
type Store struct {
	config  Config
	backend backend.Backend
	index   *Index
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	inFlight int
}

// Option configures a Store.
type Option func(*Store)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an idempotency store over the given backend, with its lookup
// index at indexPath. Existing records and attachment sidecars are
// reconciled into the index so a deleted or stale index never loses data.
func New(b backend.Backend, indexPath string, cfg Config, opts ...Option) (*Store, error) {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = 32 * 1024 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	index, err := OpenIndex(indexPath, cfg.Logger)
	if err != nil {
		return nil, err
	}

	s := &Store{
		config:  cfg,
		backend: b,
		index:   index,
		logger:  cfg.Logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.reconcile(context.Background()); err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("reconciling index: %w", err)
	}
	return s, nil
}

// Close releases the index database.
func (s *Store) Close() error {
	return s.index.Close()
}

// CheckDuplicate returns the record for key if one exists inside its TTL
// window. Expired records are purged on read and reported as absent.
func (s *Store) CheckDuplicate(ctx context.Context, key Key) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkDuplicateLocked(ctx, key)
}

func (s *Store) checkDuplicateLocked(ctx context.Context, key Key) (*Record, error) {
	requestID, ok := s.index.RequestID(key.Value)
	if !ok {
		return nil, nil
	}

	record, err := s.readRecord(ctx, requestID)
	if err != nil {
		// Stale index entry: the record file is gone or corrupt.
		_ = s.index.DeleteRequestKey(key.Value)
		return nil, nil
	}

	if record.Expired(s.now()) {
		s.purgeRecordLocked(ctx, record)
		return nil, nil
	}
	return record, nil
}

// RegisterRequest creates a processing record for key, or returns the
// existing record when an unexpired duplicate is already on file. The
// duplicate check and the registration happen under one lock so concurrent
// calls with the same key all resolve to a single record. The in-flight
// bound is enforced here; hitting it returns ErrTooManyInFlight.
func (s *Store) RegisterRequest(ctx context.Context, key Key, correlationID string, metadata map[string]string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.checkDuplicateLocked(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		telemetry.RecordIdempotencyRequest(ctx, "duplicate")
		return existing, nil
	}

	if s.inFlight >= s.config.MaxInFlight {
		telemetry.RecordIdempotencyRequest(ctx, "rejected")
		return nil, ErrTooManyInFlight
	}

	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	record := &Record{
		RequestID:     uuid.NewString(),
		Key:           key.Value,
		Status:        StatusProcessing,
		CorrelationID: correlationID,
		Metadata:      metadata,
		CreatedAt:     s.now(),
		TTL:           key.TTL,
	}

	if err := s.writeRecord(ctx, record); err != nil {
		return nil, err
	}
	if err := s.index.PutRequestKey(key.Value, record.RequestID); err != nil {
		s.logger.Warn("failed to index request key", "request_id", record.RequestID, "error", err)
	}
	s.inFlight++

	telemetry.RecordIdempotencyRequest(ctx, "new")
	return record, nil
}

// CompleteRequest transitions a processing record to completed, or to
// failed when errMsg is non-empty. Completing a record that is not
// processing returns ErrNotProcessing.
func (s *Store) CompleteRequest(ctx context.Context, requestID string, result json.RawMessage, errMsg string) (*Record, error) {
	record, err := s.readRecord(ctx, requestID)
	if err != nil {
		return nil, ErrNotFound
	}
	if record.Status != StatusProcessing {
		return nil, ErrNotProcessing
	}

	now := s.now()
	record.CompletedAt = &now
	if errMsg != "" {
		record.Status = StatusFailed
		record.Error = errMsg
	} else {
		record.Status = StatusCompleted
		record.Result = result
	}

	if err := s.writeRecord(ctx, record); err != nil {
		return nil, err
	}
	s.decrementInFlight()
	return record, nil
}

// GetRequest returns the record for a request id.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*Record, error) {
	record, err := s.readRecord(ctx, requestID)
	if err != nil {
		return nil, ErrNotFound
	}
	return record, nil
}

// Stats is a snapshot of store occupancy for health reporting.
type Stats struct {
	InFlight    int `json:"in_flight"`
	MaxInFlight int `json:"max_in_flight"`
	Records     int `json:"records"`
	Attachments int `json:"attachments"`
}

// GetStats returns a snapshot of store statistics.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	inFlight := s.inFlight
	s.mu.Unlock()

	stats := &Stats{
		InFlight:    inFlight,
		MaxInFlight: s.config.MaxInFlight,
	}

	records, err := s.backend.List(ctx, recordsPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	stats.Records = len(records)

	attachments, err := s.backend.List(ctx, attachmentsPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}
	for _, key := range attachments {
		if strings.HasSuffix(key, ".data") {
			stats.Attachments++
		}
	}
	return stats, nil
}

// PurgeExpired removes records past their TTL window. Returns the number
// removed.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	keys, err := s.backend.List(ctx, recordsPrefix)
	if err != nil {
		return 0, fmt.Errorf("listing records: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for _, key := range keys {
		record, err := s.readRecordKey(ctx, key)
		if err != nil {
			continue
		}
		if record.Expired(now) {
			s.purgeRecordLocked(ctx, record)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) decrementInFlight() {
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.mu.Unlock()
}

func (s *Store) purgeRecordLocked(ctx context.Context, record *Record) {
	if err := s.backend.Delete(ctx, s.recordKey(record.RequestID)); err != nil {
		s.logger.Warn("failed to purge expired record", "request_id", record.RequestID, "error", err)
	}
	_ = s.index.DeleteRequestKey(record.Key)
	if record.Status == StatusProcessing && s.inFlight > 0 {
		s.inFlight--
	}
}

// reconcile rebuilds index entries and the in-flight counter from the
// record and attachment files on disk.
func (s *Store) reconcile(ctx context.Context) error {
	keys, err := s.backend.List(ctx, recordsPrefix)
	if err != nil {
		return fmt.Errorf("listing records: %w", err)
	}

	now := s.now()
	inFlight := 0
	for _, key := range keys {
		record, err := s.readRecordKey(ctx, key)
		if err != nil {
			continue
		}
		if record.Expired(now) {
			continue
		}
		if err := s.index.PutRequestKey(record.Key, record.RequestID); err != nil {
			return err
		}
		if record.Status == StatusProcessing {
			inFlight++
		}
	}

	metas, err := s.backend.List(ctx, attachmentsPrefix)
	if err != nil {
		return fmt.Errorf("listing attachments: %w", err)
	}
	for _, key := range metas {
		if !strings.HasSuffix(key, ".meta.json") {
			continue
		}
		info, err := s.readAttachmentInfoKey(ctx, key)
		if err != nil {
			continue
		}
		if err := s.index.PutChecksum(info.Checksum.String(), info.FileID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.inFlight = inFlight
	s.mu.Unlock()
	return nil
}

// readRecord reads and validates a record. Unparsable records are deleted
// and treated as absent.
func (s *Store) readRecord(ctx context.Context, requestID string) (*Record, error) {
	return s.readRecordKey(ctx, s.recordKey(requestID))
}

func (s *Store) readRecordKey(ctx context.Context, key string) (*Record, error) {
	rc, err := s.backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		_ = s.backend.Delete(ctx, key)
		s.logger.Warn("deleted corrupt idempotency record", "key", key, "error", err)
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &record, nil
}

func (s *Store) writeRecord(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := s.backend.Write(ctx, s.recordKey(record.RequestID), strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

func (s *Store) recordKey(requestID string) string {
	return fmt.Sprintf("%s/%s.json", recordsPrefix, requestID)
}
