package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	coordinator "github.com/wolfeidau/resource-coordinator"
	"github.com/wolfeidau/resource-coordinator/telemetry"
)

var (
	// ErrExtensionNotAllowed rejects attachments whose filename extension
	// is not on the allow-list. Checked before any write occurs.
	ErrExtensionNotAllowed = errors.New("idempotency: attachment extension not allowed")

	// ErrAttachmentTooLarge rejects attachments over the configured byte
	// limit. Checked before any write occurs.
	ErrAttachmentTooLarge = errors.New("idempotency: attachment too large")
)

// ValidationResult records the informational content checks run at store
// time. A failed validation never blocks storage; downstream consumers
// decide what to do with the verdict.
type ValidationResult struct {
	Valid   bool     `json:"valid"`
	Reasons []string `json:"reasons,omitempty"`
}

// AttachmentInfo describes a stored attachment. The on-disk form is the
// JSON serialization of this struct in the {file_id}.meta.json sidecar
// next to the {file_id}.data bytes.
type AttachmentInfo struct {
	FileID      string               `json:"file_id"`
	Filename    string               `json:"filename"`
	Checksum    coordinator.Checksum `json:"checksum"`
	Size        int64                `json:"size"`
	ContentType string               `json:"content_type"`
	Validation  ValidationResult     `json:"validation"`
	CreatedAt   time.Time            `json:"created_at"`
}

// StoreAttachment persists attachment bytes under fileID. Policy checks
// (extension allow-list, size limit) run before anything touches disk.
// When dedup is enabled and an identical checksum is already on file, the
// existing AttachmentInfo is returned unchanged and nothing is written.
func (s *Store) StoreAttachment(ctx context.Context, fileID, filename string, data []byte, contentType string) (*AttachmentInfo, error) {
	if len(s.config.AllowedExtensions) > 0 {
		ext := strings.ToLower(filepath.Ext(filename))
		allowed := false
		for _, e := range s.config.AllowedExtensions {
			if ext == e {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("%w: %s", ErrExtensionNotAllowed, ext)
		}
	}
	if int64(len(data)) > s.config.MaxAttachmentBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrAttachmentTooLarge, len(data), s.config.MaxAttachmentBytes)
	}

	checksum := coordinator.ChecksumBytes(data)

	if s.config.DedupAttachments {
		if existing, err := s.FindAttachmentByChecksum(ctx, checksum); err == nil && existing != nil {
			telemetry.RecordAttachmentDedup(ctx, existing.Size)
			s.logger.Debug("attachment deduplicated",
				"file_id", existing.FileID,
				"checksum", checksum.ShortString(),
			)
			return existing, nil
		}
	}

	info := &AttachmentInfo{
		FileID:      fileID,
		Filename:    filename,
		Checksum:    checksum,
		Size:        int64(len(data)),
		ContentType: contentType,
		Validation:  validateContent(filename, contentType, data),
		CreatedAt:   s.now(),
	}

	if err := s.backend.Write(ctx, s.attachmentDataKey(fileID), bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("writing attachment data: %w", err)
	}
	if err := s.writeAttachmentInfo(ctx, info); err != nil {
		// Do not leave orphaned data bytes behind a failed sidecar write.
		_ = s.backend.Delete(ctx, s.attachmentDataKey(fileID))
		return nil, err
	}
	if err := s.index.PutChecksum(checksum.String(), fileID); err != nil {
		s.logger.Warn("failed to index attachment checksum", "file_id", fileID, "error", err)
	}

	return info, nil
}

// GetAttachment returns an attachment's info and bytes. The checksum of the
// bytes read back is recomputed; a mismatch returns ErrCorrupted because it
// indicates data loss, not a transient condition.
func (s *Store) GetAttachment(ctx context.Context, fileID string) (*AttachmentInfo, []byte, error) {
	info, err := s.readAttachmentInfo(ctx, fileID)
	if err != nil {
		return nil, nil, ErrNotFound
	}

	rc, err := s.backend.Read(ctx, s.attachmentDataKey(fileID))
	if err != nil {
		return nil, nil, ErrNotFound
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("reading attachment data: %w", err)
	}

	if got := coordinator.ChecksumBytes(data); got != info.Checksum {
		return nil, nil, fmt.Errorf("%w: file %s has checksum %s, expected %s",
			ErrCorrupted, fileID, got.ShortString(), info.Checksum.ShortString())
	}
	return info, data, nil
}

// FindAttachmentByChecksum returns the stored attachment with the given
// content checksum, or nil when none exists.
func (s *Store) FindAttachmentByChecksum(ctx context.Context, checksum coordinator.Checksum) (*AttachmentInfo, error) {
	fileID, ok := s.index.FileID(checksum.String())
	if !ok {
		return nil, nil
	}

	info, err := s.readAttachmentInfo(ctx, fileID)
	if err != nil {
		// Stale index entry: the sidecar is gone.
		_ = s.index.DeleteChecksum(checksum.String())
		return nil, nil
	}
	return info, nil
}

// DeleteAttachment removes an attachment's bytes, sidecar and index entry.
func (s *Store) DeleteAttachment(ctx context.Context, fileID string) error {
	info, err := s.readAttachmentInfo(ctx, fileID)
	if err == nil {
		_ = s.index.DeleteChecksum(info.Checksum.String())
	}
	if err := s.backend.Delete(ctx, s.attachmentDataKey(fileID)); err != nil {
		return fmt.Errorf("deleting attachment data: %w", err)
	}
	return s.backend.Delete(ctx, s.attachmentMetaKey(fileID))
}

// validateContent runs the informational content checks: encoding validity
// for text, embedded NUL bytes, and a structural parse for JSON.
func validateContent(filename, contentType string, data []byte) ValidationResult {
	result := ValidationResult{Valid: true}

	isText := strings.HasPrefix(contentType, "text/") ||
		contentType == "application/json" ||
		strings.HasSuffix(filename, ".json") ||
		strings.HasSuffix(filename, ".txt") ||
		strings.HasSuffix(filename, ".md")

	if isText {
		if !utf8.Valid(data) {
			result.Valid = false
			result.Reasons = append(result.Reasons, "content is not valid UTF-8")
		}
		if bytes.IndexByte(data, 0) >= 0 {
			result.Valid = false
			result.Reasons = append(result.Reasons, "content contains embedded NUL bytes")
		}
	}

	if contentType == "application/json" || strings.HasSuffix(filename, ".json") {
		if !json.Valid(data) {
			result.Valid = false
			result.Reasons = append(result.Reasons, "content is not valid JSON")
		}
	}

	return result
}

func (s *Store) readAttachmentInfo(ctx context.Context, fileID string) (*AttachmentInfo, error) {
	return s.readAttachmentInfoKey(ctx, s.attachmentMetaKey(fileID))
}

// readAttachmentInfoKey reads and validates an attachment sidecar.
// Unparsable sidecars are deleted and treated as absent.
func (s *Store) readAttachmentInfoKey(ctx context.Context, key string) (*AttachmentInfo, error) {
	rc, err := s.backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading attachment metadata: %w", err)
	}

	var info AttachmentInfo
	if err := json.Unmarshal(data, &info); err != nil {
		_ = s.backend.Delete(ctx, key)
		s.logger.Warn("deleted corrupt attachment sidecar", "key", key, "error", err)
		return nil, fmt.Errorf("decoding attachment metadata: %w", err)
	}
	return &info, nil
}

func (s *Store) writeAttachmentInfo(ctx context.Context, info *AttachmentInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding attachment metadata: %w", err)
	}
	if err := s.backend.Write(ctx, s.attachmentMetaKey(info.FileID), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing attachment metadata: %w", err)
	}
	return nil
}

func (s *Store) attachmentDataKey(fileID string) string {
	return fmt.Sprintf("%s/%s.data", attachmentsPrefix, fileID)
}

func (s *Store) attachmentMetaKey(fileID string) string {
	return fmt.Sprintf("%s/%s.meta.json", attachmentsPrefix, fileID)
}
