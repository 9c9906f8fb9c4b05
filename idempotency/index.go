package idempotency

import (
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketRequestKeys         = []byte("request_keys")          // idempotency key -> request id
	bucketAttachmentChecksums = []byte("attachment_checksums") // content checksum -> file id
)

// Index accelerates key-to-record and checksum-to-attachment lookups with
// a bbolt database. The JSON files on disk stay authoritative: a stale
// index entry is repaired on read, and a missing database is rebuilt by
// scanning the sidecars.
type Index struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// OpenIndex opens (or creates) the index database at the given path.
func OpenIndex(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRequestKeys, bucketAttachmentChecksums} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("opened idempotency index", "path", path)
	return &Index{db: db, logger: logger}, nil
}

// Close closes the index database.
func (ix *Index) Close() error {
	if ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

// RequestID returns the request id recorded for an idempotency key.
func (ix *Index) RequestID(key string) (string, bool) {
	var id string
	_ = ix.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketRequestKeys).Get([]byte(key)); v != nil {
			id = string(v)
		}
		return nil
	})
	return id, id != ""
}

// PutRequestKey records the request id for an idempotency key.
func (ix *Index) PutRequestKey(key, requestID string) error {
	return ix.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRequestKeys).Put([]byte(key), []byte(requestID))
	})
}

// DeleteRequestKey removes an idempotency key mapping.
func (ix *Index) DeleteRequestKey(key string) error {
	return ix.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRequestKeys).Delete([]byte(key))
	})
}

// FileID returns the attachment file id recorded for a content checksum.
func (ix *Index) FileID(checksum string) (string, bool) {
	var id string
	_ = ix.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketAttachmentChecksums).Get([]byte(checksum)); v != nil {
			id = string(v)
		}
		return nil
	})
	return id, id != ""
}

// PutChecksum records the file id for a content checksum.
func (ix *Index) PutChecksum(checksum, fileID string) error {
	return ix.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAttachmentChecksums).Put([]byte(checksum), []byte(fileID))
	})
}

// DeleteChecksum removes a checksum mapping.
func (ix *Index) DeleteChecksum(checksum string) error {
	return ix.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAttachmentChecksums).Delete([]byte(checksum))
	})
}
