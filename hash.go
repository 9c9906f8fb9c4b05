// Package coordinator provides shared primitives for the resource
// coordination layer: content checksums, storage key digests, and the
// process identity used for lock ownership.
package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// ChecksumSize is the size of a BLAKE3 checksum in bytes (256 bits).
const ChecksumSize = 32

// Checksum represents a BLAKE3 256-bit digest of content.
// It is used wherever the layer fingerprints bytes it owns: attachments,
// published artifacts, and managed temp files.
type Checksum [ChecksumSize]byte

// String returns the hex-encoded representation of the checksum.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// ShortString returns a shortened hex representation for display.
func (c Checksum) ShortString() string {
	return hex.EncodeToString(c[:8])
}

// IsZero returns true if the checksum is all zeros (uninitialized).
func (c Checksum) IsZero() bool {
	return c == Checksum{}
}

// MarshalText implements encoding.TextMarshaler.
func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Checksum) UnmarshalText(text []byte) error {
	if len(text) != ChecksumSize*2 {
		return fmt.Errorf("invalid checksum length: expected %d hex chars, got %d", ChecksumSize*2, len(text))
	}
	_, err := hex.Decode(c[:], text)
	return err
}

// ParseChecksum parses a hex-encoded checksum string.
func ParseChecksum(s string) (Checksum, error) {
	var c Checksum
	if err := c.UnmarshalText([]byte(s)); err != nil {
		return Checksum{}, err
	}
	return c, nil
}

// ChecksumBytes computes the BLAKE3 checksum of the given bytes.
func ChecksumBytes(data []byte) Checksum {
	return Checksum(blake3.Sum256(data))
}

// ChecksumReader computes the BLAKE3 checksum of content from the reader.
// It returns the checksum and the number of bytes read.
func ChecksumReader(r io.Reader) (Checksum, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Checksum{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var c Checksum
	h.Sum(c[:0])
	return c, n, nil
}

// DigestKey returns the hex-encoded SHA-256 digest of a caller-supplied key.
// Storage identifiers under the coordination root (cache entries, lock
// files) are SHA-256 digests so collaborators on other runtimes can locate
// entries without linking BLAKE3; content checksums stay on BLAKE3.
func DigestKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// HashingReader wraps a reader and computes the checksum as data is read.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewHashingReader creates a reader that computes a checksum as data is read.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{
		r: r,
		h: blake3.New(),
	}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the checksum of all data read so far.
func (hr *HashingReader) Sum() Checksum {
	var c Checksum
	hr.h.Sum(c[:0])
	return c
}

// BytesRead returns the total number of bytes read.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}
