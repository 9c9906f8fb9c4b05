package coordinator

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChecksumBytes(t *testing.T) {
	a := ChecksumBytes([]byte("hello"))
	b := ChecksumBytes([]byte("hello"))
	c := ChecksumBytes([]byte("world"))

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.False(t, a.IsZero())
	require.True(t, Checksum{}.IsZero())
}

func TestChecksumReader(t *testing.T) {
	data := bytes.Repeat([]byte("streaming data "), 100)

	sum, n, err := ChecksumReader(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, ChecksumBytes(data), sum)
}

func TestChecksumTextRoundtrip(t *testing.T) {
	original := ChecksumBytes([]byte("roundtrip"))

	text, err := original.MarshalText()
	require.NoError(t, err)
	require.Len(t, text, ChecksumSize*2)

	parsed, err := ParseChecksum(string(text))
	require.NoError(t, err)
	require.Equal(t, original, parsed)

	_, err = ParseChecksum("deadbeef")
	require.Error(t, err)
}

func TestChecksumJSON(t *testing.T) {
	original := ChecksumBytes([]byte("json field"))

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Checksum
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, original, decoded)
}

func TestDigestKey(t *testing.T) {
	digest := DigestKey("render:molecule-42")

	// Storage identifiers are plain SHA-256 hex so other runtimes can
	// derive the same paths.
	want := sha256.Sum256([]byte("render:molecule-42"))
	require.Equal(t, hex.EncodeToString(want[:]), digest)
	require.Len(t, digest, 64)

	require.NotEqual(t, digest, DigestKey("render:molecule-43"))
}

func TestHashingReader(t *testing.T) {
	data := []byte("hash while reading")
	hr := NewHashingReader(bytes.NewReader(data))

	got, err := io.ReadAll(hr)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, int64(len(data)), hr.BytesRead())
	require.Equal(t, ChecksumBytes(data), hr.Sum())
}

func TestProcessIdentityStable(t *testing.T) {
	a := ProcessIdentity()
	b := ProcessIdentity()

	require.Equal(t, a, b)
	require.Len(t, a.String(), 64)
}
