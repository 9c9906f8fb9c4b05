package backend

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestInstrumented(t *testing.T) *InstrumentedBackend {
	t.Helper()

	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return NewInstrumentedBackend(fs, "filesystem")
}

func TestInstrumentedPassthrough(t *testing.T) {
	ctx := context.Background()
	b := newTestInstrumented(t)

	require.NoError(t, b.Write(ctx, "a/b", strings.NewReader("hello")))

	exists, err := b.Exists(ctx, "a/b")
	require.NoError(t, err)
	require.True(t, exists)

	rc, err := b.Read(ctx, "a/b")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, []byte("hello"), data)

	size, err := b.Size(ctx, "a/b")
	require.NoError(t, err)
	require.Equal(t, int64(5), size)

	keys, err := b.List(ctx, "a/")
	require.NoError(t, err)
	require.Equal(t, []string{"a/b"}, keys)

	require.NoError(t, b.Delete(ctx, "a/b"))
	_, err = b.Read(ctx, "a/b")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedWriteExclusive(t *testing.T) {
	ctx := context.Background()
	b := newTestInstrumented(t)

	require.NoError(t, b.WriteExclusive(ctx, "lock", bytes.NewReader([]byte("one"))))
	err := b.WriteExclusive(ctx, "lock", bytes.NewReader([]byte("two")))
	require.ErrorIs(t, err, ErrExists)

	rc, err := b.Read(ctx, "lock")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, []byte("one"), data)
}

func TestInstrumentedWriter(t *testing.T) {
	ctx := context.Background()
	b := newTestInstrumented(t)

	w, err := b.Writer(ctx, "streamed")
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	size, err := b.Size(ctx, "streamed")
	require.NoError(t, err)
	require.Equal(t, int64(7), size)
}

func TestInstrumentedUnwrap(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	b := NewInstrumentedBackend(fs, "filesystem")
	require.Same(t, fs, b.Unwrap())
}
