package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "once.lock")

	require.NoError(t, CreateExclusive(path, []byte("first")))
	require.ErrorIs(t, CreateExclusive(path, []byte("second")), ErrExists)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "target.json")

	require.NoError(t, WriteFileAtomic(path, []byte("v1")))
	require.NoError(t, WriteFileAtomic(path, []byte("v2")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	// No temp droppings left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestReplaceFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "staged")
	dst := filepath.Join(dir, "final")

	require.NoError(t, os.WriteFile(src, []byte("new content"), 0644))
	require.NoError(t, os.WriteFile(dst, []byte("old content"), 0644))

	require.NoError(t, ReplaceFile(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, []byte("new content"), got)

	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err))
}
