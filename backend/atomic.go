package backend

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CreateExclusive writes data to an absolute path only if the path does not
// already exist. Returns ErrExists otherwise. Path-level counterpart of
// Filesystem.WriteExclusive for callers that operate outside a storage root.
func CreateExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return fmt.Errorf("creating file exclusively: %w", err)
	}

	success := false
	defer func() {
		if !success {
			_ = f.Close()
			_ = os.Remove(path)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing file: %w", err)
	}

	success = true
	return nil
}

// WriteFileAtomic writes data to an absolute path using the temp-and-rename
// pattern. A concurrent reader of path sees either the previous complete
// content or the new complete content, never a partial write.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := ReplaceFile(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	success = true
	return nil
}

// ReplaceFile moves oldpath onto newpath, replacing any existing file.
// On POSIX systems the rename is a single atomic syscall. If the rename
// fails because the platform cannot rename over an existing file, it falls
// back to copy-then-delete, which narrows but does not eliminate the window
// in which a reader can observe the transition.
func ReplaceFile(oldpath, newpath string) error {
	err := os.Rename(oldpath, newpath)
	if err == nil {
		return nil
	}

	if copyErr := copyFile(oldpath, newpath); copyErr != nil {
		return fmt.Errorf("renaming file: %w", err)
	}
	if rmErr := os.Remove(oldpath); rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("removing source after copy: %w", rmErr)
	}
	return nil
}

// copyFile copies src onto dst, syncing before close.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("opening destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copying data: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("syncing destination: %w", err)
	}
	return out.Close()
}
