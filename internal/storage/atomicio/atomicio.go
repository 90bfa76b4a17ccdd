// Package atomicio writes and reads single files so that a reader observes
// either the previous content or the new content, never a mix.
package atomicio

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/devrev/buckets/internal/errors"
)

const (
	FilePerm = 0o644
	DirPerm  = 0o755

	tempPattern = ".tmp-*"
)

// WriteFile replaces path with data: temp file in the same directory, fsync,
// rename, then fsync of the parent directory so the rename itself is durable.
// Missing parent directories are created.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return errors.IO(fmt.Sprintf("create temp file in %s", dir), err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(FilePerm); err != nil {
		return errors.IO(fmt.Sprintf("chmod %s", tmpName), err)
	}
	if _, err := tmp.Write(data); err != nil {
		return errors.IO(fmt.Sprintf("write %s", tmpName), err)
	}
	if err := tmp.Sync(); err != nil {
		return errors.IO(fmt.Sprintf("fsync %s", tmpName), err)
	}
	if err := tmp.Close(); err != nil {
		return errors.IO(fmt.Sprintf("close %s", tmpName), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.IO(fmt.Sprintf("rename %s to %s", tmpName, path), err)
	}
	success = true

	return SyncDir(dir)
}

// ReadFile returns the content of path. A missing file is reported as
// NotFound, any other failure as IO.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil, errors.NotFound(fmt.Sprintf("%s does not exist", path), err)
		}
		return nil, errors.IO(fmt.Sprintf("read %s", path), err)
	}
	return data, nil
}

// EnsureDir creates path and any missing parents
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, DirPerm); err != nil {
		return errors.IO(fmt.Sprintf("create directory %s", path), err)
	}
	return nil
}

// SyncDir fsyncs a directory so entries created or renamed in it survive a crash
func SyncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return errors.IO(fmt.Sprintf("open directory %s", path), err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return errors.IO(fmt.Sprintf("fsync directory %s", path), err)
	}
	return nil
}

// RemoveAll deletes path and everything below it, then syncs the parent
func RemoveAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return errors.IO(fmt.Sprintf("remove %s", path), err)
	}
	parent := filepath.Dir(path)
	if _, err := os.Stat(parent); err != nil {
		return nil
	}
	return SyncDir(parent)
}
