// Package fsys is the file-system boundary of the download core: existence
// checks, folder creation, sizes, free space and the download sandbox.
package fsys

import (
	"errors"
	"io/fs"
	"os"
)

// ErrFreeSpaceUnavailable is returned on platforms that cannot report free space.
var ErrFreeSpaceUnavailable = errors.New("free space not available on this platform")

// FS is the set of file-system operations the download core relies on.
type FS interface {
	Exists(path string) (bool, error)
	MkdirAll(path string) error
	Size(path string) (int64, error)
	FreeSpace(path string) (uint64, error)
	Remove(path string) error
	WriteFile(path string, data []byte) error
}

// OS implements FS on the local file system.
type OS struct{}

// Compile-time interface satisfaction check.
var _ FS = OS{}

func (OS) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (OS) MkdirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}

func (OS) Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (OS) FreeSpace(path string) (uint64, error) {
	return freeSpace(path)
}

// Remove deletes path. A missing file is not an error.
func (OS) Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (OS) WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
