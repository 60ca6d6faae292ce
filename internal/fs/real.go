package fs

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

// Real implements [FS] over the real filesystem.
//
// All methods are passthroughs to the [os] package with identical error
// semantics, except [Real.WriteFileAtomic] (temp file plus rename via
// natefinch/atomic) and [Real.Exists] (wraps [os.Stat]).
type Real struct{}

// NewReal returns a new [Real] filesystem.
func NewReal() *Real {
	return &Real{}
}

// Open is a passthrough for [os.Open].
func (r *Real) Open(path string) (File, error) {
	return os.Open(path)
}

// OpenFile is a passthrough for [os.OpenFile].
func (r *Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

// ReadFile is a passthrough for [os.ReadFile].
func (r *Real) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFileAtomic writes data to path atomically: temp file in the same
// directory, fsync, rename over path.
func (r *Real) WriteFileAtomic(path string, data []byte) error {
	return atomic.WriteFile(path, bytes.NewReader(data))
}

// ReadDir is a passthrough for [os.ReadDir].
func (r *Real) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

// MkdirAll is a passthrough for [os.MkdirAll].
func (r *Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Stat is a passthrough for [os.Stat].
func (r *Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// Remove is a passthrough for [os.Remove].
func (r *Real) Remove(path string) error {
	return os.Remove(path)
}

// Rename is a passthrough for [os.Rename].
func (r *Real) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// Exists reports whether path exists.
// Returns (true, nil) if it exists, (false, nil) if it does not, and
// (false, err) for any other stat failure.
func (r *Real) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return false, fmt.Errorf("stat %s: %w", path, err)
}
