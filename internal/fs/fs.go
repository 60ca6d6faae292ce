// Package fs provides the filesystem abstraction the durable store writes
// through.
//
// The main types are:
//   - [FS]: interface for the filesystem operations the store needs
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation over the [os] package
//   - [Faulty]: testing implementation that fails selected operations
//
// Every durable write in the store flows through an [FS] so that crash and
// fault scenarios can be driven from tests without touching a real disk
// failure.
package fs

import (
	"io"
	"os"
)

// File represents an open file descriptor.
//
// Satisfied by [os.File]. Implementations must behave like [os.File],
// including [File.Fd] returning a descriptor usable with flock until the
// file is closed.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor, for flock and ftruncate.
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file.
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to stable storage.
	Sync() error
}

// FS defines the filesystem operations used by the durable store.
//
// Paths use OS semantics (like the os package), not io/fs slash paths.
// Implementations must be safe for concurrent use.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with the given flags and permissions.
	// See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads the whole file. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic writes data to path via temp-file-plus-rename so a
	// crash never exposes a partial file.
	WriteFileAtomic(path string, data []byte) error

	// ReadDir lists a directory. See [os.ReadDir].
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll creates a directory and its parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file metadata. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Remove deletes a file. See [os.Remove].
	Remove(path string) error

	// Rename atomically replaces newpath with oldpath. See [os.Rename].
	Rename(oldpath, newpath string) error

	// Exists reports whether path exists. Returns (false, nil) for a
	// missing path and (false, err) for any other stat failure.
	Exists(path string) (bool, error)
}
