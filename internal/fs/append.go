package fs

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	filePerm = os.FileMode(0o644)
	dirPerm  = os.FileMode(0o755)
)

// AppendLine appends one JSONL entry to path and fsyncs before returning.
// The entry must not contain a newline; the terminating '\n' is added here.
// Parent directories are created as needed.
//
// A crash after AppendLine returns leaves the entry durable. A crash during
// the call can leave a torn tail line; readers of append-only logs must
// tolerate a trailing partial line.
func AppendLine(fsys FS, path string, entry []byte) error {
	err := fsys.MkdirAll(filepath.Dir(path), dirPerm)
	if err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}

	file, openErr := fsys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if openErr != nil {
		return fmt.Errorf("open %s: %w", path, openErr)
	}

	defer func() { _ = file.Close() }()

	line := make([]byte, 0, len(entry)+1)
	line = append(line, entry...)
	line = append(line, '\n')

	_, writeErr := file.Write(line)
	if writeErr != nil {
		return fmt.Errorf("append %s: %w", path, writeErr)
	}

	syncErr := file.Sync()
	if syncErr != nil {
		return fmt.Errorf("fsync %s: %w", path, syncErr)
	}

	return nil
}

// WriteJSONDurable writes data to path atomically, creating parent
// directories as needed. The rename performed by the atomic write makes the
// content switch a single filesystem operation.
func WriteJSONDurable(fsys FS, path string, data []byte) error {
	err := fsys.MkdirAll(filepath.Dir(path), dirPerm)
	if err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}

	err = fsys.WriteFileAtomic(path, data)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

// SyncDir fsyncs a directory so a preceding rename or unlink in it is
// durable.
func SyncDir(fsys FS, dir string) error {
	handle, err := fsys.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}

	defer func() { _ = handle.Close() }()

	err = handle.Sync()
	if err != nil {
		return fmt.Errorf("fsync dir %s: %w", dir, err)
	}

	return nil
}
