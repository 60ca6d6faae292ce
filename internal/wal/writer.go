package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/ident"
)

// Writer performs crash-safe JSON document writes: journal the intent on
// both mirrors, write the target atomically, fsync.
//
// Ordering guarantee: the journal entries for an operation are durable
// before the target file changes. A crash between journal and target write
// leaves a recoverable intent; a crash after leaves a durable write with a
// matching journal entry.
type Writer struct {
	fsys    fs.FS
	journal *Journal
	root    string
}

// NewWriter creates a writer that journals through journal and writes under
// the journal's store root.
func NewWriter(fsys fs.FS, journal *Journal) *Writer {
	return &Writer{fsys: fsys, journal: journal, root: string(journal.root)}
}

// WriteJSON durably writes payload as JSON to the store-relative target.
//
// The checksum recorded in the journal is SHA-256 over the canonical JSON
// of the payload, so it matches regardless of field order. The file content
// is the payload's plain JSON encoding with a trailing newline.
func (w *Writer) WriteJSON(target string, payload any, runID string) error {
	checksum, err := ident.Checksum(payload)
	if err != nil {
		return fmt.Errorf("checksum payload for %s: %w", target, err)
	}

	_, err = w.journal.Append(target, runID, checksum)
	if err != nil {
		return fmt.Errorf("journal intent for %s: %w", target, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", target, err)
	}

	body = append(body, '\n')

	absPath := filepath.Join(w.root, filepath.FromSlash(target))

	err = w.fsys.MkdirAll(filepath.Dir(absPath), os.FileMode(0o755))
	if err != nil {
		return fmt.Errorf("mkdir for %s: %w", target, err)
	}

	err = w.fsys.WriteFileAtomic(absPath, body)
	if err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}

	return nil
}
