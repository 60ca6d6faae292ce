// Package wal implements the store's write-ahead journal and the atomic
// document writer built on it.
//
// The journal records an intent (target path plus payload checksum) before
// every document write. Each entry is appended to two journals, a primary
// and a byte-for-byte shadow mirror; after any successful write the two
// files are equal, and divergence found during recovery is a fatal
// integrity failure.
//
// The journal holds intents, not payload bodies, so recovery is
// operator-assisted: [Journal.Recover] verifies mirror equality, reports
// the pending intents, and truncates both journals.
package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/fail"
	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/ident"
	"github.com/forgeflow/forgeflow/internal/layout"
)

// OpWrite is the only journaled operation.
const OpWrite = "write"

// Entry is one journaled intent.
type Entry struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id"`
	Target    string `json:"target"`
	Operation string `json:"operation"`
	Checksum  string `json:"checksum"`
}

// Journal is the mirrored write-ahead log. Safe for use by a single writer;
// concurrent readers must tolerate a torn tail line.
type Journal struct {
	fsys   fs.FS
	root   layout.Root
	clock  ident.Clock
	logger *zap.Logger
}

// NewJournal creates a journal over the given store root.
func NewJournal(fsys fs.FS, root layout.Root, clock ident.Clock, logger *zap.Logger) *Journal {
	return &Journal{fsys: fsys, root: root, clock: clock, logger: logger.Named("wal")}
}

// Append journals an intent to write target (store-relative) with the given
// payload checksum. The entry is appended and fsynced to the primary
// journal first, then the shadow; only after both are durable does the
// caller proceed to the document write.
func (j *Journal) Append(target, runID, checksum string) (Entry, error) {
	entry := Entry{
		Timestamp: ident.Timestamp(j.clock.Now()),
		RunID:     runID,
		Target:    target,
		Operation: OpWrite,
		Checksum:  checksum,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal wal entry: %w", err)
	}

	err = fs.AppendLine(j.fsys, j.root.Path(layout.WALPrimary), line)
	if err != nil {
		return Entry{}, fmt.Errorf("append primary wal: %w", err)
	}

	err = fs.AppendLine(j.fsys, j.root.Path(layout.WALShadow), line)
	if err != nil {
		return Entry{}, fmt.Errorf("append shadow wal: %w", err)
	}

	return entry, nil
}

// Recover inspects the journal pair after a process start.
//
// It compares the primary and shadow byte-for-byte (mismatch reports kind
// WAL_INTEGRITY and leaves both files untouched for inspection), decodes
// the pending intents, truncates both journals, and returns the intents so
// the operator can check whether each target write completed.
func (j *Journal) Recover() ([]Entry, error) {
	primary, shadow, err := j.readPair()
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(primary, shadow) {
		return nil, fail.New(fail.WALIntegrity,
			"journal mirror divergence: primary %d bytes, shadow %d bytes", len(primary), len(shadow))
	}

	entries, decodeErr := decodeEntries(primary)
	if decodeErr != nil {
		return nil, fail.Wrap(fail.WALIntegrity, decodeErr, "decode journal")
	}

	if len(entries) > 0 {
		j.logger.Warn("journal has pending intents from a previous process",
			zap.Int("count", len(entries)))
	}

	truncErr := j.truncateBoth()
	if truncErr != nil {
		return nil, truncErr
	}

	return entries, nil
}

// Pending decodes the current intents without truncating, for the recovery
// report CLI. The mirror check still applies.
func (j *Journal) Pending() ([]Entry, error) {
	primary, shadow, err := j.readPair()
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(primary, shadow) {
		return nil, fail.New(fail.WALIntegrity,
			"journal mirror divergence: primary %d bytes, shadow %d bytes", len(primary), len(shadow))
	}

	entries, decodeErr := decodeEntries(primary)
	if decodeErr != nil {
		return nil, fail.Wrap(fail.WALIntegrity, decodeErr, "decode journal")
	}

	return entries, nil
}

func (j *Journal) readPair() (primary, shadow []byte, err error) {
	primary, primaryErr := j.readAll(j.root.Path(layout.WALPrimary))
	if primaryErr != nil {
		return nil, nil, fmt.Errorf("read primary wal: %w", primaryErr)
	}

	shadow, shadowErr := j.readAll(j.root.Path(layout.WALShadow))
	if shadowErr != nil {
		return nil, nil, fmt.Errorf("read shadow wal: %w", shadowErr)
	}

	return primary, shadow, nil
}

func (j *Journal) readAll(path string) ([]byte, error) {
	raw, err := j.fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}

	return raw, nil
}

// truncateBoth empties both journals and fsyncs each. The shadow goes
// first: a crash between the two truncations then reads as "primary has
// intents the shadow lost", which the next recovery reports as divergence
// instead of silently dropping intents.
func (j *Journal) truncateBoth() error {
	err := j.truncate(j.root.Path(layout.WALShadow))
	if err != nil {
		return fmt.Errorf("truncate shadow wal: %w", err)
	}

	err = j.truncate(j.root.Path(layout.WALPrimary))
	if err != nil {
		return fmt.Errorf("truncate primary wal: %w", err)
	}

	return nil
}

func (j *Journal) truncate(path string) error {
	exists, err := j.fsys.Exists(path)
	if err != nil {
		return err
	}

	if !exists {
		return nil
	}

	file, openErr := j.fsys.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if openErr != nil {
		return fmt.Errorf("open for truncate: %w", openErr)
	}

	defer func() { _ = file.Close() }()

	syncErr := file.Sync()
	if syncErr != nil {
		return fmt.Errorf("fsync: %w", syncErr)
	}

	return nil
}

// decodeEntries parses the JSONL body into entries. A trailing partial
// line (torn append) is tolerated and dropped; a malformed complete line is
// an error.
func decodeEntries(body []byte) ([]Entry, error) {
	entries := make([]Entry, 0)
	reader := bufio.NewReader(bytes.NewReader(body))

	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("read line: %w", readErr)
		}

		complete := readErr == nil

		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			if !complete {
				// Torn tail from a crash mid-append. The intent never
				// became durable on both mirrors, so it is dropped.
				break
			}

			var entry Entry

			unmarshalErr := json.Unmarshal(line, &entry)
			if unmarshalErr != nil {
				return nil, fmt.Errorf("parse line: %w", unmarshalErr)
			}

			if entry.Operation != OpWrite {
				return nil, fmt.Errorf("unknown operation %q", entry.Operation)
			}

			entries = append(entries, entry)
		}

		if !complete {
			break
		}
	}

	return entries, nil
}
