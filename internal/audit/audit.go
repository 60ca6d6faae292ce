// Package audit implements the hash-chained append-only event log.
//
// Each entry links to its predecessor: hash = SHA-256(previous_hash ||
// canonical(event)), with the literal "genesis" as the first previous_hash.
// The chain is tamper-evident, not tamper-proof: any in-place edit breaks
// the successor link and is reported by [Chain.Verify].
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/ident"
	"github.com/forgeflow/forgeflow/internal/layout"
)

// GenesisHash is the previous_hash of the first chain entry.
const GenesisHash = "genesis"

// Entry is one link of the audit chain.
type Entry struct {
	Timestamp    string          `json:"timestamp"`
	PreviousHash string          `json:"previous_hash"`
	Event        json.RawMessage `json:"event"`
	Hash         string          `json:"hash"`
}

// flockTimeout bounds the append guard. The flock spans one tail read and
// one line append; contention beyond this indicates a wedged process.
const flockTimeout = 2 * time.Second

// Chain appends to and verifies the audit log. Safe for concurrent use:
// appends are serialised by the chain itself, not the store lock, because
// incidents and run transitions append from paths that do not all hold it.
type Chain struct {
	fsys   fs.FS
	root   layout.Root
	clock  ident.Clock
	logger *zap.Logger

	// mu serialises in-process appenders; the flock in Append serialises
	// appenders across processes.
	mu sync.Mutex
}

// NewChain creates a chain over the given store root.
func NewChain(fsys fs.FS, root layout.Root, clock ident.Clock, logger *zap.Logger) *Chain {
	return &Chain{fsys: fsys, root: root, clock: clock, logger: logger.Named("audit")}
}

// Append links event onto the chain and fsyncs the log.
//
// The read-hash-then-append window is guarded: two appenders racing through
// it would both link to the same predecessor and break the chain for good.
func (c *Chain) Append(event any) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	guard, flockErr := fs.AcquireFlock(c.fsys, c.root.Path(layout.AuditLock), flockTimeout)
	if flockErr != nil {
		return Entry{}, fmt.Errorf("acquire append guard: %w", flockErr)
	}

	defer func() { _ = guard.Close() }()

	previousHash, err := c.lastHash()
	if err != nil {
		return Entry{}, err
	}

	canonical, err := ident.CanonicalJSON(event)
	if err != nil {
		return Entry{}, fmt.Errorf("canonicalize event: %w", err)
	}

	entry := Entry{
		Timestamp:    ident.Timestamp(c.clock.Now()),
		PreviousHash: previousHash,
		Event:        canonical,
		Hash:         ident.HashBytes(append([]byte(previousHash), canonical...)),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit entry: %w", err)
	}

	err = fs.AppendLine(c.fsys, c.root.Path(layout.AuditLog), line)
	if err != nil {
		return Entry{}, fmt.Errorf("append audit log: %w", err)
	}

	return entry, nil
}

// Report is the result of a chain verification.
type Report struct {
	// Checked is the number of entries examined.
	Checked int

	// DivergedAt is the index of the first entry whose link or hash does
	// not reproduce, or -1 when the chain verifies.
	DivergedAt int

	// Reason describes the first divergence, empty when the chain verifies.
	Reason string
}

// OK reports whether verification found no divergence.
func (r Report) OK() bool {
	return r.DivergedAt < 0
}

// Verify recomputes every link of the chain and reports the first
// divergence. An empty or missing log verifies trivially.
func (c *Chain) Verify() (Report, error) {
	entries, err := c.Entries()
	if err != nil {
		return Report{}, err
	}

	report := Report{Checked: len(entries), DivergedAt: -1}
	expectedPrevious := GenesisHash

	for i, entry := range entries {
		if entry.PreviousHash != expectedPrevious {
			report.DivergedAt = i
			report.Reason = fmt.Sprintf("previous_hash %q does not match predecessor hash %q",
				entry.PreviousHash, expectedPrevious)

			return report, nil
		}

		recomputed := ident.HashBytes(append([]byte(entry.PreviousHash), entry.Event...))
		if recomputed != entry.Hash {
			report.DivergedAt = i
			report.Reason = fmt.Sprintf("stored hash %q does not reproduce (computed %q)",
				entry.Hash, recomputed)

			return report, nil
		}

		expectedPrevious = entry.Hash
	}

	return report, nil
}

// Entries reads the full chain. A trailing partial line is tolerated and
// dropped, matching the WAL's torn-tail rule for append-only logs.
func (c *Chain) Entries() ([]Entry, error) {
	raw, err := c.fsys.ReadFile(c.root.Path(layout.AuditLog))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read audit log: %w", err)
	}

	entries := make([]Entry, 0)
	reader := bufio.NewReader(bytes.NewReader(raw))

	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("read audit line: %w", readErr)
		}

		complete := readErr == nil

		line = bytes.TrimSpace(line)
		if len(line) > 0 && complete {
			var entry Entry

			unmarshalErr := json.Unmarshal(line, &entry)
			if unmarshalErr != nil {
				return nil, fmt.Errorf("parse audit line: %w", unmarshalErr)
			}

			entries = append(entries, entry)
		}

		if !complete {
			break
		}
	}

	return entries, nil
}

// lastHash returns the hash of the final complete entry, or [GenesisHash]
// for an empty log.
//
// The log is read tail-first: for large logs only the final chunk is
// scanned for the last newline-terminated line.
func (c *Chain) lastHash() (string, error) {
	path := c.root.Path(layout.AuditLog)

	file, err := c.fsys.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return GenesisHash, nil
		}

		return "", fmt.Errorf("open audit log: %w", err)
	}

	defer func() { _ = file.Close() }()

	line, err := lastCompleteLine(file)
	if err != nil {
		return "", fmt.Errorf("read audit tail: %w", err)
	}

	if len(line) == 0 {
		return GenesisHash, nil
	}

	var entry Entry

	err = json.Unmarshal(line, &entry)
	if err != nil {
		return "", fmt.Errorf("parse audit tail: %w", err)
	}

	return entry.Hash, nil
}

// tailChunk bounds how far back lastCompleteLine reads. Audit entries are
// small JSON objects; 64KiB covers any single entry with room to spare.
const tailChunk = 64 * 1024

// lastCompleteLine returns the final newline-terminated line of file, or
// nil when the file has none.
func lastCompleteLine(file fs.File) ([]byte, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}

	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	readFrom := max(size-tailChunk, 0)

	_, err = file.Seek(readFrom, io.SeekStart)
	if err != nil {
		return nil, fmt.Errorf("seek: %w", err)
	}

	chunk, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	end := bytes.LastIndexByte(chunk, '\n')
	if end < 0 {
		return nil, nil // no complete line in the tail
	}

	start := bytes.LastIndexByte(chunk[:end], '\n') + 1

	line := bytes.TrimSpace(chunk[start:end])
	if len(line) == 0 {
		return nil, nil
	}

	return line, nil
}
