// Package ledger implements the monotonic, idempotency-keyed event ledger.
//
// Every entry carries a strictly increasing monotonic_seq and an
// idempotency key derived from the event's source, canonical payload,
// scope, and sequence number. The sequence record is written before the
// ledger append so a crash between the two burns a sequence number instead
// of reusing one.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/ident"
	"github.com/forgeflow/forgeflow/internal/layout"
)

// Entry is one ledger record.
type Entry struct {
	Timestamp      string          `json:"timestamp"`
	SourceEventID  string          `json:"source_event_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	MonotonicSeq   uint64          `json:"monotonic_seq"`
	TargetScope    string          `json:"target_scope"`
	Payload        json.RawMessage `json:"payload"`
}

// sequenceRecord is the tiny JSON document holding the counter.
type sequenceRecord struct {
	MonotonicSeq uint64 `json:"monotonic_seq"`
}

// Ledger appends idempotent events. Appends must be serialised by the
// store lock; the internal mutex only protects the in-memory dedupe index
// against concurrent readers.
type Ledger struct {
	fsys   fs.FS
	root   layout.Root
	clock  ident.Clock
	logger *zap.Logger

	mu     sync.Mutex
	loaded bool
	seq    uint64
	// byOperand dedupes re-appends of the same logical event
	// (source, canonical payload, scope) regardless of sequence.
	byOperand map[string]Entry
}

// New creates a ledger over the given store root. State is loaded lazily on
// first append.
func New(fsys fs.FS, root layout.Root, clock ident.Clock, logger *zap.Logger) *Ledger {
	return &Ledger{
		fsys:      fsys,
		root:      root,
		clock:     clock,
		logger:    logger.Named("ledger"),
		byOperand: make(map[string]Entry),
	}
}

// Append records an event and returns its entry.
//
// A re-append of the same logical event (same source, payload, and scope)
// is a no-op returning the existing entry, so crash-retry loops cannot
// produce two ledger entries for one event. Ordering: the sequence record
// is written and fsynced before the ledger line is appended.
func (l *Ledger) Append(sourceEventID string, payload any, targetScope string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.loadLocked()
	if err != nil {
		return Entry{}, err
	}

	canonical, err := ident.CanonicalJSON(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("canonicalize payload: %w", err)
	}

	operand := sourceEventID + "|" + string(canonical) + "|" + targetScope
	if existing, ok := l.byOperand[operand]; ok {
		return existing, nil
	}

	next := l.seq + 1

	key, err := ident.IdempotencyKey(sourceEventID, payload, targetScope, next)
	if err != nil {
		return Entry{}, fmt.Errorf("derive idempotency key: %w", err)
	}

	// Sequence first. A crash here burns seq number `next`; the next append
	// moves on to next+1 and monotonicity holds.
	err = l.writeSequenceLocked(next)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Timestamp:      ident.Timestamp(l.clock.Now()),
		SourceEventID:  sourceEventID,
		IdempotencyKey: key,
		MonotonicSeq:   next,
		TargetScope:    targetScope,
		Payload:        canonical,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal ledger entry: %w", err)
	}

	err = fs.AppendLine(l.fsys, l.root.Path(layout.EventsLedger), line)
	if err != nil {
		return Entry{}, fmt.Errorf("append ledger: %w", err)
	}

	l.seq = next
	l.byOperand[operand] = entry

	return entry, nil
}

// Seq returns the current sequence counter.
func (l *Ledger) Seq() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.loadLocked()
	if err != nil {
		return 0, err
	}

	return l.seq, nil
}

// Entries reads the full ledger from disk.
func (l *Ledger) Entries() ([]Entry, error) {
	raw, err := l.fsys.ReadFile(l.root.Path(layout.EventsLedger))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read ledger: %w", err)
	}

	return decodeEntries(raw)
}

// loadLocked initializes the sequence counter and dedupe index from disk.
// The counter is the max of the sequence record and the last ledger entry:
// a crash after the sequence write but before the append leaves the record
// ahead, which is correct; a hand-edited record lagging the ledger must not
// cause sequence reuse.
func (l *Ledger) loadLocked() error {
	if l.loaded {
		return nil
	}

	seq, err := l.readSequence()
	if err != nil {
		return err
	}

	entries, err := l.Entries()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.MonotonicSeq > seq {
			l.logger.Warn("sequence record lags ledger, adopting ledger sequence",
				zap.Uint64("record", seq), zap.Uint64("ledger", entry.MonotonicSeq))
			seq = entry.MonotonicSeq
		}

		operand := entry.SourceEventID + "|" + string(entry.Payload) + "|" + entry.TargetScope
		l.byOperand[operand] = entry
	}

	l.seq = seq
	l.loaded = true

	return nil
}

func (l *Ledger) readSequence() (uint64, error) {
	raw, err := l.fsys.ReadFile(l.root.Path(layout.SequenceRecord))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("read sequence record: %w", err)
	}

	var record sequenceRecord

	err = json.Unmarshal(raw, &record)
	if err != nil {
		return 0, fmt.Errorf("parse sequence record: %w", err)
	}

	return record.MonotonicSeq, nil
}

func (l *Ledger) writeSequenceLocked(seq uint64) error {
	data, err := json.Marshal(sequenceRecord{MonotonicSeq: seq})
	if err != nil {
		return fmt.Errorf("marshal sequence record: %w", err)
	}

	err = fs.WriteJSONDurable(l.fsys, l.root.Path(layout.SequenceRecord), data)
	if err != nil {
		return fmt.Errorf("write sequence record: %w", err)
	}

	return nil
}

func decodeEntries(raw []byte) ([]Entry, error) {
	entries := make([]Entry, 0)
	reader := bufio.NewReader(bytes.NewReader(raw))

	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("read ledger line: %w", readErr)
		}

		complete := readErr == nil

		line = bytes.TrimSpace(line)
		if len(line) > 0 && complete {
			var entry Entry

			unmarshalErr := json.Unmarshal(line, &entry)
			if unmarshalErr != nil {
				return nil, fmt.Errorf("parse ledger line: %w", unmarshalErr)
			}

			entries = append(entries, entry)
		}

		if !complete {
			break
		}
	}

	return entries, nil
}
