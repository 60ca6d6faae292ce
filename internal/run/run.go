// Package run implements the run lifecycle: every mutating session of the
// store is a run that holds the single-writer lock from start to finish,
// with its transitions audited and ledgered.
//
// State machine: executing -> {succeeded | failed | partially_succeeded}.
// Terminal states are immutable.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/audit"
	"github.com/forgeflow/forgeflow/internal/fail"
	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/health"
	"github.com/forgeflow/forgeflow/internal/ident"
	"github.com/forgeflow/forgeflow/internal/layout"
	"github.com/forgeflow/forgeflow/internal/ledger"
	"github.com/forgeflow/forgeflow/internal/lock"
	"github.com/forgeflow/forgeflow/internal/schema"
	"github.com/forgeflow/forgeflow/internal/wal"
)

// State is a run's lifecycle state.
type State string

const (
	StateExecuting          State = "executing"
	StateSucceeded          State = "succeeded"
	StateFailed             State = "failed"
	StatePartiallySucceeded State = "partially_succeeded"
)

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StatePartiallySucceeded
}

// Record is the on-disk run document.
type Record struct {
	ID         string          `json:"id"`
	State      State           `json:"state"`
	Intent     string          `json:"intent,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	StartedAt  string          `json:"started_at"`
	FinishedAt string          `json:"finished_at,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Notes      []string        `json:"notes,omitempty"`
	Summary    string          `json:"summary,omitempty"`
}

// DefaultLockWait bounds how long Start waits for the store lock.
const DefaultLockWait = 30 * time.Second

// Runs starts and inspects runs.
type Runs struct {
	fsys      fs.FS
	root      layout.Root
	locks     *lock.Manager
	writer    *wal.Writer
	validator *schema.Validator
	chain     *audit.Chain
	ledger    *ledger.Ledger
	guard     *health.Guard
	clock     ident.Clock
	logger    *zap.Logger
}

// New creates the run manager over the store root.
func New(fsys fs.FS, root layout.Root, locks *lock.Manager, writer *wal.Writer, validator *schema.Validator, chain *audit.Chain, led *ledger.Ledger, guard *health.Guard, clock ident.Clock, logger *zap.Logger) *Runs {
	return &Runs{
		fsys:      fsys,
		root:      root,
		locks:     locks,
		writer:    writer,
		validator: validator,
		chain:     chain,
		ledger:    led,
		guard:     guard,
		clock:     clock,
		logger:    logger.Named("run"),
	}
}

// Active is a started run holding the store lock. Finish it exactly once.
type Active struct {
	runs *Runs
	held *lock.Held

	mu     sync.Mutex
	record Record
	done   bool
}

// Start begins a run: safe-mode check, lock acquisition with the run id as
// owner, then the durable executing record.
//
// A read_only store refuses with SAFE_MODE_READ_ONLY (or
// CIRCUIT_BREAKER_OPEN past the failure threshold); a contended lock fails
// with LOCK_TIMEOUT after maxWait. Pass maxWait <= 0 for the default.
func (r *Runs) Start(ctx context.Context, intent string, maxWait time.Duration) (*Active, error) {
	err := r.guard.EnforceSafeMode()
	if err != nil {
		return nil, err
	}

	if maxWait <= 0 {
		maxWait = DefaultLockWait
	}

	now := r.clock.Now()
	id := ident.NewRunID(now)

	held, err := r.locks.Acquire(ctx, id, maxWait)
	if err != nil {
		return nil, err
	}

	record := Record{
		ID:        id,
		State:     StateExecuting,
		Intent:    intent,
		StartedAt: ident.Timestamp(now),
	}

	err = r.persist(record)
	if err != nil {
		releaseErr := held.Release()
		if releaseErr != nil {
			r.logger.Error("release after failed start", zap.Error(releaseErr))
		}

		return nil, err
	}

	err = r.record("run_start", record, map[string]any{"intent": intent})
	if err != nil {
		releaseErr := held.Release()
		if releaseErr != nil {
			r.logger.Error("release after failed start", zap.Error(releaseErr))
		}

		return nil, err
	}

	r.logger.Info("run started", zap.String("run_id", id), zap.String("intent", intent))

	return &Active{runs: r, held: held, record: record}, nil
}

// ID returns the run identifier, which is also the lock owner token.
func (a *Active) ID() string {
	return a.record.ID
}

// Record returns a copy of the current run record.
func (a *Active) Record() Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	record := a.record
	record.Notes = append([]string(nil), a.record.Notes...)

	return record
}

// Verify confirms the run still owns the store lock. Call before long
// write sequences; a stolen lock means another process considers this run
// dead and continuing would interleave writers.
func (a *Active) Verify() error {
	return a.held.Verify()
}

// AttachPayload stores arbitrary caller input on the run record and
// persists it. Refused once the run is finished.
func (a *Active) AttachPayload(payload any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done {
		return fail.New(fail.OperationFailed, "run %s already finished", a.record.ID)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal run payload: %w", err)
	}

	a.record.Payload = raw

	return a.runs.persist(a.record)
}

// Note appends a timestamped note to the run record and persists it.
func (a *Active) Note(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done {
		return fail.New(fail.OperationFailed, "run %s already finished", a.record.ID)
	}

	stamped := ident.Timestamp(a.runs.clock.Now()) + " " + text
	a.record.Notes = append(a.record.Notes, stamped)

	return a.runs.persist(a.record)
}

// Finish moves the run to a terminal state, stamps finished_at and
// duration, persists the record, and releases the lock. The lock is
// released even when the final write fails; a run must never outlive its
// handle holding the store.
func (a *Active) Finish(state State, summary string) (Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done {
		return Record{}, fail.New(fail.OperationFailed, "run %s already finished", a.record.ID)
	}

	if !state.Terminal() {
		return Record{}, fail.New(fail.OperationFailed, "state %q is not terminal", state)
	}

	a.done = true

	now := a.runs.clock.Now()

	a.record.State = state
	a.record.FinishedAt = ident.Timestamp(now)
	a.record.Summary = summary

	startedAt, err := ident.ParseTimestamp(a.record.StartedAt)
	if err == nil {
		a.record.DurationMS = now.Sub(startedAt).Milliseconds()
	}

	persistErr := a.runs.persist(a.record)
	if persistErr == nil {
		persistErr = a.runs.record("run_finish", a.record, map[string]any{
			"state":   string(state),
			"summary": summary,
		})
	}

	releaseErr := a.held.Release()
	if releaseErr != nil {
		a.runs.logger.Error("release run lock", zap.Error(releaseErr))
	}

	if persistErr != nil {
		return Record{}, persistErr
	}

	if releaseErr != nil {
		return Record{}, fmt.Errorf("release run lock: %w", releaseErr)
	}

	a.runs.logger.Info("run finished",
		zap.String("run_id", a.record.ID),
		zap.String("state", string(state)),
		zap.Int64("duration_ms", a.record.DurationMS))

	return a.record, nil
}

// Get reads one run record. Missing ids fail with kind NOT_FOUND.
func (r *Runs) Get(id string) (Record, error) {
	raw, err := r.fsys.ReadFile(r.root.RunPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, fail.New(fail.NotFound, "run %q", id)
		}

		return Record{}, fmt.Errorf("read run %s: %w", id, err)
	}

	return decodeRecord(raw, id)
}

// List returns all run records, newest first by id. Malformed files are
// skipped with a warning.
func (r *Runs) List() ([]Record, error) {
	files, err := r.fsys.ReadDir(r.root.Path(layout.RunsDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read runs dir: %w", err)
	}

	records := make([]Record, 0, len(files))

	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		record, readErr := r.Get(strings.TrimSuffix(name, ".json"))
		if readErr != nil {
			r.logger.Warn("skipping malformed run record",
				zap.String("file", name), zap.Error(readErr))

			continue
		}

		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID > records[j].ID })

	return records, nil
}

// persist validates and journals the run record write. The run's own id is
// the journal's run_id: a run's record writes are part of its write set.
func (r *Runs) persist(record Record) error {
	err := r.validator.ValidateOrErr(record, "run")
	if err != nil {
		return err
	}

	return r.writer.WriteJSON(layout.RunsDir+"/"+record.ID+".json", record, record.ID)
}

// record appends a lifecycle transition to the audit chain and the ledger.
func (r *Runs) record(action string, rec Record, payload map[string]any) error {
	_, err := r.chain.Append(map[string]any{
		"action": action,
		"run_id": rec.ID,
		"state":  string(rec.State),
	})
	if err != nil {
		return err
	}

	payload["action"] = action

	_, err = r.ledger.Append(rec.ID, payload, layout.RunsDir+"/"+rec.ID)

	return err
}

func decodeRecord(raw []byte, id string) (Record, error) {
	var record Record

	err := json.Unmarshal(raw, &record)
	if err != nil {
		return Record{}, fmt.Errorf("parse run %s: %w", id, err)
	}

	return record, nil
}
