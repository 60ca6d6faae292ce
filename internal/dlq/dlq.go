// Package dlq implements the durable dead-letter queue of failed
// operations.
//
// Each entry is its own JSON file under _dlq/. Adds are idempotent: the
// entry id is found by an idempotency key over the operation's verb,
// params, and resource, and a duplicate add increments the existing
// entry's attempt counter instead of creating a second file. Entries move
// failed -> in_progress -> {resolved | failed}; resolved is terminal.
//
// The queue deliberately writes around the WAL: it records failures of
// provider calls, and a durability fault while persisting one must not
// recurse into the failure path that produced it.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/fail"
	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/ident"
	"github.com/forgeflow/forgeflow/internal/layout"
	"github.com/forgeflow/forgeflow/internal/metrics"
)

// Status is a dead-letter entry's position in its lifecycle.
type Status string

const (
	StatusFailed     Status = "failed"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
)

// Operation is the failed call, shaped for replay.
type Operation struct {
	Verb     string          `json:"verb"`
	Params   json.RawMessage `json:"params"`
	Resource string          `json:"resource"`
}

// OpError captures why the operation failed.
type OpError struct {
	Kind    fail.Kind `json:"kind"`
	Message string    `json:"message"`
}

// Entry is one dead-letter record.
type Entry struct {
	ID             string         `json:"id"`
	Timestamp      string         `json:"timestamp"`
	IdempotencyKey string         `json:"idempotency_key"`
	Operation      Operation      `json:"operation"`
	Error          OpError        `json:"error"`
	Attempts       int            `json:"attempts"`
	Status         Status         `json:"status"`
	Context        map[string]any `json:"context,omitempty"`
}

// Executor replays one operation. It is implementer-supplied and typically
// re-enters the dispatch that produced the original failure.
type Executor func(ctx context.Context, op Operation, opContext map[string]any) error

// Filter selects entries for List and ReplayBatch. Zero values match
// everything.
type Filter struct {
	Verb   string
	Status Status
}

// Queue is the dead-letter queue. Safe for concurrent use.
type Queue struct {
	fsys    fs.FS
	root    layout.Root
	clock   ident.Clock
	logger  *zap.Logger
	metrics *metrics.Set

	mu     sync.Mutex
	loaded bool
	byKey  map[string]string // idempotency key -> entry id
}

// New creates a queue over the store root.
func New(fsys fs.FS, root layout.Root, clock ident.Clock, logger *zap.Logger, m *metrics.Set) *Queue {
	return &Queue{
		fsys:    fsys,
		root:    root,
		clock:   clock,
		logger:  logger.Named("dlq"),
		metrics: m,
		byKey:   make(map[string]string),
	}
}

// Add enqueues a failed operation.
//
// When an entry with the same idempotency key already exists, its attempt
// counter is incremented and the existing entry returned; otherwise a new
// failed entry is written. Adding over a resolved entry re-opens it as
// failed: the same logical operation has failed again after a successful
// replay.
func (q *Queue) Add(op Operation, opErr error, opContext map[string]any) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.loadLocked()
	if err != nil {
		return Entry{}, err
	}

	var params any

	if len(op.Params) > 0 {
		unmarshalErr := json.Unmarshal(op.Params, &params)
		if unmarshalErr != nil {
			return Entry{}, fmt.Errorf("parse operation params: %w", unmarshalErr)
		}
	}

	key, err := ident.OperationKey(op.Verb, params, op.Resource)
	if err != nil {
		return Entry{}, fmt.Errorf("derive operation key: %w", err)
	}

	if id, ok := q.byKey[key]; ok {
		existing, readErr := q.readLocked(id)
		if readErr != nil {
			return Entry{}, readErr
		}

		existing.Attempts++
		existing.Error = toOpError(opErr)

		if existing.Status == StatusResolved {
			existing.Status = StatusFailed
		}

		writeErr := q.writeLocked(existing)
		if writeErr != nil {
			return Entry{}, writeErr
		}

		return existing, nil
	}

	now := q.clock.Now()

	entry := Entry{
		ID:             ident.NewDLQID(now),
		Timestamp:      ident.Timestamp(now),
		IdempotencyKey: key,
		Operation:      op,
		Error:          toOpError(opErr),
		Attempts:       1,
		Status:         StatusFailed,
		Context:        opContext,
	}

	err = q.writeLocked(entry)
	if err != nil {
		return Entry{}, err
	}

	q.byKey[key] = entry.ID
	q.logger.Warn("operation dead-lettered",
		zap.String("id", entry.ID),
		zap.String("verb", op.Verb),
		zap.String("resource", op.Resource),
		zap.String("kind", string(entry.Error.Kind)))

	return entry, nil
}

// Get reads one entry. Missing ids fail with kind NOT_FOUND.
func (q *Queue) Get(id string) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.readLocked(id)
}

// List returns entries matching the filter, newest first.
func (q *Queue) List(filter Filter) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.scanLocked()
	if err != nil {
		return nil, err
	}

	matched := make([]Entry, 0, len(entries))

	for _, entry := range entries {
		if filter.Verb != "" && entry.Operation.Verb != filter.Verb {
			continue
		}

		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}

		matched = append(matched, entry)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	return matched, nil
}

// Delete removes an entry file. Deleting a missing id is a no-op.
func (q *Queue) Delete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.readLocked(id)
	if err != nil {
		if fail.Is(err, fail.NotFound) {
			return nil
		}

		return err
	}

	err = q.fsys.Remove(q.root.DLQPath(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete dlq entry %s: %w", id, err)
	}

	delete(q.byKey, entry.IdempotencyKey)
	q.publishDepthLocked()

	return nil
}

// Replay re-executes one entry.
//
// The entry is marked in_progress before the executor runs, resolved on
// success, and failed (attempts incremented) on failure. Replaying a
// resolved entry is a no-op returning the terminal state. An in_progress
// entry is replayable: it is the crash residue of an interrupted replay.
func (q *Queue) Replay(ctx context.Context, id string, executor Executor) (Entry, error) {
	q.mu.Lock()

	entry, err := q.readLocked(id)
	if err != nil {
		q.mu.Unlock()

		return Entry{}, err
	}

	if entry.Status == StatusResolved {
		q.mu.Unlock()

		return entry, nil
	}

	entry.Status = StatusInProgress

	err = q.writeLocked(entry)
	if err != nil {
		q.mu.Unlock()

		return Entry{}, err
	}

	q.mu.Unlock()

	execErr := executor(ctx, entry.Operation, entry.Context)

	q.mu.Lock()
	defer q.mu.Unlock()

	if execErr != nil {
		entry.Status = StatusFailed
		entry.Attempts++
		entry.Error = toOpError(execErr)
	} else {
		entry.Status = StatusResolved
	}

	err = q.writeLocked(entry)
	if err != nil {
		return Entry{}, err
	}

	return entry, nil
}

// ReplayBatch replays up to batchSize entries matching the filter, one at
// a time. Individual failures are recorded on their entries and do not
// stop the batch. Returns the entries in their post-replay state.
func (q *Queue) ReplayBatch(ctx context.Context, filter Filter, executor Executor, batchSize int) ([]Entry, error) {
	if batchSize <= 0 {
		batchSize = 10
	}

	candidates, err := q.List(filter)
	if err != nil {
		return nil, err
	}

	replayed := make([]Entry, 0, batchSize)

	for _, candidate := range candidates {
		if len(replayed) == batchSize {
			break
		}

		if candidate.Status == StatusResolved {
			continue
		}

		if err := ctx.Err(); err != nil {
			return replayed, fmt.Errorf("batch canceled: %w", context.Cause(ctx))
		}

		entry, replayErr := q.Replay(ctx, candidate.ID, executor)
		if replayErr != nil {
			return replayed, replayErr
		}

		replayed = append(replayed, entry)
	}

	return replayed, nil
}

// Stats aggregates entries by status and verb.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
	ByVerb   map[string]int `json:"by_verb"`
}

// Statistics computes queue statistics.
func (q *Queue) Statistics() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.scanLocked()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Total:    len(entries),
		ByStatus: make(map[Status]int),
		ByVerb:   make(map[string]int),
	}

	for _, entry := range entries {
		stats.ByStatus[entry.Status]++
		stats.ByVerb[entry.Operation.Verb]++
	}

	return stats, nil
}

func toOpError(err error) OpError {
	if err == nil {
		return OpError{Kind: fail.OperationFailed, Message: "unknown failure"}
	}

	return OpError{Kind: fail.KindOf(err), Message: err.Error()}
}

// loadLocked builds the key index from the entry files once.
func (q *Queue) loadLocked() error {
	if q.loaded {
		return nil
	}

	entries, err := q.scanLocked()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		q.byKey[entry.IdempotencyKey] = entry.ID
	}

	q.loaded = true

	return nil
}

func (q *Queue) scanLocked() ([]Entry, error) {
	dir := q.root.Path(layout.DLQDir)

	files, err := q.fsys.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read dlq dir: %w", err)
	}

	entries := make([]Entry, 0, len(files))

	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		entry, readErr := q.readLocked(strings.TrimSuffix(name, ".json"))
		if readErr != nil {
			q.logger.Warn("skipping malformed dlq entry",
				zap.String("file", name), zap.Error(readErr))

			continue
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (q *Queue) readLocked(id string) (Entry, error) {
	raw, err := q.fsys.ReadFile(q.root.DLQPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, fail.New(fail.NotFound, "dlq entry %q", id)
		}

		return Entry{}, fmt.Errorf("read dlq entry %s: %w", id, err)
	}

	var entry Entry

	err = json.Unmarshal(raw, &entry)
	if err != nil {
		return Entry{}, fmt.Errorf("parse dlq entry %s: %w", id, err)
	}

	return entry, nil
}

func (q *Queue) writeLocked(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry %s: %w", entry.ID, err)
	}

	err = fs.WriteJSONDurable(q.fsys, q.root.DLQPath(entry.ID), data)
	if err != nil {
		return fmt.Errorf("write dlq entry %s: %w", entry.ID, err)
	}

	q.publishDepthLocked()

	return nil
}

func (q *Queue) publishDepthLocked() {
	if q.metrics == nil {
		return
	}

	entries, err := q.scanLocked()
	if err != nil {
		return
	}

	failed := 0

	for _, entry := range entries {
		if entry.Status == StatusFailed {
			failed++
		}
	}

	q.metrics.DLQDepth.Set(float64(failed))
}
