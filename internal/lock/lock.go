// Package lock implements the store's single-writer advisory lock.
//
// The logical lock is a JSON record at a well-known path. Acquire polls the
// record until it observes an unlocked (or stale) state and rewrites it to
// locked with its own owner; Release unconditionally rewrites the unlocked
// shape. A short-lived flock guards each read-modify-write of the record so
// two pollers in separate processes cannot interleave the rewrite itself.
//
// A lock whose acquired_at is older than [StaleAfter] is considered
// abandoned and is stolen; the displaced owner is recorded in the record's
// stolen_from field.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/fail"
	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/ident"
	"github.com/forgeflow/forgeflow/internal/layout"
)

// StaleAfter is the single authoritative staleness threshold: a held lock
// older than this is treated as abandoned by a dead owner and stolen.
const StaleAfter = 5 * time.Minute

// PollInterval is how often Acquire re-reads the lock record while waiting.
const PollInterval = 250 * time.Millisecond

// flockTimeout bounds the inner flock acquisition. The flock is only held
// for the record rewrite, so contention beyond this indicates a wedged
// process rather than normal waiting.
const flockTimeout = 2 * time.Second

// Record is the on-disk lock record. It is created unlocked on first
// acquire and mutated only by acquire, release, and steal; it is never
// deleted.
type Record struct {
	Locked     bool   `json:"locked"`
	Owner      string `json:"owner,omitempty"`
	AcquiredAt string `json:"acquired_at,omitempty"`
	StolenFrom string `json:"stolen_from,omitempty"`
}

// Manager acquires and releases the store lock. Safe for concurrent use.
type Manager struct {
	fsys   fs.FS
	root   layout.Root
	clock  ident.Clock
	logger *zap.Logger
}

// NewManager creates a lock manager over the given store root.
func NewManager(fsys fs.FS, root layout.Root, clock ident.Clock, logger *zap.Logger) *Manager {
	return &Manager{fsys: fsys, root: root, clock: clock, logger: logger.Named("lock")}
}

// Held represents a successfully acquired lock. Release it exactly once;
// extra releases are no-ops.
type Held struct {
	mgr   *Manager
	owner string

	mu       sync.Mutex
	released bool
}

// Acquire polls the lock record until it can be taken, the context is
// canceled, or maxWait elapses.
//
// The lock is taken when the record shows locked=false, or when the
// existing lock is stale (acquired_at older than [StaleAfter]), in which
// case it is stolen and the displaced owner recorded. On timeout the error
// kind is LOCK_TIMEOUT.
func (m *Manager) Acquire(ctx context.Context, owner string, maxWait time.Duration) (*Held, error) {
	if owner == "" {
		return nil, fail.New(fail.OperationFailed, "lock owner must not be empty")
	}

	deadline := m.clock.Now().Add(maxWait)

	for {
		taken, err := m.tryTake(owner)
		if err != nil {
			return nil, err
		}

		if taken {
			return &Held{mgr: m, owner: owner}, nil
		}

		if !m.clock.Now().Before(deadline) {
			return nil, fail.New(fail.LockTimeout, "lock not acquired within %s", maxWait)
		}

		select {
		case <-ctx.Done():
			return nil, fail.Wrap(fail.LockTimeout, context.Cause(ctx), "lock wait canceled")
		case <-time.After(PollInterval):
		}
	}
}

// tryTake performs one read-modify-write attempt under the flock.
// Returns (false, nil) when the lock is validly held by someone else.
func (m *Manager) tryTake(owner string) (bool, error) {
	guard, flockErr := fs.AcquireFlock(m.fsys, m.root.Path(layout.TransactionLock), flockTimeout)
	if flockErr != nil {
		return false, fmt.Errorf("acquire record guard: %w", flockErr)
	}

	defer func() { _ = guard.Close() }()

	record, readErr := m.read()
	if readErr != nil {
		return false, readErr
	}

	now := m.clock.Now()

	next := Record{
		Locked:     true,
		Owner:      owner,
		AcquiredAt: ident.Timestamp(now),
	}

	switch {
	case !record.Locked:
		// Free; take it.
	case m.isStale(record, now):
		next.StolenFrom = record.Owner
		m.logger.Warn("stealing stale lock",
			zap.String("stolen_from", record.Owner),
			zap.String("acquired_at", record.AcquiredAt),
			zap.String("new_owner", owner))
	default:
		return false, nil
	}

	writeErr := m.write(next)
	if writeErr != nil {
		return false, writeErr
	}

	return true, nil
}

// isStale reports whether a held record has passed the staleness threshold.
// A record with an unparseable acquired_at is treated as stale: it cannot
// be trusted and must not wedge the store forever.
func (m *Manager) isStale(record Record, now time.Time) bool {
	acquiredAt, err := ident.ParseTimestamp(record.AcquiredAt)
	if err != nil {
		m.logger.Warn("lock record has invalid acquired_at, treating as stale",
			zap.String("acquired_at", record.AcquiredAt))

		return true
	}

	return now.Sub(acquiredAt) > StaleAfter
}

// Release unconditionally rewrites the record to the unlocked shape.
func (h *Held) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil
	}

	h.released = true

	guard, flockErr := fs.AcquireFlock(h.mgr.fsys, h.mgr.root.Path(layout.TransactionLock), flockTimeout)
	if flockErr != nil {
		return fmt.Errorf("acquire record guard: %w", flockErr)
	}

	defer func() { _ = guard.Close() }()

	return h.mgr.write(Record{Locked: false})
}

// Owner returns the owner token this handle acquired with.
func (h *Held) Owner() string {
	return h.owner
}

// Verify re-reads the record and confirms this handle still owns it.
// A changed owner means the lock was stolen out from under a live holder,
// which is a fatal consistency error for the operation in flight.
func (h *Held) Verify() error {
	record, err := h.mgr.read()
	if err != nil {
		return err
	}

	if !record.Locked || record.Owner != h.owner {
		return fail.New(fail.OperationFailed,
			"lock ownership lost: held by %q, expected %q", record.Owner, h.owner)
	}

	return nil
}

// Inspect returns the current lock record without mutating it.
func (m *Manager) Inspect() (Record, error) {
	return m.read()
}

func (m *Manager) read() (Record, error) {
	raw, err := m.fsys.ReadFile(m.root.Path(layout.LockRecord))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, nil // first acquire creates the record
		}

		return Record{}, fmt.Errorf("read lock record: %w", err)
	}

	var record Record

	err = json.Unmarshal(raw, &record)
	if err != nil {
		return Record{}, fmt.Errorf("parse lock record: %w", err)
	}

	return record, nil
}

func (m *Manager) write(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal lock record: %w", err)
	}

	err = fs.WriteJSONDurable(m.fsys, m.root.Path(layout.LockRecord), data)
	if err != nil {
		return fmt.Errorf("write lock record: %w", err)
	}

	return nil
}
