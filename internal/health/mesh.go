// Package health implements the process-wide safe-mode mesh, the guard
// that gates mutating operations on it, and per-target health checks.
package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/ident"
	"github.com/forgeflow/forgeflow/internal/layout"
	"github.com/forgeflow/forgeflow/internal/metrics"
)

// SafeMode is the store's posture.
type SafeMode string

const (
	// SafeModeHealthy permits mutations.
	SafeModeHealthy SafeMode = "healthy"
	// SafeModeReadOnly refuses mutations until successes clear it.
	SafeModeReadOnly SafeMode = "read_only"
)

// openThreshold is the consecutive-failure count at which the store flips
// to read_only and the mesh reports its circuit open.
const openThreshold = 3

// cacheTTL bounds how stale the in-memory view of the health record may be.
const cacheTTL = 5 * time.Second

// Record is the on-disk health record.
type Record struct {
	SafeMode            SafeMode `json:"safe_mode"`
	Reason              string   `json:"reason,omitempty"`
	Since               string   `json:"since,omitempty"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	ViolationWarnings   int      `json:"violation_warnings"`
}

// Mesh tracks process-wide health over the on-disk record with a short-TTL
// in-memory cache. Safe for concurrent use.
type Mesh struct {
	fsys    fs.FS
	root    layout.Root
	clock   ident.Clock
	logger  *zap.Logger
	metrics *metrics.Set

	mu        sync.Mutex
	cached    Record
	fetchedAt time.Time
	hasCache  bool
}

// NewMesh creates a mesh over the store root.
func NewMesh(fsys fs.FS, root layout.Root, clock ident.Clock, logger *zap.Logger, m *metrics.Set) *Mesh {
	return &Mesh{fsys: fsys, root: root, clock: clock, logger: logger.Named("health"), metrics: m}
}

// Current returns the health record, served from cache within the TTL.
func (m *Mesh) Current() (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.currentLocked()
}

// RecordFailure increments the consecutive-failure counter. On reaching the
// open threshold the store flips to read_only with the given reason.
func (m *Mesh) RecordFailure(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.currentLocked()
	if err != nil {
		return err
	}

	record.ConsecutiveFailures++

	if record.ConsecutiveFailures >= openThreshold && record.SafeMode != SafeModeReadOnly {
		record.SafeMode = SafeModeReadOnly
		record.Reason = reason
		record.Since = ident.Timestamp(m.clock.Now())
		m.logger.Error("entering read_only safe mode",
			zap.String("reason", reason),
			zap.Int("consecutive_failures", record.ConsecutiveFailures))
	}

	return m.writeLocked(record)
}

// RecordSuccess clears the failure counter. When this transitions the store
// out of read_only, the reason is cleared as well.
func (m *Mesh) RecordSuccess() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.currentLocked()
	if err != nil {
		return err
	}

	record.ConsecutiveFailures = 0

	if record.SafeMode == SafeModeReadOnly {
		record.SafeMode = SafeModeHealthy
		record.Reason = ""
		record.Since = ident.Timestamp(m.clock.Now())
		m.logger.Info("leaving read_only safe mode")
	}

	return m.writeLocked(record)
}

// RecordViolation increments the adaptive-enforcement warning counter.
func (m *Mesh) RecordViolation() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.currentLocked()
	if err != nil {
		return err
	}

	record.ViolationWarnings++

	return m.writeLocked(record)
}

// IsCircuitOpen reports whether the failure counter has reached the open
// threshold.
func (m *Mesh) IsCircuitOpen() (bool, error) {
	record, err := m.Current()
	if err != nil {
		return false, err
	}

	return record.ConsecutiveFailures >= openThreshold, nil
}

// Invalidate drops the cache so the next read hits disk. Used after another
// process may have mutated the record.
func (m *Mesh) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hasCache = false
}

func (m *Mesh) currentLocked() (Record, error) {
	now := m.clock.Now()

	if m.hasCache && now.Sub(m.fetchedAt) < cacheTTL {
		return m.cached, nil
	}

	raw, err := m.fsys.ReadFile(m.root.Path(layout.HealthRecord))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			record := Record{SafeMode: SafeModeHealthy}
			m.cache(record, now)

			return record, nil
		}

		return Record{}, fmt.Errorf("read health record: %w", err)
	}

	var record Record

	err = json.Unmarshal(raw, &record)
	if err != nil {
		return Record{}, fmt.Errorf("parse health record: %w", err)
	}

	if record.SafeMode == "" {
		record.SafeMode = SafeModeHealthy
	}

	m.cache(record, now)

	return record, nil
}

func (m *Mesh) writeLocked(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal health record: %w", err)
	}

	err = fs.WriteJSONDurable(m.fsys, m.root.Path(layout.HealthRecord), data)
	if err != nil {
		return fmt.Errorf("write health record: %w", err)
	}

	m.cache(record, m.clock.Now())

	return nil
}

func (m *Mesh) cache(record Record, at time.Time) {
	m.cached = record
	m.fetchedAt = at
	m.hasCache = true

	if m.metrics != nil {
		if record.SafeMode == SafeModeReadOnly {
			m.metrics.SafeMode.Set(1)
		} else {
			m.metrics.SafeMode.Set(0)
		}

		m.metrics.ConsecutiveFailures.Set(float64(record.ConsecutiveFailures))
	}
}
