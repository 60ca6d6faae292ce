package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/audit"
	"github.com/forgeflow/forgeflow/internal/fail"
	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/ident"
	"github.com/forgeflow/forgeflow/internal/layout"
	"github.com/forgeflow/forgeflow/internal/ledger"
	"github.com/forgeflow/forgeflow/internal/schema"
	"github.com/forgeflow/forgeflow/internal/wal"
)

// Repository stores map records. Mutations flow through the write-ahead
// journal and are schema-validated, audited, and ledgered; reads touch the
// hot index. Safe for concurrent use within one process; cross-process
// mutation exclusion is the store lock's job, not the repository's.
type Repository struct {
	fsys      fs.FS
	root      layout.Root
	writer    *wal.Writer
	validator *schema.Validator
	chain     *audit.Chain
	ledger    *ledger.Ledger
	clock     ident.Clock
	logger    *zap.Logger
	semantic  SemanticScorer

	mu  sync.Mutex
	hot *hotIndex
}

// New creates a repository over the store root. semantic may be nil, in
// which case every map scores a neutral 0.5 semantic signal.
func New(fsys fs.FS, root layout.Root, writer *wal.Writer, validator *schema.Validator, chain *audit.Chain, led *ledger.Ledger, clock ident.Clock, logger *zap.Logger, semantic SemanticScorer) *Repository {
	if semantic == nil {
		semantic = NeutralScorer{}
	}

	return &Repository{
		fsys:      fsys,
		root:      root,
		writer:    writer,
		validator: validator,
		chain:     chain,
		ledger:    led,
		clock:     clock,
		logger:    logger.Named("repo"),
		semantic:  semantic,
		hot:       newHotIndex(fsys, root),
	}
}

// Upsert validates and durably writes a map record under runID's journal.
//
// For an existing record created_at is preserved and the version counter
// advances; a new record starts at version 1. The record file, the map
// index, the audit chain, and the event ledger are all updated; the write
// is journaled before any file changes.
func (r *Repository) Upsert(m Map, runID string) (Map, error) {
	if m.ID == "" {
		return Map{}, fail.New(fail.SchemaInvalid, "map has no id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := ident.Timestamp(r.clock.Now())

	existing, err := r.read(m.ID)

	switch {
	case err == nil:
		m.CreatedAt = existing.CreatedAt
		m.Version = existing.Version + 1
	case fail.Is(err, fail.NotFound):
		m.CreatedAt = now
		m.Version = 1
	default:
		return Map{}, err
	}

	m.UpdatedAt = now

	err = r.validator.ValidateOrErr(m, "map")
	if err != nil {
		return Map{}, err
	}

	err = r.writer.WriteJSON(layout.MapRel(m.ID), m, runID)
	if err != nil {
		return Map{}, err
	}

	err = r.writeIndex(m.metadata(), false, now, runID)
	if err != nil {
		return Map{}, err
	}

	err = r.hot.touch(m.ID, now)
	if err != nil {
		return Map{}, err
	}

	err = r.record("map_upsert", m.ID, runID, map[string]any{
		"map_id":  m.ID,
		"version": m.Version,
	})
	if err != nil {
		return Map{}, err
	}

	return m, nil
}

// Read returns one map and counts the access in the hot index. Missing ids
// fail with kind NOT_FOUND.
func (r *Repository) Read(id string) (Map, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.read(id)
	if err != nil {
		return Map{}, err
	}

	err = r.hot.touch(id, ident.Timestamp(r.clock.Now()))
	if err != nil {
		return Map{}, err
	}

	return m, nil
}

// Peek returns one map without touching the hot index.
func (r *Repository) Peek(id string) (Map, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.read(id)
}

// ListFilter selects maps for List. Zero values match everything.
type ListFilter struct {
	Status Status
	Tag    string
}

// List scans the map directory and returns matching metadata sorted by id.
// Malformed record files are skipped with a warning rather than failing the
// whole listing.
func (r *Repository) List(filter ListFilter) ([]Metadata, error) {
	ids, err := r.scanIDs()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metas := make([]Metadata, 0, len(ids))

	for _, id := range ids {
		m, readErr := r.read(id)
		if readErr != nil {
			r.logger.Warn("skipping malformed map record",
				zap.String("id", id), zap.Error(readErr))

			continue
		}

		if filter.Status != "" && m.Status != filter.Status {
			continue
		}

		if filter.Tag != "" && !hasTag(m.Tags, filter.Tag) {
			continue
		}

		metas = append(metas, m.metadata())
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].ID < metas[j].ID })

	return metas, nil
}

// TopMaps scores every live map against the hint and returns the best
// limit, highest total first. Deleted and archived maps never rank. Ties
// break by most recent update, then by id.
func (r *Repository) TopMaps(hint Hint, limit int) ([]Scored, error) {
	if limit <= 0 {
		limit = 5
	}

	ids, err := r.scanIDs()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	scored := make([]Scored, 0, len(ids))

	for _, id := range ids {
		m, readErr := r.read(id)
		if readErr != nil {
			r.logger.Warn("skipping malformed map record",
				zap.String("id", id), zap.Error(readErr))

			continue
		}

		if m.Status == StatusDeleted || m.Status == StatusArchived {
			continue
		}

		scored = append(scored, score(m, hint, r.semantic, now))
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}

		if a.Map.UpdatedAt != b.Map.UpdatedAt {
			return a.Map.UpdatedAt > b.Map.UpdatedAt
		}

		return a.Map.ID < b.Map.ID
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}

	return scored, nil
}

// Archive moves a map record out of the live set into _archive/.
//
// The archived copy is written first, then the live file is removed and the
// map drops out of both indexes. A crash in between leaves the record in
// both places, which re-archiving resolves.
func (r *Repository) Archive(id string, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.read(id)
	if err != nil {
		return err
	}

	now := ident.Timestamp(r.clock.Now())

	m.Status = StatusArchived
	m.UpdatedAt = now

	err = r.writer.WriteJSON(layout.ArchiveDir+"/"+id+".json", m, runID)
	if err != nil {
		return err
	}

	err = r.fsys.Remove(r.root.MapPath(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove archived map %s: %w", id, err)
	}

	err = r.writeIndex(Metadata{ID: id}, true, now, runID)
	if err != nil {
		return err
	}

	err = r.hot.forget(id, now)
	if err != nil {
		return err
	}

	return r.record("map_archive", id, runID, map[string]any{"map_id": id})
}

// Hot returns the hot index, hottest first.
func (r *Repository) Hot() ([]HotEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.hot.snapshot()
}

// Index returns the current metadata index.
func (r *Repository) Index() (Index, error) {
	return loadIndex(r.fsys, r.root)
}

// RebuildIndex rebuilds the metadata index from the record files, for
// repair after a reported divergence. Malformed records are skipped.
func (r *Repository) RebuildIndex(runID string) (Index, error) {
	ids, err := r.scanIDs()
	if err != nil {
		return Index{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ix := newIndex()
	now := ident.Timestamp(r.clock.Now())

	for _, id := range ids {
		m, readErr := r.read(id)
		if readErr != nil {
			r.logger.Warn("rebuild skipping malformed map record",
				zap.String("id", id), zap.Error(readErr))

			continue
		}

		ix.Maps[m.ID] = m.metadata()
	}

	ix.rebuildTriggers()
	ix.UpdatedAt = now

	err = r.writer.WriteJSON(layout.MapIndex, ix, runID)
	if err != nil {
		return Index{}, err
	}

	return ix, nil
}

// read loads one record file without touching the hot index.
func (r *Repository) read(id string) (Map, error) {
	raw, err := r.fsys.ReadFile(r.root.MapPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Map{}, fail.New(fail.NotFound, "map %q", id)
		}

		return Map{}, fmt.Errorf("read map %s: %w", id, err)
	}

	var m Map

	err = json.Unmarshal(raw, &m)
	if err != nil {
		return Map{}, fmt.Errorf("parse map %s: %w", id, err)
	}

	return m, nil
}

// writeIndex applies one change to the metadata index and journals the
// rewrite.
func (r *Repository) writeIndex(meta Metadata, remove bool, now string, runID string) error {
	ix, err := loadIndex(r.fsys, r.root)
	if err != nil {
		return err
	}

	if remove {
		ix.drop(meta.ID, now)
	} else {
		ix.put(meta, now)
	}

	return r.writer.WriteJSON(layout.MapIndex, ix, runID)
}

// record appends the action to the audit chain and the event ledger.
func (r *Repository) record(action string, id string, runID string, payload map[string]any) error {
	event := map[string]any{
		"action": action,
		"map_id": id,
		"run_id": runID,
	}

	_, err := r.chain.Append(event)
	if err != nil {
		return err
	}

	payload["action"] = action

	_, err = r.ledger.Append(runID, payload, layout.MapsDir+"/"+id)
	if err != nil {
		return err
	}

	return nil
}

func (r *Repository) scanIDs() ([]string, error) {
	files, err := r.fsys.ReadDir(r.root.Path(layout.MapsDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read maps dir: %w", err)
	}

	ids := make([]string, 0, len(files))

	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}

	sort.Strings(ids)

	return ids, nil
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}

	return false
}
