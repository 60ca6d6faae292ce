// Package layout defines the on-disk layout of a store root.
//
// All durable state lives under a single root directory; every path below
// is relative to it. Filenames are part of the store format and changing
// one is a format change.
package layout

import "path/filepath"

// Relative paths of the store's shared records and logs.
const (
	// TransactionLock is the flock file guarding lock-record rewrites.
	TransactionLock = "_wal/transaction.lock"

	// LockRecord is the JSON single-writer lock record.
	LockRecord = "_wal/lock.json"

	// WALPrimary and WALShadow are the mirrored write-ahead journals.
	WALPrimary = "_wal/pending_writes.jsonl"
	WALShadow  = "_wal_shadow/pending_writes.jsonl"

	// AuditLog is the hash-chained event log.
	AuditLog = "audit.jsonl"

	// AuditLock is the flock file guarding audit-chain appends.
	AuditLock = "_wal/audit.lock"

	// EventsLedger is the monotonic idempotent event ledger.
	EventsLedger = "events_ledger.jsonl"

	// SequenceRecord holds the ledger's monotonic sequence counter.
	SequenceRecord = "status/seq.json"

	// HealthRecord holds the process-wide safe-mode state.
	HealthRecord = "status/health.json"

	// MapIndex is the repository's metadata index.
	MapIndex = "context/map_index_with_triggers.json"

	// HotIndex is the bounded access-count index.
	HotIndex = "context/hot_index.json"
)

// Directories holding per-record files.
const (
	MapsDir      = "maps"
	SchemaDir    = "_schema"
	DLQDir       = "_dlq"
	RunsDir      = "runs"
	IncidentsDir = "_incidents"
	ArchiveDir   = "_archive"
)

// Root resolves relative store paths against a root directory.
type Root string

// Path joins the root with a store-relative path.
func (r Root) Path(rel string) string {
	return filepath.Join(string(r), filepath.FromSlash(rel))
}

// MapPath returns the absolute path of a map record.
func (r Root) MapPath(id string) string {
	return filepath.Join(string(r), MapsDir, id+".json")
}

// MapRel returns the store-relative path of a map record, as recorded in
// WAL entries.
func MapRel(id string) string {
	return MapsDir + "/" + id + ".json"
}

// DLQPath returns the absolute path of a dead-letter entry.
func (r Root) DLQPath(id string) string {
	return filepath.Join(string(r), DLQDir, id+".json")
}

// RunPath returns the absolute path of a run record.
func (r Root) RunPath(id string) string {
	return filepath.Join(string(r), RunsDir, id+".json")
}

// IncidentPath returns the absolute path of an incident record.
func (r Root) IncidentPath(id string) string {
	return filepath.Join(string(r), IncidentsDir, id+".json")
}

// ArchivePath returns the absolute path of an archived map record.
func (r Root) ArchivePath(id string) string {
	return filepath.Join(string(r), ArchiveDir, id+".json")
}

// SchemaPath returns the absolute path of a named schema document.
func (r Root) SchemaPath(name string) string {
	return filepath.Join(string(r), SchemaDir, name+".schema.json")
}
