package wal_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/fail"
	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/ident"
	"github.com/forgeflow/forgeflow/internal/layout"
	"github.com/forgeflow/forgeflow/internal/testutil"
	"github.com/forgeflow/forgeflow/internal/wal"
)

func newJournal(t *testing.T, fsys fs.FS) (*wal.Journal, layout.Root) {
	t.Helper()

	root := layout.Root(t.TempDir())

	return wal.NewJournal(fsys, root, testutil.NewClock(), zap.NewNop()), root
}

func TestAppendMirrorsPrimaryAndShadow(t *testing.T) {
	t.Parallel()

	journal, root := newJournal(t, fs.NewReal())

	entry, err := journal.Append("maps/a.json", "run-1-aaaaaaaa", "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, wal.OpWrite, entry.Operation)
	assert.Equal(t, "maps/a.json", entry.Target)

	primary, err := os.ReadFile(root.Path(layout.WALPrimary))
	require.NoError(t, err)

	shadow, err := os.ReadFile(root.Path(layout.WALShadow))
	require.NoError(t, err)

	assert.Equal(t, primary, shadow)
	assert.NotEmpty(t, primary)
}

func TestRecoverReturnsAndClearsPendingIntents(t *testing.T) {
	t.Parallel()

	journal, root := newJournal(t, fs.NewReal())

	_, err := journal.Append("maps/a.json", "run-1-aaaaaaaa", "c1")
	require.NoError(t, err)

	_, err = journal.Append("maps/b.json", "run-1-aaaaaaaa", "c2")
	require.NoError(t, err)

	recovered, err := journal.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 2)
	assert.Equal(t, "maps/a.json", recovered[0].Target)
	assert.Equal(t, "maps/b.json", recovered[1].Target)

	// Both journals are empty afterwards.
	primary, err := os.ReadFile(root.Path(layout.WALPrimary))
	require.NoError(t, err)
	assert.Empty(t, primary)

	again, err := journal.Recover()
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRecoverOnEmptyStoreIsClean(t *testing.T) {
	t.Parallel()

	journal, _ := newJournal(t, fs.NewReal())

	recovered, err := journal.Recover()
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestRecoverReportsMirrorDivergence(t *testing.T) {
	t.Parallel()

	journal, root := newJournal(t, fs.NewReal())

	_, err := journal.Append("maps/a.json", "run-1-aaaaaaaa", "c1")
	require.NoError(t, err)

	// Simulate a crash that lost the shadow append.
	require.NoError(t, os.WriteFile(root.Path(layout.WALShadow), nil, 0o644))

	_, err = journal.Recover()
	require.Error(t, err)
	assert.True(t, fail.Is(err, fail.WALIntegrity), "got %v", err)

	// The journals are left untouched for inspection.
	primary, readErr := os.ReadFile(root.Path(layout.WALPrimary))
	require.NoError(t, readErr)
	assert.NotEmpty(t, primary)
}

func TestTornTailLineIsDropped(t *testing.T) {
	t.Parallel()

	journal, root := newJournal(t, fs.NewReal())

	_, err := journal.Append("maps/a.json", "run-1-aaaaaaaa", "c1")
	require.NoError(t, err)

	// A crash mid-append leaves a partial line on both mirrors.
	for _, rel := range []string{layout.WALPrimary, layout.WALShadow} {
		file, openErr := os.OpenFile(root.Path(rel), os.O_WRONLY|os.O_APPEND, 0o644)
		require.NoError(t, openErr)

		_, writeErr := file.WriteString(`{"timestamp":"2026-`)
		require.NoError(t, writeErr)
		require.NoError(t, file.Close())
	}

	recovered, err := journal.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "maps/a.json", recovered[0].Target)
}

func TestMalformedCompleteLineFailsRecovery(t *testing.T) {
	t.Parallel()

	journal, root := newJournal(t, fs.NewReal())

	for _, rel := range []string{layout.WALPrimary, layout.WALShadow} {
		require.NoError(t, os.MkdirAll(filepath.Dir(root.Path(rel)), 0o755))
		require.NoError(t, os.WriteFile(root.Path(rel), []byte("not json\n"), 0o644))
	}

	_, err := journal.Recover()
	require.Error(t, err)
	assert.True(t, fail.Is(err, fail.WALIntegrity), "got %v", err)
}

func TestPendingDoesNotTruncate(t *testing.T) {
	t.Parallel()

	journal, _ := newJournal(t, fs.NewReal())

	_, err := journal.Append("maps/a.json", "run-1-aaaaaaaa", "c1")
	require.NoError(t, err)

	pending, err := journal.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	pending, err = journal.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestWriterJournalsBeforeWriting(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	journal, root := newJournal(t, fsys)
	writer := wal.NewWriter(fsys, journal)

	payload := map[string]any{"id": "a", "status": "active"}

	require.NoError(t, writer.WriteJSON("maps/a.json", payload, "run-1-aaaaaaaa"))

	// The target file holds the payload.
	raw, err := os.ReadFile(root.MapPath("a"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "active", decoded["status"])

	// The journal entry's checksum matches the canonical payload.
	pending, err := journal.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	checksum, err := ident.Checksum(payload)
	require.NoError(t, err)
	assert.Equal(t, checksum, pending[0].Checksum)
	assert.Equal(t, "run-1-aaaaaaaa", pending[0].RunID)
}

func TestCrashBetweenJournalAndWriteLeavesRecoverableIntent(t *testing.T) {
	t.Parallel()

	faulty := fs.NewFaulty(fs.NewReal())
	journal, root := newJournal(t, faulty)
	writer := wal.NewWriter(faulty, journal)

	// The journal append succeeds; the document write "crashes".
	faulty.FailOp(fs.OpWriteAtomic, "maps", 1)

	err := writer.WriteJSON("maps/a.json", map[string]any{"id": "a"}, "run-1-aaaaaaaa")
	require.ErrorIs(t, err, fs.ErrInjected)

	// The target never appeared.
	_, statErr := os.Stat(root.MapPath("a"))
	require.True(t, os.IsNotExist(statErr))

	// Recovery reports the unapplied intent.
	faulty.Reset()

	recovered, err := journal.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "maps/a.json", recovered[0].Target)
}
