package ledger_test

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/layout"
	"github.com/forgeflow/forgeflow/internal/ledger"
	"github.com/forgeflow/forgeflow/internal/testutil"
)

func newLedger(t *testing.T, fsys fs.FS) (*ledger.Ledger, layout.Root) {
	t.Helper()

	root := layout.Root(t.TempDir())

	return ledger.New(fsys, root, testutil.NewClock(), zap.NewNop()), root
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	t.Parallel()

	led, _ := newLedger(t, fs.NewReal())

	first, err := led.Append("evt-1", map[string]any{"n": 1}, "maps/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.MonotonicSeq)

	second, err := led.Append("evt-2", map[string]any{"n": 2}, "maps/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.MonotonicSeq)

	seq, err := led.Seq()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestDuplicateEventIsIdempotent(t *testing.T) {
	t.Parallel()

	led, _ := newLedger(t, fs.NewReal())

	first, err := led.Append("evt-1", map[string]any{"n": 1}, "maps/a")
	require.NoError(t, err)

	// Same source, payload, and scope: the crash-retry case.
	again, err := led.Append("evt-1", map[string]any{"n": 1}, "maps/a")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	entries, err := led.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSameSourceDifferentPayloadIsANewEvent(t *testing.T) {
	t.Parallel()

	led, _ := newLedger(t, fs.NewReal())

	_, err := led.Append("evt-1", map[string]any{"n": 1}, "maps/a")
	require.NoError(t, err)

	second, err := led.Append("evt-1", map[string]any{"n": 2}, "maps/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.MonotonicSeq)
}

func TestDedupeSurvivesReload(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	led, root := newLedger(t, fsys)

	first, err := led.Append("evt-1", map[string]any{"n": 1}, "maps/a")
	require.NoError(t, err)

	// A fresh ledger over the same root must still dedupe.
	reloaded := ledger.New(fsys, root, testutil.NewClock(), zap.NewNop())

	again, err := reloaded.Append("evt-1", map[string]any{"n": 1}, "maps/a")
	require.NoError(t, err)
	assert.Equal(t, first.IdempotencyKey, again.IdempotencyKey)
	assert.Equal(t, first.MonotonicSeq, again.MonotonicSeq)
}

func TestCrashAfterSequenceWriteBurnsTheNumber(t *testing.T) {
	t.Parallel()

	faulty := fs.NewFaulty(fs.NewReal())
	led, root := newLedger(t, faulty)

	// The sequence record write succeeds; the ledger append "crashes"
	// before any byte lands.
	faulty.FailOp(fs.OpOpenFile, "events_ledger", 1)

	_, err := led.Append("evt-1", map[string]any{"n": 1}, "maps/a")
	require.ErrorIs(t, err, fs.ErrInjected)

	faulty.Reset()

	// After a restart the record is ahead of the empty ledger: seq 1 is
	// burned, never reused.
	restarted := ledger.New(faulty, root, testutil.NewClock(), zap.NewNop())

	entry, err := restarted.Append("evt-1", map[string]any{"n": 1}, "maps/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), entry.MonotonicSeq)
}

func TestLaggingSequenceRecordIsCorrected(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	led, root := newLedger(t, fsys)

	_, err := led.Append("evt-1", map[string]any{"n": 1}, "maps/a")
	require.NoError(t, err)

	_, err = led.Append("evt-2", map[string]any{"n": 2}, "maps/a")
	require.NoError(t, err)

	// Hand-edit the record backwards.
	seqPath := root.Path(layout.SequenceRecord)
	require.NoError(t, os.WriteFile(seqPath, []byte(`{"monotonic_seq":0}`), 0o644))

	reloaded := ledger.New(fsys, root, testutil.NewClock(), zap.NewNop())

	entry, err := reloaded.Append("evt-3", map[string]any{"n": 3}, "maps/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), entry.MonotonicSeq)
}

func TestPayloadIsStoredCanonically(t *testing.T) {
	t.Parallel()

	led, _ := newLedger(t, fs.NewReal())

	type payload struct {
		B int    `json:"b"`
		A string `json:"a"`
	}

	entry, err := led.Append("evt-1", payload{B: 1, A: "x"}, "maps/a")
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1}`, string(entry.Payload))

	var generic map[string]any
	require.NoError(t, json.Unmarshal(entry.Payload, &generic))
}
