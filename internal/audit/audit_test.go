package audit_test

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/audit"
	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/layout"
	"github.com/forgeflow/forgeflow/internal/testutil"
)

func newChain(t *testing.T) (*audit.Chain, layout.Root) {
	t.Helper()

	root := layout.Root(t.TempDir())

	return audit.NewChain(fs.NewReal(), root, testutil.NewClock(), zap.NewNop()), root
}

func TestFirstEntryLinksToGenesis(t *testing.T) {
	t.Parallel()

	chain, _ := newChain(t)

	entry, err := chain.Append(map[string]any{"action": "run_start"})
	require.NoError(t, err)

	assert.Equal(t, audit.GenesisHash, entry.PreviousHash)
	assert.NotEmpty(t, entry.Hash)
}

func TestEntriesLinkInOrder(t *testing.T) {
	t.Parallel()

	chain, _ := newChain(t)

	first, err := chain.Append(map[string]any{"action": "a"})
	require.NoError(t, err)

	second, err := chain.Append(map[string]any{"action": "b"})
	require.NoError(t, err)

	third, err := chain.Append(map[string]any{"action": "c"})
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.PreviousHash)
	assert.Equal(t, second.Hash, third.PreviousHash)
}

func TestVerifyCleanChain(t *testing.T) {
	t.Parallel()

	chain, _ := newChain(t)

	for i := range 5 {
		_, err := chain.Append(map[string]any{"n": i})
		require.NoError(t, err)
	}

	report, err := chain.Verify()
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 5, report.Checked)
	assert.Equal(t, -1, report.DivergedAt)
}

func TestVerifyEmptyChainIsTriviallyOK(t *testing.T) {
	t.Parallel()

	chain, _ := newChain(t)

	report, err := chain.Verify()
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Zero(t, report.Checked)
}

func TestVerifyDetectsEditedEvent(t *testing.T) {
	t.Parallel()

	chain, root := newChain(t)

	for i := range 3 {
		_, err := chain.Append(map[string]any{"n": i})
		require.NoError(t, err)
	}

	// Edit the middle entry's event in place.
	path := root.Path(layout.AuditLog)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)

	var tampered audit.Entry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &tampered))
	tampered.Event = json.RawMessage(`{"n":99}`)

	edited, err := json.Marshal(tampered)
	require.NoError(t, err)

	lines[1] = string(edited)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	report, err := chain.Verify()
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, 1, report.DivergedAt)
	assert.Contains(t, report.Reason, "does not reproduce")
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	t.Parallel()

	chain, root := newChain(t)

	for i := range 3 {
		_, err := chain.Append(map[string]any{"n": i})
		require.NoError(t, err)
	}

	// Delete the middle line; the third entry's link no longer matches.
	path := root.Path(layout.AuditLog)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.NoError(t, os.WriteFile(path,
		[]byte(lines[0]+"\n"+lines[2]+"\n"), 0o644))

	report, err := chain.Verify()
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, 1, report.DivergedAt)
	assert.Contains(t, report.Reason, "previous_hash")
}

func TestAppendAfterTornTailLinksToLastCompleteEntry(t *testing.T) {
	t.Parallel()

	chain, root := newChain(t)

	first, err := chain.Append(map[string]any{"n": 0})
	require.NoError(t, err)

	// Torn tail from a crash mid-append.
	file, err := os.OpenFile(root.Path(layout.AuditLog), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)

	_, err = file.WriteString(`{"timestamp":"2026`)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	second, err := chain.Append(map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PreviousHash)
}

func TestConcurrentAppendsKeepTheChainLinked(t *testing.T) {
	t.Parallel()

	chain, _ := newChain(t)

	const (
		appenders = 8
		each      = 40
	)

	var wg sync.WaitGroup

	for g := range appenders {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range each {
				_, err := chain.Append(map[string]any{"appender": g, "n": i})
				assert.NoError(t, err)
			}
		}()
	}

	wg.Wait()

	report, err := chain.Verify()
	require.NoError(t, err)
	assert.True(t, report.OK(), "diverged at %d: %s", report.DivergedAt, report.Reason)
	assert.Equal(t, appenders*each, report.Checked)
}

func TestSeparateChainsOverOneRootInterleaveSafely(t *testing.T) {
	t.Parallel()

	chain, root := newChain(t)
	other := audit.NewChain(fs.NewReal(), root, testutil.NewClock(), zap.NewNop())

	var wg sync.WaitGroup

	for _, c := range []*audit.Chain{chain, other} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range 50 {
				_, err := c.Append(map[string]any{"n": i})
				assert.NoError(t, err)
			}
		}()
	}

	wg.Wait()

	report, err := chain.Verify()
	require.NoError(t, err)
	assert.True(t, report.OK(), "diverged at %d: %s", report.DivergedAt, report.Reason)
	assert.Equal(t, 100, report.Checked)
}

func TestEventsAreCanonicalized(t *testing.T) {
	t.Parallel()

	chain, _ := newChain(t)

	type event struct {
		B int    `json:"b"`
		A string `json:"a"`
	}

	entry, err := chain.Append(event{B: 1, A: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1}`, string(entry.Event))
}
