package run_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/audit"
	"github.com/forgeflow/forgeflow/internal/fail"
	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/layout"
	"github.com/forgeflow/forgeflow/internal/run"
	"github.com/forgeflow/forgeflow/internal/schema"
	"github.com/forgeflow/forgeflow/internal/testutil"
)

func newIncidents(t *testing.T) *run.Incidents {
	t.Helper()

	fsys := fs.NewReal()
	root := layout.Root(t.TempDir())
	clock := testutil.NewClock()
	logger := zap.NewNop()

	require.NoError(t, schema.EnsureDefaults(fsys, root))

	validator := schema.NewValidator(fsys, root)
	chain := audit.NewChain(fsys, root, clock, logger)

	return run.NewIncidents(fsys, root, validator, chain, clock, logger)
}

func TestOpenIncident(t *testing.T) {
	t.Parallel()

	incidents := newIncidents(t)

	incident, err := incidents.Open("critical", "journal mirrors diverged", []string{"deploy-checklist"})
	require.NoError(t, err)

	assert.Equal(t, run.IncidentOpen, incident.Status)
	assert.Equal(t, "critical", incident.Severity)
	assert.NotEmpty(t, incident.StartedAt)
	assert.Equal(t, []string{"deploy-checklist"}, incident.RelatedMaps)

	stored, err := incidents.Get(incident.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.ID, stored.ID)
}

func TestAddNoteToOpenIncident(t *testing.T) {
	t.Parallel()

	incidents := newIncidents(t)

	incident, err := incidents.Open("warning", "lock stolen twice in an hour", nil)
	require.NoError(t, err)

	updated, err := incidents.AddNote(incident.ID, "checked for zombie processes")
	require.NoError(t, err)
	require.Len(t, updated.Notes, 1)
	assert.Contains(t, updated.Notes[0], "checked for zombie processes")
}

func TestResolveIsTerminalAndIdempotent(t *testing.T) {
	t.Parallel()

	incidents := newIncidents(t)

	incident, err := incidents.Open("critical", "journal mirrors diverged", nil)
	require.NoError(t, err)

	resolved, err := incidents.Resolve(incident.ID, "shadow journal restored from primary")
	require.NoError(t, err)
	assert.Equal(t, run.IncidentResolved, resolved.Status)
	assert.Equal(t, "shadow journal restored from primary", resolved.RCA)
	assert.NotEmpty(t, resolved.ResolvedAt)

	// Resolving again is a no-op returning the terminal record.
	again, err := incidents.Resolve(incident.ID, "different story")
	require.NoError(t, err)
	assert.Equal(t, resolved.RCA, again.RCA)

	// Notes are refused on resolved incidents.
	_, err = incidents.AddNote(incident.ID, "too late")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolved")
}

func TestIncidentListFiltersByStatus(t *testing.T) {
	t.Parallel()

	incidents := newIncidents(t)

	first, err := incidents.Open("warning", "first", nil)
	require.NoError(t, err)

	second, err := incidents.Open("critical", "second", nil)
	require.NoError(t, err)

	_, err = incidents.Resolve(first.ID, "fixed")
	require.NoError(t, err)

	open, err := incidents.List(run.IncidentOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)

	all, err := incidents.List("")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)
}

func TestGetMissingIncidentIsNotFound(t *testing.T) {
	t.Parallel()

	incidents := newIncidents(t)

	_, err := incidents.Get("incident-0-00000000")
	assert.True(t, fail.Is(err, fail.NotFound), "got %v", err)
}
