package health_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/health"
	"github.com/forgeflow/forgeflow/internal/layout"
	"github.com/forgeflow/forgeflow/internal/testutil"
)

func newMesh(t *testing.T) (*health.Mesh, layout.Root) {
	t.Helper()

	root := layout.Root(t.TempDir())

	return health.NewMesh(fs.NewReal(), root, testutil.NewClock(), zap.NewNop(), nil), root
}

func TestMeshDefaultsToHealthy(t *testing.T) {
	t.Parallel()

	mesh, _ := newMesh(t)

	record, err := mesh.Current()
	require.NoError(t, err)
	assert.Equal(t, health.SafeModeHealthy, record.SafeMode)
	assert.Zero(t, record.ConsecutiveFailures)

	open, err := mesh.IsCircuitOpen()
	require.NoError(t, err)
	assert.False(t, open)
}

func TestMeshFlipsToReadOnlyOnThirdFailure(t *testing.T) {
	t.Parallel()

	mesh, _ := newMesh(t)

	require.NoError(t, mesh.RecordFailure("disk full"))
	require.NoError(t, mesh.RecordFailure("disk full"))

	record, err := mesh.Current()
	require.NoError(t, err)
	assert.Equal(t, health.SafeModeHealthy, record.SafeMode)
	assert.Equal(t, 2, record.ConsecutiveFailures)

	require.NoError(t, mesh.RecordFailure("disk full"))

	record, err = mesh.Current()
	require.NoError(t, err)
	assert.Equal(t, health.SafeModeReadOnly, record.SafeMode)
	assert.Equal(t, "disk full", record.Reason)
	assert.NotEmpty(t, record.Since)

	open, err := mesh.IsCircuitOpen()
	require.NoError(t, err)
	assert.True(t, open)
}

func TestMeshSuccessClearsReadOnly(t *testing.T) {
	t.Parallel()

	mesh, _ := newMesh(t)

	for range 3 {
		require.NoError(t, mesh.RecordFailure("provider down"))
	}

	require.NoError(t, mesh.RecordSuccess())

	record, err := mesh.Current()
	require.NoError(t, err)
	assert.Equal(t, health.SafeModeHealthy, record.SafeMode)
	assert.Zero(t, record.ConsecutiveFailures)
	assert.Empty(t, record.Reason)
}

func TestMeshRecordIsVisibleToFreshInstances(t *testing.T) {
	t.Parallel()

	mesh, root := newMesh(t)

	for range 3 {
		require.NoError(t, mesh.RecordFailure("provider down"))
	}

	fresh := health.NewMesh(fs.NewReal(), root, testutil.NewClock(), zap.NewNop(), nil)

	record, err := fresh.Current()
	require.NoError(t, err)
	assert.Equal(t, health.SafeModeReadOnly, record.SafeMode)
	assert.Equal(t, 3, record.ConsecutiveFailures)
}

func TestMeshInvalidateDropsTheCache(t *testing.T) {
	t.Parallel()

	mesh, root := newMesh(t)

	record, err := mesh.Current()
	require.NoError(t, err)
	assert.Zero(t, record.ViolationWarnings)

	// Another process edits the record behind our back.
	edited := `{"safe_mode":"healthy","consecutive_failures":0,"violation_warnings":4}`
	require.NoError(t, os.MkdirAll(root.Path("status"), 0o755))
	require.NoError(t, os.WriteFile(root.Path(layout.HealthRecord), []byte(edited), 0o644))

	mesh.Invalidate()

	record, err = mesh.Current()
	require.NoError(t, err)
	assert.Equal(t, 4, record.ViolationWarnings)
}

func TestMeshCountsViolations(t *testing.T) {
	t.Parallel()

	mesh, _ := newMesh(t)

	require.NoError(t, mesh.RecordViolation())
	require.NoError(t, mesh.RecordViolation())

	record, err := mesh.Current()
	require.NoError(t, err)
	assert.Equal(t, 2, record.ViolationWarnings)
}
