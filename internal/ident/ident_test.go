package ident_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeflow/forgeflow/internal/ident"
)

func TestCanonicalJSONIsOrderIndependent(t *testing.T) {
	t.Parallel()

	type ab struct {
		A string `json:"a"`
		B int    `json:"b"`
	}

	type ba struct {
		B int    `json:"b"`
		A string `json:"a"`
	}

	first, err := ident.CanonicalJSON(ab{A: "x", B: 2})
	require.NoError(t, err)

	second, err := ident.CanonicalJSON(ba{B: 2, A: "x"})
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
	assert.JSONEq(t, `{"a":"x","b":2}`, string(first))
}

func TestCanonicalJSONRejectsUnencodable(t *testing.T) {
	t.Parallel()

	_, err := ident.CanonicalJSON(make(chan int))
	require.Error(t, err)
}

func TestChecksumStableAcrossEquivalentPayloads(t *testing.T) {
	t.Parallel()

	a, err := ident.Checksum(map[string]any{"x": 1, "y": "z"})
	require.NoError(t, err)

	b, err := ident.Checksum(map[string]any{"y": "z", "x": 1})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), a)
}

func TestTimestampRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 4, 5, 6, 7, 0, time.UTC)

	stamp := ident.Timestamp(now)
	assert.Equal(t, "2026-03-04T05:06:07Z", stamp)

	parsed, err := ident.ParseTimestamp(stamp)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now))
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := ident.ParseTimestamp("not-a-time")
	require.Error(t, err)
}

func TestIDFormats(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)

	assert.Regexp(t, `^run-\d+-[0-9a-f]{8}$`, ident.NewRunID(now))
	assert.Regexp(t, `^incident-\d+-[0-9a-f]{8}$`, ident.NewIncidentID(now))
	assert.Regexp(t, `^dlq-\d+-[0-9a-f]{8}$`, ident.NewDLQID(now))
	assert.Regexp(t, `^owner-[0-9a-f-]{36}$`, ident.NewOwnerToken())
}

func TestIDsAreUnique(t *testing.T) {
	t.Parallel()

	now := time.Now()
	seen := make(map[string]bool)

	for range 100 {
		id := ident.NewRunID(now)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestIdempotencyKeyDependsOnAllInputs(t *testing.T) {
	t.Parallel()

	base, err := ident.IdempotencyKey("evt-1", map[string]any{"k": "v"}, "maps/a", 1)
	require.NoError(t, err)

	same, err := ident.IdempotencyKey("evt-1", map[string]any{"k": "v"}, "maps/a", 1)
	require.NoError(t, err)
	assert.Equal(t, base, same)

	differentSeq, err := ident.IdempotencyKey("evt-1", map[string]any{"k": "v"}, "maps/a", 2)
	require.NoError(t, err)
	assert.NotEqual(t, base, differentSeq)

	differentScope, err := ident.IdempotencyKey("evt-1", map[string]any{"k": "v"}, "maps/b", 1)
	require.NoError(t, err)
	assert.NotEqual(t, base, differentScope)

	differentPayload, err := ident.IdempotencyKey("evt-1", map[string]any{"k": "w"}, "maps/a", 1)
	require.NoError(t, err)
	assert.NotEqual(t, base, differentPayload)
}

func TestChainHashMatchesManualConcatenation(t *testing.T) {
	t.Parallel()

	event := map[string]any{"action": "x"}

	canonical, err := ident.CanonicalJSON(event)
	require.NoError(t, err)

	want := ident.HashBytes(append([]byte("genesis"), canonical...))

	got, err := ident.ChainHash("genesis", event)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestOperationKeyCollapsesEquivalentOps(t *testing.T) {
	t.Parallel()

	a, err := ident.OperationKey("insert", map[string]any{"v": 1, "w": 2}, "users")
	require.NoError(t, err)

	b, err := ident.OperationKey("insert", map[string]any{"w": 2, "v": 1}, "users")
	require.NoError(t, err)

	assert.Equal(t, a, b)

	c, err := ident.OperationKey("update", map[string]any{"v": 1, "w": 2}, "users")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
