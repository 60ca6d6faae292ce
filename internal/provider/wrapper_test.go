package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/breaker"
	"github.com/forgeflow/forgeflow/internal/dlq"
	"github.com/forgeflow/forgeflow/internal/fail"
	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/layout"
	"github.com/forgeflow/forgeflow/internal/provider"
	"github.com/forgeflow/forgeflow/internal/retry"
	"github.com/forgeflow/forgeflow/internal/testutil"
)

// fakeProvider scripts failures per method and counts invocations.
type fakeProvider struct {
	insertErrs  []error
	insertCalls int

	deleteErr   error
	deleteCalls int

	pingErr   error
	pingCalls int

	queryErr   error
	queryCalls int
	rows       []provider.Row
}

func (f *fakeProvider) Init(context.Context) error  { return nil }
func (f *fakeProvider) Close(context.Context) error { return nil }

func (f *fakeProvider) Ping(context.Context) error {
	f.pingCalls++

	return f.pingErr
}

func (f *fakeProvider) Query(context.Context, string, provider.Filter, provider.QueryOpts) ([]provider.Row, error) {
	f.queryCalls++

	if f.queryErr != nil {
		return nil, f.queryErr
	}

	return f.rows, nil
}

func (f *fakeProvider) Insert(context.Context, string, provider.Row) error {
	f.insertCalls++

	if len(f.insertErrs) == 0 {
		return nil
	}

	err := f.insertErrs[0]
	f.insertErrs = f.insertErrs[1:]

	return err
}

func (f *fakeProvider) Update(context.Context, string, provider.Filter, provider.Row) error {
	return nil
}

func (f *fakeProvider) Delete(context.Context, string, provider.Filter) error {
	f.deleteCalls++

	return f.deleteErr
}

func (f *fakeProvider) CreateTable(context.Context, string, json.RawMessage) error { return nil }
func (f *fakeProvider) DropTable(context.Context, string) error                    { return nil }
func (f *fakeProvider) ApplySecurityRules(context.Context, json.RawMessage) error  { return nil }
func (f *fakeProvider) RunMigrations(context.Context) error                        { return nil }
func (f *fakeProvider) AppliedMigrations(context.Context) ([]string, error)        { return nil, nil }

func (f *fakeProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Transactions: true}
}

func newWrapper(t *testing.T, inner *fakeProvider) (*provider.Wrapper, *dlq.Queue, *breaker.Registry) {
	t.Helper()

	logger := zap.NewNop()
	retryer := retry.New(logger, nil)
	breakers := breaker.NewRegistry(logger, nil)
	queue := dlq.New(fs.NewReal(), layout.Root(t.TempDir()), testutil.NewClock(), logger, nil)

	wrapped := provider.Wrap("supabase", inner, retryer, breakers, queue, logger, provider.WrapperConfig{
		Retry: retry.Config{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			MaxDelay:   2 * time.Millisecond,
		},
		Breaker: breaker.Config{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
		DLQVerbs: []string{"insert", "update", "apply_security_rules"},
	})

	return wrapped, queue, breakers
}

func TestTransientInsertIsRetriedToSuccess(t *testing.T) {
	t.Parallel()

	inner := &fakeProvider{insertErrs: []error{
		fail.New(fail.NetworkTimeout, "connect refused"),
		fail.New(fail.NetworkTimeout, "connect refused"),
	}}
	wrapped, queue, _ := newWrapper(t, inner)

	err := wrapped.Insert(context.Background(), "events", provider.Row{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.insertCalls)

	stats, err := queue.Statistics()
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestDeleteExecutesExactlyOnce(t *testing.T) {
	t.Parallel()

	inner := &fakeProvider{deleteErr: fail.New(fail.NetworkTimeout, "connect refused")}
	wrapped, queue, _ := newWrapper(t, inner)

	err := wrapped.Delete(context.Background(), "events", provider.Filter{"id": "x"})
	require.Error(t, err)
	assert.Equal(t, 1, inner.deleteCalls)
	assert.True(t, fail.Is(err, fail.NetworkTimeout), "got %v", err)

	// Destructive verbs are never dead-lettered.
	stats, err := queue.Statistics()
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestUnclassifiedErrorsDefaultToTransient(t *testing.T) {
	t.Parallel()

	inner := &fakeProvider{queryErr: errors.New("socket closed")}
	wrapped, _, _ := newWrapper(t, inner)

	_, err := wrapped.Query(context.Background(), "events", nil, provider.QueryOpts{})
	require.Error(t, err)
	assert.True(t, fail.Is(err, fail.Transient5xx), "got %v", err)

	// Unclassified errors are not retried; the mapping happens on the way
	// out so the next call starts from a clean verdict.
	assert.Equal(t, 1, inner.queryCalls)
}

func TestNonRetryableErrorsPropagateOnce(t *testing.T) {
	t.Parallel()

	inner := &fakeProvider{queryErr: fail.New(fail.InvalidCredentials, "bad service key")}
	wrapped, _, _ := newWrapper(t, inner)

	_, err := wrapped.Query(context.Background(), "events", nil, provider.QueryOpts{})
	require.Error(t, err)
	assert.Equal(t, 1, inner.queryCalls)
	assert.True(t, fail.Is(err, fail.InvalidCredentials), "got %v", err)
}

func TestExhaustedInsertIsDeadLettered(t *testing.T) {
	t.Parallel()

	inner := &fakeProvider{insertErrs: []error{
		fail.New(fail.NetworkTimeout, "down"),
		fail.New(fail.NetworkTimeout, "down"),
		fail.New(fail.NetworkTimeout, "down"),
	}}
	wrapped, queue, _ := newWrapper(t, inner)

	err := wrapped.Insert(context.Background(), "events", provider.Row{"n": 1})
	require.Error(t, err)
	assert.Equal(t, 3, inner.insertCalls)

	entries, err := queue.List(dlq.Filter{Verb: "insert"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "events", entries[0].Operation.Resource)
	assert.Equal(t, "supabase", entries[0].Context["provider"])
	assert.Equal(t, dlq.StatusFailed, entries[0].Status)
}

func TestOpenBreakerShedsCalls(t *testing.T) {
	t.Parallel()

	inner := &fakeProvider{pingErr: fail.New(fail.InvalidCredentials, "bad service key")}
	wrapped, _, breakers := newWrapper(t, inner)

	// Two non-retryable failures trip the two-failure breaker.
	require.Error(t, wrapped.Ping(context.Background()))
	require.Error(t, wrapped.Ping(context.Background()))
	require.Equal(t, breaker.StateOpen, breakers.State("supabase"))

	_, err := wrapped.Query(context.Background(), "events", nil, provider.QueryOpts{})
	require.Error(t, err)
	assert.True(t, fail.Is(err, fail.ServiceUnavailable), "got %v", err)

	// The open breaker rejected the call before it reached the provider.
	assert.Zero(t, inner.queryCalls)
}

func TestCapabilitiesBypassWrapping(t *testing.T) {
	t.Parallel()

	inner := &fakeProvider{}
	wrapped, _, _ := newWrapper(t, inner)

	caps := wrapped.Capabilities()
	assert.True(t, caps.Supports("transactions"))
	assert.False(t, caps.Supports("migrations"))
	assert.False(t, caps.Supports("nonsense"))
}

func TestQueryReturnsRows(t *testing.T) {
	t.Parallel()

	inner := &fakeProvider{rows: []provider.Row{{"id": "a"}, {"id": "b"}}}
	wrapped, _, _ := newWrapper(t, inner)

	rows, err := wrapped.Query(context.Background(), "events", nil, provider.QueryOpts{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
