package breaker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/breaker"
	"github.com/forgeflow/forgeflow/internal/fail"
)

func newRegistry() *breaker.Registry {
	return breaker.NewRegistry(zap.NewNop(), nil)
}

func failing() error {
	return errors.New("provider down")
}

func TestUnknownBreakerIsClosed(t *testing.T) {
	t.Parallel()

	reg := newRegistry()

	assert.Equal(t, breaker.StateClosed, reg.State("never-seen"))
}

func TestExecutePassesResultsThrough(t *testing.T) {
	t.Parallel()

	reg := newRegistry()

	require.NoError(t, reg.Execute("provider", func() error { return nil }))

	cause := errors.New("bad insert")
	err := reg.Execute("provider", func() error { return cause })
	require.ErrorIs(t, err, cause)

	assert.Equal(t, breaker.StateClosed, reg.State("provider"))
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	reg.Configure("provider", breaker.Config{FailureThreshold: 3})

	for range 3 {
		require.Error(t, reg.Execute("provider", failing))
	}

	assert.Equal(t, breaker.StateOpen, reg.State("provider"))

	// Open breaker rejects without invoking the operation.
	calls := 0

	err := reg.Execute("provider", func() error {
		calls++

		return nil
	})
	require.Error(t, err)
	assert.Zero(t, calls)
	assert.True(t, fail.Is(err, fail.ServiceUnavailable), "got %v", err)
}

func TestSuccessResetsTheFailureStreak(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	reg.Configure("provider", breaker.Config{FailureThreshold: 3})

	require.Error(t, reg.Execute("provider", failing))
	require.Error(t, reg.Execute("provider", failing))
	require.NoError(t, reg.Execute("provider", func() error { return nil }))
	require.Error(t, reg.Execute("provider", failing))
	require.Error(t, reg.Execute("provider", failing))

	assert.Equal(t, breaker.StateClosed, reg.State("provider"))
}

func TestResetClosesAnOpenBreaker(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	reg.Configure("provider", breaker.Config{FailureThreshold: 1})

	require.Error(t, reg.Execute("provider", failing))
	require.Equal(t, breaker.StateOpen, reg.State("provider"))

	reg.Reset("provider")

	assert.Equal(t, breaker.StateClosed, reg.State("provider"))
	require.NoError(t, reg.Execute("provider", func() error { return nil }))

	// Unknown names are a no-op.
	reg.Reset("never-seen")
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	reg.Configure("provider", breaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          20 * time.Millisecond,
	})

	require.Error(t, reg.Execute("provider", failing))
	require.Equal(t, breaker.StateOpen, reg.State("provider"))

	time.Sleep(30 * time.Millisecond)

	require.Equal(t, breaker.StateHalfOpen, reg.State("provider"))

	require.NoError(t, reg.Execute("provider", func() error { return nil }))
	require.Equal(t, breaker.StateHalfOpen, reg.State("provider"))

	require.NoError(t, reg.Execute("provider", func() error { return nil }))
	assert.Equal(t, breaker.StateClosed, reg.State("provider"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	reg.Configure("provider", breaker.Config{
		FailureThreshold: 1,
		Timeout:          20 * time.Millisecond,
	})

	require.Error(t, reg.Execute("provider", failing))

	time.Sleep(30 * time.Millisecond)

	require.Error(t, reg.Execute("provider", failing))
	assert.Equal(t, breaker.StateOpen, reg.State("provider"))
}

func TestConfigureRebuildsInClosedState(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	reg.Configure("provider", breaker.Config{FailureThreshold: 1})

	require.Error(t, reg.Execute("provider", failing))
	require.Equal(t, breaker.StateOpen, reg.State("provider"))

	reg.Configure("provider", breaker.Config{FailureThreshold: 5})

	assert.Equal(t, breaker.StateClosed, reg.State("provider"))
	assert.Contains(t, reg.Names(), "provider")
}
