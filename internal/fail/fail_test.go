package fail_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeflow/forgeflow/internal/fail"
)

func TestKindCategories(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind fail.Kind
		want fail.Category
	}{
		{fail.ProviderRateLimit, fail.CategoryTransient},
		{fail.NetworkTimeout, fail.CategoryTransient},
		{fail.Transient5xx, fail.CategoryTransient},
		{fail.ServiceUnavailable, fail.CategoryTransient},
		{fail.InvalidCredentials, fail.CategoryPermanent},
		{fail.NotFound, fail.CategoryPermanent},
		{fail.SchemaInvalid, fail.CategoryPermanent},
		{fail.LockTimeout, fail.CategoryPermanent},
		{fail.WALIntegrity, fail.CategoryFatal},
		{fail.SafeModeReadOnly, fail.CategoryRefused},
		{fail.CircuitBreakerOpen, fail.CategoryRefused},
		{fail.OperationFailed, fail.CategoryPermanent},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.Category(), "kind %s", tt.kind)
	}
}

func TestRetryableKinds(t *testing.T) {
	t.Parallel()

	assert.True(t, fail.ProviderRateLimit.Retryable())
	assert.True(t, fail.NetworkTimeout.Retryable())
	assert.True(t, fail.Transient5xx.Retryable())

	// Transient but deliberately not retryable: it is the breaker-open
	// signal and retrying would defeat the breaker.
	assert.False(t, fail.ServiceUnavailable.Retryable())

	assert.False(t, fail.NotFound.Retryable())
	assert.False(t, fail.WALIntegrity.Retryable())
	assert.False(t, fail.SafeModeReadOnly.Retryable())
}

func TestHTTPStatusMapping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusTooManyRequests, fail.ProviderRateLimit.HTTPStatus())
	assert.Equal(t, http.StatusGatewayTimeout, fail.NetworkTimeout.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, fail.SafeModeReadOnly.HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, fail.InvalidCredentials.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, fail.NotFound.HTTPStatus())
	assert.Equal(t, http.StatusConflict, fail.LockTimeout.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, fail.WALIntegrity.HTTPStatus())
}

func TestKindFromHTTPStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, fail.InvalidCredentials, fail.KindFromHTTPStatus(401))
	assert.Equal(t, fail.InvalidCredentials, fail.KindFromHTTPStatus(403))
	assert.Equal(t, fail.NotFound, fail.KindFromHTTPStatus(404))
	assert.Equal(t, fail.ProviderRateLimit, fail.KindFromHTTPStatus(429))
	assert.Equal(t, fail.Transient5xx, fail.KindFromHTTPStatus(500))
	assert.Equal(t, fail.Transient5xx, fail.KindFromHTTPStatus(503))
	assert.Equal(t, fail.OperationFailed, fail.KindFromHTTPStatus(400))
}

func TestWrapPreservesExistingKind(t *testing.T) {
	t.Parallel()

	inner := fail.New(fail.NotFound, "map %q", "a")
	wrapped := fail.Wrap(fail.Transient5xx, fmt.Errorf("outer: %w", inner), "read failed")

	assert.Equal(t, fail.NotFound, wrapped.Kind)
	assert.True(t, fail.Is(wrapped, fail.NotFound))
}

func TestWrapNilReturnsNil(t *testing.T) {
	t.Parallel()

	require.Nil(t, fail.Wrap(fail.Transient5xx, nil, "nothing"))
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := fail.Wrap(fail.Transient5xx, cause, "write %s", "maps/a.json")

	assert.Equal(t, "TRANSIENT_5XX: write maps/a.json: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestKindOfOutsideTaxonomy(t *testing.T) {
	t.Parallel()

	assert.Equal(t, fail.OperationFailed, fail.KindOf(errors.New("plain")))
	assert.False(t, fail.Retryable(errors.New("plain")))
	assert.False(t, fail.Is(errors.New("plain"), fail.OperationFailed))
}
