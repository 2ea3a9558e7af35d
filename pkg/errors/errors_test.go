package errors

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesRegistryDefaults(t *testing.T) {
	err := New(KindProviderUnavailable, "Ollama is not reachable")

	assert.Equal(t, KindProviderUnavailable, err.Kind())
	assert.Equal(t, SeverityError, err.Severity())
	assert.Equal(t, RecoverySwitchProvider, err.Recovery())
	assert.Equal(t, http.StatusServiceUnavailable, err.HTTPStatus())
	assert.NotEmpty(t, err.Hints())
	require.NotNil(t, err.Context())
	assert.False(t, err.Context().Timestamp.IsZero())
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindProviderUnavailable, http.StatusServiceUnavailable},
		{KindRequestTimeout, http.StatusGatewayTimeout},
		{KindConnectionTimeout, http.StatusGatewayTimeout},
		{KindResponseTimeout, http.StatusGatewayTimeout},
		{KindRequestRateLimited, http.StatusTooManyRequests},
		{KindAuthenticationFailed, http.StatusUnauthorized},
		{KindTokenExpired, http.StatusUnauthorized},
		{KindModelNotFound, http.StatusNotFound},
		{KindProviderNotFound, http.StatusNotFound},
		{KindRequestMalformed, http.StatusBadRequest},
		{KindProviderConfigError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.status, StatusForKind(tt.kind))
		})
	}
}

func TestUnknownKindDefaultsTo500(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusForKind(Kind("somethingElse")))
	assert.Equal(t, RecoveryNone, RecoveryForKind(Kind("somethingElse")))
}

func TestWithDetailAndWrap(t *testing.T) {
	cause := stderrors.New("dial tcp 127.0.0.1:11434: connection refused")
	err := Wrap(cause, KindProviderUnavailable, "provider probe failed").
		WithDetail("base URL http://127.0.0.1:11434")

	assert.Contains(t, err.Error(), "provider probe failed")
	assert.Contains(t, err.Error(), "base URL")
	assert.Equal(t, cause, err.Unwrap())

	// WithDetail must not mutate the original.
	again := err.WithDetail("second detail")
	assert.NotEqual(t, err.Details(), again.(BridgeError).Details())
}

func TestWithRecoveryOverride(t *testing.T) {
	err := New(KindRequestTimeout, "slow provider").WithRecovery(RecoveryFallbackMode)
	assert.Equal(t, RecoveryFallbackMode, err.Recovery())

	// Kind default stays intact for new errors.
	assert.Equal(t, RecoveryRetry, New(KindRequestTimeout, "x").Recovery())
}

func TestIsKindAndIsTimeout(t *testing.T) {
	err := New(KindRequestTimeout, "deadline exceeded")
	assert.True(t, IsKind(err, KindRequestTimeout))
	assert.False(t, IsKind(err, KindProviderUnavailable))
	assert.True(t, IsTimeout(err))
	assert.False(t, IsTimeout(New(KindRequestMalformed, "bad")))
	assert.False(t, IsTimeout(stderrors.New("plain")))
}

func TestToJSONShape(t *testing.T) {
	err := New(KindRequestRateLimited, "too many in-flight requests")
	m := err.ToJSON()

	assert.Equal(t, "requestRateLimited", m["kind"])
	assert.Equal(t, http.StatusTooManyRequests, m["status"])
	assert.Equal(t, string(RecoveryRetryWithBackoff), m["recovery"])
	assert.NotEmpty(t, m["hints"])
}
