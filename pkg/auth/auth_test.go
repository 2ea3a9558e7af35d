package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridgeerrors "github.com/ajitpratap0/llm-bridge-go/pkg/errors"
)

func TestStaticTokenSource(t *testing.T) {
	src := &StaticTokenSource{Token: "tok-123"}

	token, err := src.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)

	token, err = src.ValidatedAccessToken(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
}

func TestStaticTokenSourceEmpty(t *testing.T) {
	src := &StaticTokenSource{}
	_, err := src.AccessToken(context.Background())
	assert.True(t, bridgeerrors.IsKind(err, bridgeerrors.KindAuthenticationFailed))
}

func TestCachingTokenSourceReusesUnexpiredToken(t *testing.T) {
	calls := 0
	src := NewCachingTokenSource(func(ctx context.Context) (string, time.Time, error) {
		calls++
		return "fresh", time.Now().Add(time.Hour), nil
	})

	for i := 0; i < 3; i++ {
		token, err := src.ValidatedAccessToken(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, "fresh", token)
	}
	assert.Equal(t, 1, calls)
}

func TestCachingTokenSourceForceRefresh(t *testing.T) {
	calls := 0
	src := NewCachingTokenSource(func(ctx context.Context) (string, time.Time, error) {
		calls++
		return "fresh", time.Now().Add(time.Hour), nil
	})

	_, err := src.ValidatedAccessToken(context.Background(), false)
	require.NoError(t, err)
	_, err = src.ValidatedAccessToken(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCachingTokenSourceRefreshesNearExpiry(t *testing.T) {
	calls := 0
	src := NewCachingTokenSource(func(ctx context.Context) (string, time.Time, error) {
		calls++
		// Expires inside the early-expiry window, so the next call refreshes.
		return "short", time.Now().Add(10 * time.Second), nil
	})

	_, err := src.ValidatedAccessToken(context.Background(), false)
	require.NoError(t, err)
	_, err = src.ValidatedAccessToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
