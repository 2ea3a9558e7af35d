// Package auth defines the authentication capability consumed by the tunnel
// transports. Token acquisition, refresh, and storage live outside the bridge
// core; transports only need something that yields a bearer token.
package auth

import (
	"context"
	"sync"
	"time"

	bridgeerrors "github.com/ajitpratap0/llm-bridge-go/pkg/errors"
)

// TokenSource yields access tokens for the cloud relay.
type TokenSource interface {
	// AccessToken returns the current access token, which may be stale.
	AccessToken(ctx context.Context) (string, error)

	// ValidatedAccessToken returns a token known to be valid. When
	// forceRefresh is set, a cached token is discarded first.
	ValidatedAccessToken(ctx context.Context, forceRefresh bool) (string, error)
}

// StaticTokenSource returns a fixed token. Useful for tests and API-key
// style deployments.
type StaticTokenSource struct {
	Token string
}

// AccessToken implements TokenSource.
func (s *StaticTokenSource) AccessToken(ctx context.Context) (string, error) {
	if s.Token == "" {
		return "", bridgeerrors.New(bridgeerrors.KindAuthenticationFailed, "no access token configured")
	}
	return s.Token, nil
}

// ValidatedAccessToken implements TokenSource.
func (s *StaticTokenSource) ValidatedAccessToken(ctx context.Context, forceRefresh bool) (string, error) {
	return s.AccessToken(ctx)
}

// RefreshFunc fetches a fresh token and its expiry.
type RefreshFunc func(ctx context.Context) (token string, expiresAt time.Time, err error)

// CachingTokenSource caches a token from a RefreshFunc until shortly before
// it expires.
type CachingTokenSource struct {
	refresh RefreshFunc

	// EarlyExpiry is subtracted from the token expiry so a token is never
	// handed out moments before it lapses. Defaults to 30s.
	EarlyExpiry time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewCachingTokenSource creates a caching token source around refresh.
func NewCachingTokenSource(refresh RefreshFunc) *CachingTokenSource {
	return &CachingTokenSource{
		refresh:     refresh,
		EarlyExpiry: 30 * time.Second,
	}
}

// AccessToken implements TokenSource. It returns the cached token when one
// is present, refreshing only if the cache is empty.
func (c *CachingTokenSource) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()
	return c.ValidatedAccessToken(ctx, false)
}

// ValidatedAccessToken implements TokenSource.
func (c *CachingTokenSource) ValidatedAccessToken(ctx context.Context, forceRefresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh && c.token != "" && time.Now().Before(c.expiresAt.Add(-c.EarlyExpiry)) {
		return c.token, nil
	}

	token, expiresAt, err := c.refresh(ctx)
	if err != nil {
		return "", bridgeerrors.Wrap(err, bridgeerrors.KindAuthenticationFailed, "token refresh failed")
	}

	c.token = token
	c.expiresAt = expiresAt
	return token, nil
}
