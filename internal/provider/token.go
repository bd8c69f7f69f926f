package provider

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Session identifies one connection's credentials for a provider call. Key
// scopes the refresh lock and the token persistence callback.
type Session struct {
	Key          string
	AccessToken  string
	RefreshToken string
	Timezone     string
}

// TokenStore persists refreshed tokens and re-reads them under the refresh
// lock, so a connection refreshed by a concurrent call is not refreshed
// twice.
type TokenStore interface {
	LoadTokens(ctx context.Context, key string) (accessToken, refreshToken string, err error)
	SaveTokens(ctx context.Context, key, accessToken, refreshToken string) error
}

// refreshMutex serializes token refreshes per connection key.
type refreshMutex struct {
	mu      sync.Mutex
	entries map[string]*refreshEntry
}

type refreshEntry struct {
	mu   sync.Mutex
	refs int
}

func newRefreshMutex() *refreshMutex {
	return &refreshMutex{entries: make(map[string]*refreshEntry)}
}

func (m *refreshMutex) lock(key string) func() {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok {
		entry = &refreshEntry{}
		m.entries[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		m.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
}

// withTokenRetry runs fn with the session's access token and, on an
// unauthorized response, refreshes the token pair and retries exactly once.
// The refresh is serialized per connection; the stored tokens are re-read
// under the lock so a refresh done by a concurrent caller is reused instead
// of repeated. Any other failure surfaces unchanged.
func (c *Client) withTokenRetry(ctx context.Context, session Session, fn func(accessToken string) error) error {
	if err := c.checkEnabled(ctx); err != nil {
		return err
	}

	err := fn(session.AccessToken)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	accessToken, err := c.refreshSession(ctx, session)
	if err != nil {
		return err
	}
	return fn(accessToken)
}

func (c *Client) refreshSession(ctx context.Context, session Session) (string, error) {
	unlock := c.refreshLocks.lock(session.Key)
	defer unlock()

	storedAccess, storedRefresh, err := c.tokens.LoadTokens(ctx, session.Key)
	if err != nil {
		return "", err
	}
	if storedAccess != "" && storedAccess != session.AccessToken {
		// Another caller already rotated the pair.
		return storedAccess, nil
	}
	refreshToken := storedRefresh
	if refreshToken == "" {
		refreshToken = session.RefreshToken
	}

	token, err := c.RefreshToken(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	if err := c.tokens.SaveTokens(ctx, session.Key, token.AccessToken, token.RefreshToken); err != nil {
		return "", err
	}
	c.logger.Info("provider tokens refreshed", zap.String("connection", session.Key))
	return token.AccessToken, nil
}

// RequestToken exchanges an authorization code for a token pair.
func (c *Client) RequestToken(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	if err := c.checkEnabled(ctx); err != nil {
		return nil, err
	}
	cfg := c.oauthConfig
	cfg.RedirectURL = redirectURI
	return cfg.Exchange(ctx, code)
}

// RefreshToken performs one refresh grant. The provider rotates the refresh
// token only sometimes; callers must treat an empty RefreshToken in the
// result as "keep the old one".
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	source := c.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, err
	}
	return token, nil
}
