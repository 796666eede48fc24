// Package ebay provides the eBay Browse API client and the application
// OAuth token cache that backs it.
package ebay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/jessicajji/pieza/engine/domain"
)

// safetyMargin is how long before actual expiry a cached token is treated
// as expired, so in-flight requests never carry a token that dies mid-call.
const safetyMargin = 60 * time.Second

const oauthScope = "https://api.ebay.com/oauth/api_scope"

// Credentials is one environment's client id/secret pair.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

func tokenURL(env domain.Environment) string {
	if env == domain.EnvProduction {
		return "https://api.ebay.com/identity/v1/oauth2/token"
	}
	return "https://api.sandbox.ebay.com/identity/v1/oauth2/token"
}

type tokenEntry struct {
	mu     sync.Mutex
	token  string
	expiry time.Time
}

// TokenCache caches one application access token per environment. Refresh is
// single-flight per environment: concurrent callers with an expired token
// serialize on the entry mutex and only the first performs the exchange.
type TokenCache struct {
	creds   map[domain.Environment]Credentials
	entries map[domain.Environment]*tokenEntry
	logger  *slog.Logger

	// exchange and now are replaceable in tests.
	exchange func(ctx context.Context, env domain.Environment) (string, time.Time, error)
	now      func() time.Time
}

// NewTokenCache creates a cache for the given per-environment credentials.
func NewTokenCache(creds map[domain.Environment]Credentials, logger *slog.Logger) *TokenCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &TokenCache{
		creds:   creds,
		entries: make(map[domain.Environment]*tokenEntry, len(creds)),
		logger:  logger,
		now:     time.Now,
	}
	for env := range domain.ValidEnvironments {
		c.entries[env] = &tokenEntry{}
	}
	c.exchange = c.oauthExchange
	return c
}

func (c *TokenCache) oauthExchange(ctx context.Context, env domain.Environment) (string, time.Time, error) {
	cred := c.creds[env]
	cfg := &clientcredentials.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		TokenURL:     tokenURL(env),
		Scopes:       []string{oauthScope},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok.AccessToken, tok.Expiry, nil
}

// Token returns a valid access token for env, refreshing when the cached one
// is missing or within the safety margin of expiry. On exchange failure the
// cached token and expiry are cleared so the next call re-attempts.
func (c *TokenCache) Token(ctx context.Context, env domain.Environment) (string, error) {
	if !domain.ValidEnvironments[env] {
		return "", fmt.Errorf("%w: unknown environment %q", domain.ErrAuth, env)
	}
	cred, ok := c.creds[env]
	if !ok || cred.ClientID == "" || cred.ClientSecret == "" {
		return "", fmt.Errorf("%w: %w for %s", domain.ErrAuth, domain.ErrMissingCredentials, env)
	}

	entry := c.entries[env]
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.token != "" && c.now().Before(entry.expiry.Add(-safetyMargin)) {
		return entry.token, nil
	}

	token, expiry, err := c.exchange(ctx, env)
	if err != nil {
		entry.token = ""
		entry.expiry = time.Time{}
		return "", fmt.Errorf("%w: token exchange for %s: %v", domain.ErrAuth, env, err)
	}

	entry.token = token
	entry.expiry = expiry
	c.logger.Info("ebay: access token refreshed", "env", string(env), "expiry", expiry)
	return token, nil
}
