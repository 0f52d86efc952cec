package graph

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// graphScope is the client credentials scope for the Graph API.
const graphScope = "https://graph.microsoft.com/.default"

// tokenSource hands out OAuth2 access tokens for the Graph API. Tokens are
// cached and refreshed by the underlying oauth2 source; ForceRefresh drops
// the cache after the API rejects a token. Safe for concurrent use.
type tokenSource struct {
	mu  sync.Mutex
	cfg *clientcredentials.Config
	// ctx carries the HTTP client used for token requests.
	ctx context.Context
	src oauth2.TokenSource
}

// newTokenSource creates a token source for the given OAuth2 client credentials.
func newTokenSource(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenSource {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	return &tokenSource{
		cfg: cfg,
		ctx: ctx,
		src: cfg.TokenSource(ctx),
	}
}

// Token returns a valid access token, acquiring a new one if the cached
// token is missing or about to expire.
func (ts *tokenSource) Token() (string, error) {
	ts.mu.Lock()
	src := ts.src
	ts.mu.Unlock()

	return accessToken(src)
}

// ForceRefresh discards the cached token and acquires a new one.
// This is used when a 401 response indicates the token is invalid.
func (ts *tokenSource) ForceRefresh() (string, error) {
	ts.mu.Lock()
	ts.src = ts.cfg.TokenSource(ts.ctx)
	src := ts.src
	ts.mu.Unlock()

	return accessToken(src)
}

func accessToken(src oauth2.TokenSource) (string, error) {
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}
	return tok.AccessToken, nil
}
