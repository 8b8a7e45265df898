package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rhuss/mcpbridge/pkg/config"
)

// HeaderSource supplies headers added to every request sent to a remote
// MCP server.
type HeaderSource interface {
	Headers(ctx context.Context) (map[string]string, error)
}

// StaticHeaders is a HeaderSource with fixed values, typically API keys
// from the server's headers configuration.
type StaticHeaders map[string]string

// Headers returns the configured headers.
func (h StaticHeaders) Headers(context.Context) (map[string]string, error) {
	return h, nil
}

// refreshFraction is the share of a token's lifetime after which a new
// token is requested ahead of expiry.
const refreshFraction = 0.8

// ClientCredentials obtains bearer tokens with the OAuth 2.0
// client_credentials grant. Tokens are cached and refreshed once
// refreshFraction of their lifetime has passed; if that refresh fails while
// the cached token is still valid, the cached token is used.
type ClientCredentials struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scopes       []string
	httpClient   *http.Client
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	refreshAt time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// NewClientCredentials creates a token source from a server's auth config.
func NewClientCredentials(cfg config.MCPAuthConfig) *ClientCredentials {
	return &ClientCredentials{
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		scopes:       cfg.Scopes,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		now:          time.Now,
	}
}

// Headers returns an Authorization header carrying a valid bearer token.
// Concurrent callers share a single token request.
func (c *ClientCredentials) Headers(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.token != "" && now.Before(c.refreshAt) {
		return bearer(c.token), nil
	}

	token, lifetime, err := c.fetch(ctx)
	if err != nil {
		if c.token != "" && now.Before(c.expiresAt) {
			return bearer(c.token), nil
		}
		return nil, fmt.Errorf("acquiring OAuth token: %w", err)
	}

	c.token = token
	c.expiresAt = now.Add(lifetime)
	c.refreshAt = now.Add(time.Duration(float64(lifetime) * refreshFraction))
	return bearer(c.token), nil
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *ClientCredentials) fetch(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	if len(c.scopes) > 0 {
		form.Set("scope", strings.Join(c.scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("parsing token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("token response missing access_token")
	}
	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}

// headerTransport is an http.RoundTripper that applies header sources in
// order; later sources override earlier ones.
type headerTransport struct {
	base    http.RoundTripper
	sources []HeaderSource
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not mutate the caller's request.
	req = req.Clone(req.Context())
	for _, src := range t.sources {
		headers, err := src.Headers(req.Context())
		if err != nil {
			return nil, fmt.Errorf("getting request headers: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}

// httpClientFor returns the HTTP client used for a remote server: no global
// timeout, since streams are long-lived, with the server's static headers
// and token source applied to every request.
func httpClientFor(d config.ServerDescriptor) *http.Client {
	var sources []HeaderSource
	if len(d.Headers) > 0 {
		sources = append(sources, StaticHeaders(d.Headers))
	}
	if d.Auth.Type == "oauth_client_credentials" {
		sources = append(sources, NewClientCredentials(d.Auth))
	}
	if len(sources) == 0 {
		return &http.Client{}
	}
	return &http.Client{
		Transport: &headerTransport{base: http.DefaultTransport, sources: sources},
	}
}
