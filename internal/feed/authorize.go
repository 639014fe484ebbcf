package feed

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"sync"
	"time"

	"market_feed/internal/domain"

	"github.com/goccy/go-json"
)

type authorizeResponse struct {
	Status string `json:"status"`
	Data   struct {
		AuthorizedRedirectURI string `json:"authorizedRedirectUri"`
	} `json:"data"`
}

// Authorizer exchanges the bearer token for a one-time feed URL.
type Authorizer struct {
	url     string
	token   string
	timeout time.Duration

	mu         sync.Mutex
	hint       Hint
	httpClient *http.Client
}

// NewAuthorizer creates an Authorizer for the given REST endpoint.
func NewAuthorizer(url, token string, timeout time.Duration) *Authorizer {
	a := &Authorizer{url: url, token: token, timeout: timeout}
	a.httpClient = a.newClient(nil)
	return a
}

func (a *Authorizer) newClient(hint Hint) *http.Client {
	tr := &http.Transport{
		MaxIdleConns:    2,
		IdleConnTimeout: 30 * time.Second,
	}
	if len(hint) > 0 {
		tr.DialContext = hint.DialContext(&net.Dialer{Timeout: a.timeout})
	}
	return &http.Client{Timeout: a.timeout, Transport: tr}
}

// client returns the HTTP client for hint. Pooled connections are dropped
// when the hint changes so a stale address is never reused.
func (a *Authorizer) client(hint Hint) *http.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !maps.Equal(a.hint, hint) {
		a.httpClient.CloseIdleConnections()
		a.hint = hint
		a.httpClient = a.newClient(hint)
	}
	return a.httpClient
}

// Authorize returns the WebSocket URL to dial. Hosts in hint are dialed at
// their pre-resolved address.
func (a *Authorizer) Authorize(ctx context.Context, hint Hint) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return "", domain.NewFatalNetworkError("authorize", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client(hint).Do(req)
	if err != nil {
		return "", domain.NewNetworkError("authorize", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", domain.NewNetworkError("authorize", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &domain.AuthError{Status: resp.StatusCode, Err: fmt.Errorf("authorize: %s", body)}
	case resp.StatusCode != http.StatusOK:
		return "", domain.NewNetworkError("authorize", fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}

	var out authorizeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", domain.NewNetworkError("authorize", fmt.Errorf("decode response: %w", err))
	}
	if out.Data.AuthorizedRedirectURI == "" {
		return "", domain.NewNetworkError("authorize", fmt.Errorf("no redirect uri (status %q)", out.Status))
	}
	return out.Data.AuthorizedRedirectURI, nil
}
