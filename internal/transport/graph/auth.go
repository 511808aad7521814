package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	graphScope = "https://graph.microsoft.com/.default"

	// expiryMargin is cut from every token lifetime so a send never starts
	// with a token about to lapse.
	expiryMargin = 5 * time.Minute

	// maxTokenBody caps how much of a token endpoint reply is read.
	maxTokenBody = 64 << 10
)

// tokenSource issues app-only access tokens for the configured app
// registration and reuses each one until it nears expiry.
type tokenSource struct {
	endpoint string
	form     string
	client   *http.Client
	now      func() time.Time

	mu      sync.Mutex
	current string
	validTo time.Time
}

func newTokenSource(endpoint, clientID, clientSecret string, client *http.Client) *tokenSource {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"scope":         {graphScope},
	}
	return &tokenSource{
		endpoint: endpoint,
		form:     form.Encode(),
		client:   client,
		now:      time.Now,
	}
}

// Token returns a usable access token. Concurrent callers wait on a single
// fetch.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.current != "" && ts.now().Before(ts.validTo) {
		return ts.current, nil
	}

	token, lifetime, err := ts.fetch(ctx)
	if err != nil {
		return "", err
	}
	ts.current = token
	ts.validTo = ts.now().Add(lifetime - expiryMargin)
	return token, nil
}

// Invalidate forgets token if it is still the cached one.
func (ts *tokenSource) Invalidate(token string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if token != "" && ts.current == token {
		ts.current = ""
		ts.validTo = time.Time{}
	}
}

// tokenError is a refusal from the token endpoint.
type tokenError struct {
	status      int
	code        string
	description string
}

func (e *tokenError) Error() string {
	if e.code == "" {
		return fmt.Sprintf("token endpoint returned %d: %s", e.status, e.description)
	}
	return fmt.Sprintf("token endpoint returned %d (%s): %s", e.status, e.code, e.description)
}

// oauthError is the RFC 6749 error body the identity platform sends.
type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (ts *tokenSource) fetch(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.endpoint, strings.NewReader(ts.form))
	if err != nil {
		return "", 0, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return "", 0, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		refusal := &tokenError{status: resp.StatusCode, description: strings.TrimSpace(string(body))}
		var oe oauthError
		if json.Unmarshal(body, &oe) == nil && oe.Code != "" {
			refusal.code = oe.Code
			refusal.description = oe.Description
		}
		return "", 0, refusal
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, errors.New("token response has no access_token")
	}
	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}
