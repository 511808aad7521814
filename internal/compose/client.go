package compose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shineum/compose-relay/internal/api"
)

// RelayError is a non-success answer from the relay endpoint.
type RelayError struct {
	Status  int
	Message string
	Details string
}

func (e *RelayError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("relay returned %d: %s (%s)", e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("relay returned %d: %s", e.Status, e.Message)
}

// Client posts compose requests to a relay over HTTP.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a Client for the relay at baseURL, e.g.
// "http://localhost:3000". A nil httpClient uses a 60 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		endpoint:   strings.TrimSuffix(baseURL, "/") + api.SendEmailPath,
		httpClient: httpClient,
	}
}

// Send submits req and decodes the relay result. Any status other than 200
// with ok set is returned as a *RelayError.
func (c *Client) Send(ctx context.Context, req api.ComposeRequest) (*api.RelayResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read relay response: %w", err)
	}

	var res api.RelayResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, &RelayError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if resp.StatusCode != http.StatusOK || !res.OK {
		msg := res.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &RelayError{Status: resp.StatusCode, Message: msg, Details: res.Details}
	}

	return &res, nil
}
