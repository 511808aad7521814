package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shineum/compose-relay/internal/email"
	"github.com/shineum/compose-relay/internal/transport"
)

// Config holds the configuration for creating a Transport.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

// Transport sends emails via the Microsoft Graph API using OAuth2
// client credentials authentication. The token cache is shared by every
// send, so Acquire hands out the same Transport.
type Transport struct {
	sender     string
	graphURL   string
	httpClient *http.Client
	token      *tokenSource
}

// New creates a Transport for the given tenant and sender mailbox.
func New(cfg Config) *Transport {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		cfg.TenantID,
	)
	graphURL := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", cfg.Sender)

	return newWithOverrides(cfg, graphURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

// newWithOverrides creates a Transport with custom URLs and HTTP client.
func newWithOverrides(cfg Config, graphURL, tokenURL string, client *http.Client) *Transport {
	return &Transport{
		sender:     cfg.Sender,
		graphURL:   graphURL,
		httpClient: client,
		token:      newTokenSource(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
	}
}

// Name returns the transport name.
func (g *Transport) Name() string {
	return "graph"
}

// Acquire returns g.
func (g *Transport) Acquire(_ context.Context) (transport.Transport, error) {
	return g, nil
}

// Close is a no-op.
func (g *Transport) Close() error {
	return nil
}

// Send delivers msg with a single sendMail request. A 401 invalidates the
// cached token so the next send fetches a fresh one; the failed send is
// reported to the caller as is.
func (g *Transport) Send(ctx context.Context, msg *email.Email) (*transport.Receipt, error) {
	if len(msg.Recipients()) == 0 {
		return nil, transport.NewError(transport.StageSend, "no recipients", nil)
	}

	msg = msg.WithSender(g.sender)
	bodyJSON, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return nil, transport.NewError(transport.StageSend, "failed to marshal request body", err)
	}

	token, err := g.token.Token(ctx)
	if err != nil {
		return nil, transport.NewError(transport.StageAuth, "failed to get access token", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, transport.NewError(transport.StageSend, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, transport.NewError(transport.StageConnect, "HTTP request failed", err)
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		id := resp.Header.Get("request-id")
		if id == "" {
			id = msg.MessageID
		}
		return &transport.Receipt{MessageID: id}, nil
	}

	body, _ := io.ReadAll(resp.Body)
	sendErr := newSendError(resp.StatusCode, body)

	if resp.StatusCode == http.StatusUnauthorized {
		slog.Info("invalidating Graph API token after 401")
		g.token.Invalidate(token)
	}

	return nil, transport.NewError(sendErr.stage(), "Graph API rejected the message", sendErr)
}

// sendError is a non-success response from the sendMail endpoint.
type sendError struct {
	statusCode int
	code       string
	message    string
}

func (e *sendError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("Graph API error (HTTP %d, %s): %s", e.statusCode, e.code, e.message)
	}
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// stage maps the HTTP status onto a failure stage.
func (e *sendError) stage() transport.Stage {
	switch e.statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return transport.StageAuth
	default:
		return transport.StageSend
	}
}

// newSendError decodes a Graph error body, falling back to the raw text.
func newSendError(statusCode int, body []byte) *sendError {
	var graphErrResp graphErrorResponse
	if err := json.Unmarshal(body, &graphErrResp); err == nil && graphErrResp.Error.Message != "" {
		return &sendError{
			statusCode: statusCode,
			code:       graphErrResp.Error.Code,
			message:    graphErrResp.Error.Message,
		}
	}
	return &sendError{statusCode: statusCode, message: string(body)}
}
