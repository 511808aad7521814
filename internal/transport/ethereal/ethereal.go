// Package ethereal implements a sandbox Acquirer backed by the Ethereal fake
// SMTP service. Every Acquire call registers a brand-new disposable account
// and opens an SMTP session with it. Nothing is ever delivered; each message
// gets a preview link instead.
package ethereal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/shineum/compose-relay/internal/transport"
	"github.com/shineum/compose-relay/internal/transport/smtp"
)

const (
	// DefaultAPIURL is the account registration endpoint.
	DefaultAPIURL = "https://api.nodemailer.com/user"
	// DefaultWebURL is the web UI used for preview links.
	DefaultWebURL = "https://ethereal.email"
	// DefaultSMTPHost and DefaultSMTPPort are the fixed submission relay.
	DefaultSMTPHost = "smtp.ethereal.email"
	DefaultSMTPPort = 587
)

// Config holds the settings for the sandbox acquirer.
type Config struct {
	APIURL    string
	Requestor string
	Version   string

	// SMTPHost and SMTPPort select the relay. The account API also reports
	// one; the configured relay wins.
	SMTPHost string
	SMTPPort int

	// SMTP carries session options (timeouts, TLS overrides, EHLO name).
	// Host, Port, credentials and sender are filled per account.
	SMTP smtp.Config

	HTTPClient *http.Client
}

// Credential is a disposable account issued by the sandbox.
type Credential struct {
	User string   `json:"user"`
	Pass string   `json:"pass"`
	SMTP Endpoint `json:"smtp"`
	Web  string   `json:"web"`
}

// Endpoint describes a server of the sandbox account.
type Endpoint struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secure bool   `json:"secure"`
}

// accountRequest is the body of an account registration.
type accountRequest struct {
	Requestor string `json:"requestor"`
	Version   string `json:"version"`
}

// accountResponse is the registration reply.
type accountResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Credential
}

// Acquirer issues one sandbox account per Acquire call.
type Acquirer struct {
	config     Config
	httpClient *http.Client
}

// New creates a sandbox Acquirer, filling unset fields with defaults.
func New(cfg Config) *Acquirer {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Requestor == "" {
		cfg.Requestor = "compose-relay"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.SMTPHost == "" {
		cfg.SMTPHost = DefaultSMTPHost
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = DefaultSMTPPort
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Acquirer{config: cfg, httpClient: client}
}

// Name returns the transport name.
func (a *Acquirer) Name() string {
	return "ethereal"
}

// Acquire registers a new account and opens an SMTP session over it. The
// connection starts in plain text and upgrades with STARTTLS when offered.
func (a *Acquirer) Acquire(ctx context.Context) (transport.Transport, error) {
	cred, err := a.CreateAccount(ctx)
	if err != nil {
		return nil, transport.NewError(transport.StageAcquire, "failed to create sandbox account", err)
	}

	slog.Debug("sandbox account created",
		"user", cred.User,
		"smtp_host", cred.SMTP.Host,
	)

	web := cred.Web
	if web == "" {
		web = DefaultWebURL
	}

	cfg := a.config.SMTP
	cfg.Host = a.config.SMTPHost
	cfg.Port = a.config.SMTPPort
	cfg.ImplicitTLS = false
	cfg.Username = cred.User
	cfg.Password = cred.Pass
	cfg.Sender = cred.User
	cfg.PreviewURL = func(response string) string {
		return PreviewURL(web, response)
	}

	return smtp.Dial(ctx, cfg)
}

// CreateAccount registers a disposable account with the sandbox API.
func (a *Acquirer) CreateAccount(ctx context.Context) (*Credential, error) {
	body, err := json.Marshal(accountRequest{
		Requestor: a.config.Requestor,
		Version:   a.config.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal account request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create account request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("account request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read account response: %w", err)
	}

	var ar accountResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return nil, fmt.Errorf("account endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if ar.Status != "success" {
		msg := ar.Error
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %q (HTTP %d)", ar.Status, resp.StatusCode)
		}
		return nil, fmt.Errorf("account request rejected: %s", msg)
	}
	if ar.User == "" || ar.Pass == "" {
		return nil, fmt.Errorf("account response missing credentials")
	}

	return &ar.Credential, nil
}

var (
	// trailingProps matches the bracketed block at the end of a DATA reply,
	// e.g. "250 Accepted [STATUS=new MSGID=abc]".
	trailingProps = regexp.MustCompile(`\[([^\]]+)\]$`)
	prop          = regexp.MustCompile(`\b([A-Z0-9]+)=(\S+)`)
)

// PreviewURL extracts the message id from a sandbox DATA reply and returns
// the web link for it, or "" when the reply carries no STATUS and MSGID.
func PreviewURL(web, response string) string {
	m := trailingProps.FindStringSubmatch(strings.TrimSpace(response))
	if m == nil {
		return ""
	}

	props := make(map[string]string)
	for _, kv := range prop.FindAllStringSubmatch(m[1], -1) {
		props[kv[1]] = kv[2]
	}

	id, ok := props["MSGID"]
	if _, hasStatus := props["STATUS"]; !ok || !hasStatus {
		return ""
	}
	return strings.TrimSuffix(web, "/") + "/message/" + id
}
