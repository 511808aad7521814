// Package smtp implements a Transport that submits messages to an SMTP relay.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/compose-relay/internal/email"
	"github.com/shineum/compose-relay/internal/transport"
)

// defaultTimeout bounds the handshake and each SMTP command.
const defaultTimeout = 30 * time.Second

// StartTLSMode controls STARTTLS negotiation on a plain connection.
type StartTLSMode string

const (
	// StartTLSOpportunistic upgrades when the server advertises STARTTLS.
	StartTLSOpportunistic StartTLSMode = "opportunistic"
	// StartTLSRequired fails the session if STARTTLS is not offered.
	StartTLSRequired StartTLSMode = "required"
	// StartTLSDisabled never upgrades.
	StartTLSDisabled StartTLSMode = "disabled"
)

// Config holds the settings for one SMTP relay.
type Config struct {
	Host string
	Port int

	// Username and Password enable AUTH PLAIN when both are set.
	Username string
	Password string

	// Sender is the envelope and header address. Defaults to Username.
	Sender string

	// ImplicitTLS wraps the connection in TLS before the greeting (port 465).
	ImplicitTLS bool
	StartTLS    StartTLSMode

	// TLSConfig overrides the client TLS settings. ServerName defaults to Host.
	TLSConfig *tls.Config

	// LocalName is the EHLO name. Defaults to "localhost".
	LocalName string

	Timeout time.Duration

	// PreviewURL derives a preview link from the DATA response, if any.
	PreviewURL func(response string) string
}

// Acquirer opens a new SMTP session on every Acquire call.
type Acquirer struct {
	config Config
}

// New creates an Acquirer for a static relay.
func New(cfg Config) *Acquirer {
	return &Acquirer{config: cfg}
}

// Acquire dials the relay and authenticates.
func (a *Acquirer) Acquire(ctx context.Context) (transport.Transport, error) {
	return Dial(ctx, a.config)
}

// Name returns the transport name.
func (a *Acquirer) Name() string {
	return "smtp"
}

// Session is an open, authenticated SMTP connection.
type Session struct {
	client *gosmtp.Client
	config Config
}

// Dial connects to the relay described by cfg, negotiates TLS according to
// the configured mode, and authenticates when credentials are present. The
// whole handshake is bounded by cfg.Timeout and ctx.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	cfg = withDefaults(cfg)
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := open(ctx, cfg, addr)
	if err != nil {
		return nil, err
	}
	client.CommandTimeout = cfg.Timeout
	client.SubmissionTimeout = cfg.Timeout

	s := &Session{client: client, config: cfg}
	if err := s.authenticate(); err != nil {
		client.Close()
		return nil, err
	}

	_, secure := client.TLSConnectionState()
	slog.Debug("smtp session established",
		"addr", addr,
		"implicit_tls", cfg.ImplicitTLS,
		"tls", secure,
		"auth", cfg.Username != "",
	)
	return s, nil
}

// open returns a greeted client with TLS negotiated per cfg.
func open(ctx context.Context, cfg Config, addr string) (*gosmtp.Client, error) {
	switch {
	case cfg.ImplicitTLS, cfg.StartTLS == StartTLSDisabled:
		return openPlain(ctx, cfg, addr)
	case cfg.StartTLS == StartTLSRequired:
		return openStartTLS(ctx, cfg, addr)
	}

	client, err := openStartTLS(ctx, cfg, addr)
	if err == nil || errors.As(err, new(*dialError)) {
		return client, err
	}

	// Fall back to plain text only when the server does not offer STARTTLS.
	// A failed upgrade on a server that offers it is an error.
	plain, perr := openPlain(ctx, cfg, addr)
	if perr != nil {
		return nil, perr
	}
	if ok, _ := plain.Extension("STARTTLS"); ok {
		plain.Close()
		return nil, err
	}
	slog.Debug("relay does not offer STARTTLS, continuing in plain text", "addr", addr)
	return plain, nil
}

// openPlain greets the relay without STARTTLS. With ImplicitTLS the
// connection is already encrypted.
func openPlain(ctx context.Context, cfg Config, addr string) (*gosmtp.Client, error) {
	conn, err := dial(ctx, cfg, addr)
	if err != nil {
		return nil, err
	}
	stop := closeOnDone(ctx, conn)
	defer stop()

	client := gosmtp.NewClient(conn)
	if err := client.Hello(cfg.LocalName); err != nil {
		client.Close()
		return nil, transport.NewError(transport.StageConnect, "EHLO rejected", err)
	}
	return client, nil
}

// openStartTLS greets the relay and upgrades the connection with STARTTLS.
func openStartTLS(ctx context.Context, cfg Config, addr string) (*gosmtp.Client, error) {
	conn, err := dial(ctx, cfg, addr)
	if err != nil {
		return nil, err
	}
	stop := closeOnDone(ctx, conn)
	defer stop()

	client, err := gosmtp.NewClientStartTLS(conn, tlsConfig(cfg))
	if err != nil {
		return nil, transport.NewError(transport.StageConnect, "STARTTLS failed", err)
	}
	// The TLS handshake runs on the first command after the upgrade.
	if err := client.Hello(cfg.LocalName); err != nil {
		client.Close()
		return nil, transport.NewError(transport.StageConnect, "STARTTLS failed", err)
	}
	return client, nil
}

// dialError marks a failure to reach the relay at all.
type dialError struct {
	err error
}

func (e *dialError) Error() string { return e.err.Error() }

func (e *dialError) Unwrap() error { return e.err }

func dial(ctx context.Context, cfg Config, addr string) (net.Conn, error) {
	dialer := &net.Dialer{}
	var (
		conn net.Conn
		err  error
	)
	if cfg.ImplicitTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig(cfg)}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, transport.NewError(transport.StageConnect, fmt.Sprintf("failed to connect to %s", addr), &dialError{err: err})
	}
	return conn, nil
}

// closeOnDone closes conn if ctx ends before stop is called. go-smtp sets
// its own deadlines while greeting, so ctx is the only bound there.
func closeOnDone(ctx context.Context, conn net.Conn) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		conn.Close()
	})
}

// authenticate runs AUTH PLAIN when credentials are configured.
func (s *Session) authenticate() error {
	cfg := s.config
	if cfg.Username == "" || cfg.Password == "" {
		return nil
	}
	if !s.client.SupportsAuth(sasl.Plain) {
		return transport.NewError(transport.StageAuth, "server does not support AUTH PLAIN", nil)
	}
	if err := s.client.Auth(sasl.NewPlainClient("", cfg.Username, cfg.Password)); err != nil {
		return transport.NewError(transport.StageAuth, "authentication failed", err)
	}
	return nil
}

// Send submits msg and returns the relay's acceptance.
func (s *Session) Send(_ context.Context, msg *email.Email) (*transport.Receipt, error) {
	msg = msg.WithSender(s.config.Sender)

	recipients := msg.Recipients()
	if len(recipients) == 0 {
		return nil, transport.NewError(transport.StageSend, "no recipients", nil)
	}

	raw, err := email.Render(msg)
	if err != nil {
		return nil, transport.NewError(transport.StageSend, "failed to render message", err)
	}

	if err := s.client.Mail(s.config.Sender, nil); err != nil {
		return nil, transport.NewError(transport.StageSend, "MAIL FROM rejected", err)
	}
	for _, rcpt := range recipients {
		if err := s.client.Rcpt(rcpt, nil); err != nil {
			return nil, transport.NewError(transport.StageSend, fmt.Sprintf("RCPT TO %s rejected", rcpt), err)
		}
	}

	w, err := s.client.Data()
	if err != nil {
		return nil, transport.NewError(transport.StageSend, "DATA rejected", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, transport.NewError(transport.StageSend, "failed to write message", err)
	}
	resp, err := w.CloseWithResponse()
	if err != nil {
		return nil, transport.NewError(transport.StageSend, "message rejected", err)
	}

	receipt := &transport.Receipt{
		MessageID: msg.MessageID,
		Response:  resp.StatusText,
	}
	if s.config.PreviewURL != nil {
		receipt.PreviewURL = s.config.PreviewURL(resp.StatusText)
	}
	return receipt, nil
}

// Close ends the session with QUIT, dropping the connection if QUIT fails.
func (s *Session) Close() error {
	if err := s.client.Quit(); err != nil {
		s.client.Close()
		return err
	}
	return nil
}

func withDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 587
		if cfg.ImplicitTLS {
			cfg.Port = 465
		}
	}
	if cfg.Sender == "" {
		cfg.Sender = cfg.Username
	}
	if cfg.StartTLS == "" {
		cfg.StartTLS = StartTLSOpportunistic
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return cfg
}

func tlsConfig(cfg Config) *tls.Config {
	if cfg.TLSConfig != nil {
		c := cfg.TLSConfig.Clone()
		if c.ServerName == "" {
			c.ServerName = cfg.Host
		}
		return c
	}
	return &tls.Config{
		ServerName: cfg.Host,
		MinVersion: tls.VersionTLS12,
	}
}
