// Package smtptest runs an in-process SMTP relay for tests.
package smtptest

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/compose-relay/internal/email"
	relaytls "github.com/shineum/compose-relay/internal/tls"
)

// Message is a delivery captured by the relay.
type Message struct {
	From string
	Rcpt []string
	Data string
}

// Email decodes the captured DATA.
func (m Message) Email() (*email.Email, error) {
	return email.Parse([]byte(m.Data))
}

// Options configures a test relay.
type Options struct {
	// Accounts maps usernames to passwords. When empty any credentials pass.
	Accounts map[string]string

	// StartTLS advertises STARTTLS with a self-signed certificate.
	StartTLS bool
}

// Server is a running test relay.
type Server struct {
	Host string
	Port int

	mu       sync.Mutex
	opts     Options
	messages []Message
	logins   []string
}

// Start runs a relay on 127.0.0.1 until the test ends.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	s := &Server{opts: opts}

	srv := gosmtp.NewServer(s)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	if opts.StartTLS {
		cert, err := relaytls.GenerateSelfSignedCert()
		if err != nil {
			t.Fatalf("failed to generate certificate: %v", err)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*cert}}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	s.Host = host
	s.Port, _ = strconv.Atoi(portStr)
	return s
}

// Messages returns a copy of all captured deliveries.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Logins returns the usernames that authenticated, in order.
func (s *Server) Logins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logins...)
}

// NewSession implements gosmtp.Backend.
func (s *Server) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	return &session{server: s}, nil
}

func (s *Server) login(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.opts.Accounts) > 0 {
		if want, ok := s.opts.Accounts[username]; !ok || want != password {
			return errors.New("invalid credentials")
		}
	}
	s.logins = append(s.logins, username)
	return nil
}

type session struct {
	server  *Server
	current Message
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(_ string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		return s.server.login(username, password)
	}), nil
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.current.From = from
	return nil
}

func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.current.Rcpt = append(s.current.Rcpt, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.current.Data = string(data)

	s.server.mu.Lock()
	s.server.messages = append(s.server.messages, s.current)
	s.server.mu.Unlock()
	return nil
}

func (s *session) Reset() {
	s.current = Message{}
}

func (s *session) Logout() error {
	return nil
}
