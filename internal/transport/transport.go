// Package transport defines how the relay obtains an outbound mail session.
//
// The relay never talks to a mail provider directly. It asks an Acquirer for
// a Transport, sends one message through it, and closes it. Sandbox
// acquirers issue a fresh credential on every call; static ones hand back the
// same provider each time.
package transport

import (
	"context"

	"github.com/shineum/compose-relay/internal/email"
)

// Acquirer yields a ready Transport for a single send.
type Acquirer interface {
	// Acquire opens a transport session. The caller must Close it.
	Acquire(ctx context.Context) (Transport, error)

	// Name returns the human-readable name of this transport.
	Name() string
}

// Transport delivers messages over an open session.
type Transport interface {
	// Send delivers msg and reports what the provider returned.
	Send(ctx context.Context, msg *email.Email) (*Receipt, error)

	// Close releases the session.
	Close() error
}

// Receipt is the outcome of a successful send.
type Receipt struct {
	// MessageID identifies the delivered message.
	MessageID string

	// PreviewURL is a human-viewable link to the sent message, if the
	// provider offers one.
	PreviewURL string

	// Response is the raw provider reply, kept for logging.
	Response string
}
