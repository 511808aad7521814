// Package stdout implements a transport that prints emails to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/compose-relay/internal/email"
	"github.com/shineum/compose-relay/internal/transport"
)

// defaultSender is used when no sender address is configured.
const defaultSender = "compose-relay@localhost"

// Transport prints email messages in a human-readable format.
type Transport struct {
	sender string

	mu     sync.Mutex
	writer io.Writer
}

// New creates a Transport that writes to os.Stdout.
func New(sender string) *Transport {
	return NewWithWriter(sender, os.Stdout)
}

// NewWithWriter creates a Transport that writes to w.
func NewWithWriter(sender string, w io.Writer) *Transport {
	if sender == "" {
		sender = defaultSender
	}
	return &Transport{sender: sender, writer: w}
}

// Acquire returns p.
func (p *Transport) Acquire(_ context.Context) (transport.Transport, error) {
	return p, nil
}

// Close is a no-op.
func (p *Transport) Close() error {
	return nil
}

// Send prints msg and returns a locally generated message id.
func (p *Transport) Send(_ context.Context, msg *email.Email) (*transport.Receipt, error) {
	msg = msg.WithSender(p.sender)

	var b strings.Builder

	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("Message-ID: %s\n", msg.MessageID))
	b.WriteString(fmt.Sprintf("From: %s\n", msg.Sender()))
	b.WriteString(fmt.Sprintf("To: %s\n", strings.Join(msg.To, ", ")))

	if len(msg.Cc) > 0 {
		b.WriteString(fmt.Sprintf("Cc: %s\n", strings.Join(msg.Cc, ", ")))
	}
	if len(msg.Bcc) > 0 {
		b.WriteString(fmt.Sprintf("Bcc: %s\n", strings.Join(msg.Bcc, ", ")))
	}

	b.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	b.WriteString(body + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(att.Size)))
		}
		b.WriteString(fmt.Sprintf("Attachments: %s\n", strings.Join(attachments, ", ")))
	}

	b.WriteString("========================================\n")

	p.mu.Lock()
	_, err := fmt.Fprint(p.writer, b.String())
	p.mu.Unlock()
	if err != nil {
		return nil, transport.NewError(transport.StageSend, "failed to write message", err)
	}

	return &transport.Receipt{MessageID: msg.MessageID}, nil
}

// Name returns the transport name.
func (p *Transport) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
