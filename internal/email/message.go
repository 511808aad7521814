// Package email defines the core email data model shared by the relay and its transports.
package email

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Email represents a composed message ready to hand to a transport.
type Email struct {
	// FromName is the display name; From is the address. Transports fill
	// From with their own sender address when it is empty.
	FromName    string
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	MessageID   string
	Date        time.Time
}

// Attachment is the metadata of a file the sender selected. The relay never
// receives file content.
type Attachment struct {
	Filename string
	Size     int64
}

// Sender returns the formatted From header value.
func (e *Email) Sender() string {
	if e.FromName == "" {
		return e.From
	}
	return (&mail.Address{Name: e.FromName, Address: e.From}).String()
}

// Recipients returns the envelope recipients: To, Cc and Bcc in order.
func (e *Email) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	out = append(out, e.To...)
	out = append(out, e.Cc...)
	out = append(out, e.Bcc...)
	return out
}

// WithSender returns a shallow copy addressed from addr, with MessageID and
// Date filled in when missing.
func (e *Email) WithSender(addr string) *Email {
	cp := *e
	if cp.From == "" {
		cp.From = addr
	}
	if cp.MessageID == "" {
		cp.MessageID = NewMessageID(cp.From)
	}
	if cp.Date.IsZero() {
		cp.Date = time.Now()
	}
	return &cp
}

// NewMessageID generates an RFC 5322 Message-ID scoped to the domain of from.
func NewMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = strings.TrimSuffix(from[at+1:], ">")
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
