// Package compose implements the compose-form controller: it holds the draft
// fields and selected attachments, validates before sending, submits to the
// relay and navigates away once the result is known.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shineum/compose-relay/internal/address"
	"github.com/shineum/compose-relay/internal/api"
)

// FailedToSend is the alert shown when a send does not succeed.
const FailedToSend = "Failed to send email"

// defaultUser is shown when no user is signed in.
const defaultUser = "User"

// Form holds the editable compose fields.
type Form struct {
	To      string
	Cc      string
	Bcc     string
	Subject string
	Body    string
}

// File is a locally selected attachment.
type File struct {
	Name         string
	Size         int64
	LastModified time.Time
}

type fileKey struct {
	name    string
	size    int64
	modTime int64
}

func (f File) key() fileKey {
	return fileKey{name: f.Name, size: f.Size, modTime: f.LastModified.UnixNano()}
}

// Draft is a snapshot of the form with attachment metadata.
type Draft struct {
	Form
	Attachments []api.AttachmentMeta
}

// ValidationError reports why a send was refused before reaching the relay.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Navigator moves between views.
type Navigator interface {
	HistoryLength() int
	Back() error
	NavigateTo(path string) error
}

// Notifier shows blocking messages to the user.
type Notifier interface {
	Alert(message string)
}

// Opener opens a URL in a new viewing context.
type Opener interface {
	Open(url string) error
}

// UserLookup returns the display name of the signed-in user, or "".
type UserLookup interface {
	CurrentUser() string
}

// Relay submits a compose request.
type Relay interface {
	Send(ctx context.Context, req api.ComposeRequest) (*api.RelayResult, error)
}

// Controller is the compose view state. It is safe for concurrent use.
type Controller struct {
	relay    Relay
	nav      Navigator
	notifier Notifier
	opener   Opener
	users    UserLookup
	logger   *slog.Logger

	mu    sync.Mutex
	form  Form
	files []File
}

// Option configures a Controller.
type Option func(*Controller)

// WithNotifier sets where failure alerts go.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		c.notifier = n
	}
}

// WithOpener sets how preview links are opened.
func WithOpener(o Opener) Option {
	return func(c *Controller) {
		c.opener = o
	}
}

// WithUserLookup sets the current-user source.
func WithUserLookup(u UserLookup) Option {
	return func(c *Controller) {
		c.users = u
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// New creates a Controller submitting through relay and navigating with nav.
func New(relay Relay, nav Navigator, opts ...Option) *Controller {
	c := &Controller{
		relay:  relay,
		nav:    nav,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetForm replaces the compose fields.
func (c *Controller) SetForm(f Form) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.form = f
}

// Form returns the compose fields.
func (c *Controller) Form() Form {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.form
}

// Attachments returns a copy of the selected files in selection order.
func (c *Controller) Attachments() []File {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]File(nil), c.files...)
}

// CurrentUser returns the signed-in user's name, or "User".
func (c *Controller) CurrentUser() string {
	if c.users != nil {
		if name := c.users.CurrentUser(); name != "" {
			return name
		}
	}
	return defaultUser
}

// OnFilesSelected appends files not already held. Files are the same when
// name, size and modification time all match, within the batch too.
func (c *Controller) OnFilesSelected(files []File) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[fileKey]struct{}, len(c.files)+len(files))
	for _, f := range c.files {
		seen[f.key()] = struct{}{}
	}
	for _, f := range files {
		k := f.key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		c.files = append(c.files, f)
	}
}

// RemoveAttachment drops the file at index. Out of range is a no-op.
func (c *Controller) RemoveAttachment(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.files) {
		return
	}
	c.files = append(c.files[:index], c.files[index+1:]...)
}

// SaveDraft logs and returns a snapshot of the form. Nothing is persisted.
func (c *Controller) SaveDraft() Draft {
	c.mu.Lock()
	d := Draft{Form: c.form, Attachments: attachmentMeta(c.files)}
	c.mu.Unlock()

	c.logger.Info("saving draft",
		"to", d.To,
		"subject", d.Subject,
		"attachments", len(d.Attachments),
	)
	return d
}

// SendEmail validates the form and submits it. Invalid input returns a
// *ValidationError without contacting the relay and without navigating.
// Otherwise the view closes exactly once after the relay answers: a preview
// link, if any, is opened first; a failure raises an alert first.
func (c *Controller) SendEmail(ctx context.Context) error {
	c.mu.Lock()
	form := c.form
	files := attachmentMeta(c.files)
	c.mu.Unlock()

	if err := validate(form); err != nil {
		c.logger.Warn("compose validation failed", "error", err)
		return err
	}

	req := api.ComposeRequest{
		To:          form.To,
		Cc:          form.Cc,
		Bcc:         form.Bcc,
		Subject:     form.Subject,
		Body:        form.Body,
		Attachments: files,
	}

	res, err := c.relay.Send(ctx, req)
	if err == nil && (res == nil || !res.OK) {
		err = errors.New("relay returned no success result")
	}
	if err != nil {
		c.logger.Error("failed to send email", "error", err)
		if c.notifier != nil {
			c.notifier.Alert(FailedToSend)
		}
		c.CloseCompose()
		return fmt.Errorf("send email: %w", err)
	}

	c.logger.Info("email sent",
		"message_id", res.MessageID,
		"preview_url", res.Preview(),
	)
	if preview := res.Preview(); preview != "" && c.opener != nil {
		if err := c.opener.Open(preview); err != nil {
			c.logger.Warn("failed to open preview", "url", preview, "error", err)
		}
	}
	c.CloseCompose()
	return nil
}

// CloseCompose leaves the view: back when there is history, otherwise to the
// root. A failed navigation falls back to going back.
func (c *Controller) CloseCompose() {
	var err error
	if c.nav.HistoryLength() > 1 {
		err = c.nav.Back()
	} else {
		err = c.nav.NavigateTo("/")
	}
	if err == nil {
		return
	}

	c.logger.Warn("navigation failed, going back", "error", err)
	if err := c.nav.Back(); err != nil {
		c.logger.Error("failed to go back", "error", err)
	}
}

// validate applies the relay's rules to to: a comma-separated list where
// every segment must be an address. The relay rejects the same inputs.
func validate(f Form) error {
	if strings.TrimSpace(f.To) == "" || strings.TrimSpace(f.Body) == "" {
		return &ValidationError{Field: "to/body", Reason: "required fields missing"}
	}
	to, err := address.ParseList(f.To)
	if err != nil {
		return &ValidationError{Field: "to", Reason: err.Error()}
	}
	if len(to) == 0 {
		return &ValidationError{Field: "to", Reason: "no recipients"}
	}
	return nil
}

func attachmentMeta(files []File) []api.AttachmentMeta {
	if len(files) == 0 {
		return nil
	}
	out := make([]api.AttachmentMeta, 0, len(files))
	for _, f := range files {
		out = append(out, api.AttachmentMeta{Name: f.Name, Size: f.Size})
	}
	return out
}
