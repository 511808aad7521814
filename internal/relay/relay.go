// Package relay implements the send-email endpoint. It validates a compose
// request, acquires a transport, sends one message and reports the outcome.
package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shineum/compose-relay/internal/address"
	"github.com/shineum/compose-relay/internal/api"
	"github.com/shineum/compose-relay/internal/email"
	"github.com/shineum/compose-relay/internal/transport"
)

// Config holds the endpoint settings.
type Config struct {
	// FromName is the display name on every outgoing message.
	FromName string

	// MaxBodySize caps the request body in bytes. Zero means
	// api.DefaultMaxBodySize.
	MaxBodySize int64

	// ExposeDetails includes the transport error text in failure responses.
	ExposeDetails bool
}

// Handler serves POST requests carrying an api.ComposeRequest.
type Handler struct {
	acquirer transport.Acquirer
	config   Config
	logger   *slog.Logger
}

// New creates a Handler sending through acquirer.
func New(acquirer transport.Acquirer, cfg Config, logger *slog.Logger) *Handler {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = api.DefaultMaxBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{acquirer: acquirer, config: cfg, logger: logger}
}

// requestError is a client error answered before any transport is used.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string {
	return e.message
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err == nil {
		err = validate(req)
	}
	if err != nil {
		var reqErr *requestError
		if !errors.As(err, &reqErr) {
			reqErr = &requestError{status: http.StatusBadRequest, message: api.ErrInvalidBody}
		}
		h.logger.Debug("rejected send request",
			"status", reqErr.status,
			"reason", reqErr.message,
		)
		writeJSON(w, reqErr.status, api.Failure(reqErr.message, ""))
		return
	}

	msg := h.buildEmail(req)

	receipt, err := h.send(r, msg)
	if err != nil {
		h.logger.Error("failed to send email",
			"transport", h.acquirer.Name(),
			"stage", transport.StageOf(err),
			"error", err,
		)
		details := ""
		if h.config.ExposeDetails {
			details = err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, api.Failure(api.ErrSendFailed, details))
		return
	}

	h.logger.Info("email sent",
		"transport", h.acquirer.Name(),
		"message_id", receipt.MessageID,
		"recipients", len(msg.Recipients()),
		"attachments", len(msg.Attachments),
		"preview_url", receipt.PreviewURL,
	)
	writeJSON(w, http.StatusOK, api.Success(receipt.MessageID, receipt.PreviewURL))
}

// decode reads the JSON body. An empty body decodes as an empty request so
// that it fails required-field validation instead of parsing.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*api.ComposeRequest, error) {
	body := http.MaxBytesReader(w, r.Body, h.config.MaxBodySize)
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	var req api.ComposeRequest
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, &requestError{status: http.StatusRequestEntityTooLarge, message: api.ErrBodyTooLarge}
		}
		return nil, &requestError{status: http.StatusBadRequest, message: api.ErrInvalidBody}
	}

	// Anything after the object other than whitespace is malformed.
	if _, err := dec.Token(); err != io.EOF {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, &requestError{status: http.StatusRequestEntityTooLarge, message: api.ErrBodyTooLarge}
		}
		return nil, &requestError{status: http.StatusBadRequest, message: api.ErrInvalidBody}
	}

	return &req, nil
}

// validate applies the field rules in order; the first failure wins.
func validate(req *api.ComposeRequest) error {
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.Body) == "" {
		return &requestError{status: http.StatusBadRequest, message: api.ErrRequired}
	}

	// A to field of only separators, such as " , ", names nobody.
	to, err := address.ParseList(req.To)
	if err != nil || len(to) == 0 {
		return &requestError{status: http.StatusBadRequest, message: api.ErrInvalidTo}
	}
	if _, err := address.ParseList(req.Cc); err != nil {
		return &requestError{status: http.StatusBadRequest, message: api.ErrInvalidCc}
	}
	if _, err := address.ParseList(req.Bcc); err != nil {
		return &requestError{status: http.StatusBadRequest, message: api.ErrInvalidBcc}
	}
	return nil
}

// buildEmail maps a validated request onto the message handed to transports.
func (h *Handler) buildEmail(req *api.ComposeRequest) *email.Email {
	subject := req.Subject
	if strings.TrimSpace(subject) == "" {
		subject = api.DefaultSubject
	}

	msg := &email.Email{
		FromName: h.config.FromName,
		To:       address.Split(req.To),
		Cc:       address.Split(req.Cc),
		Bcc:      address.Split(req.Bcc),
		Subject:  subject,
		TextBody: req.Body,
	}
	for _, a := range req.Attachments {
		msg.Attachments = append(msg.Attachments, email.Attachment{Filename: a.Name, Size: a.Size})
	}
	return msg
}

// send runs acquire, send and close against a fresh transport.
func (h *Handler) send(r *http.Request, msg *email.Email) (*transport.Receipt, error) {
	ctx := r.Context()

	tr, err := h.acquirer.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := tr.Close(); cerr != nil {
			h.logger.Warn("failed to close transport",
				"transport", h.acquirer.Name(),
				"error", cerr,
			)
		}
	}()

	return tr.Send(ctx, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
