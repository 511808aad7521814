// Package api defines the JSON contract between the compose controller and
// the relay endpoint.
package api

import "encoding/json"

// SendEmailPath is the route of the relay endpoint.
const SendEmailPath = "/api/send-email"

// Error strings returned by the relay endpoint.
const (
	ErrRequired     = "to and body are required"
	ErrInvalidTo    = "Invalid to address"
	ErrInvalidCc    = "Invalid cc address"
	ErrInvalidBcc   = "Invalid bcc address"
	ErrInvalidBody  = "invalid request body"
	ErrBodyTooLarge = "request body too large"
	ErrSendFailed   = "Failed to send email"
)

// DefaultSubject replaces an empty subject.
const DefaultSubject = "(no subject)"

// DefaultMaxBodySize caps the serialized request body (10 MB).
const DefaultMaxBodySize = 10 * 1024 * 1024

// ComposeRequest is the body of a send-email call.
type ComposeRequest struct {
	To          string           `json:"to"`
	Cc          string           `json:"cc,omitempty"`
	Bcc         string           `json:"bcc,omitempty"`
	Subject     string           `json:"subject,omitempty"`
	Body        string           `json:"body"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
}

// AttachmentMeta describes a locally selected file. No bytes are sent.
type AttachmentMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// RelayResult is the normalized response of the relay endpoint. Successful
// results always carry previewUrl, as null when the transport has no preview.
type RelayResult struct {
	OK         bool    `json:"ok,omitempty"`
	MessageID  string  `json:"messageId,omitempty"`
	PreviewURL *string `json:"previewUrl,omitempty"`
	Error      string  `json:"error,omitempty"`
	Details    string  `json:"details,omitempty"`
}

// Success builds an ok result. An empty preview becomes null.
func Success(messageID, previewURL string) RelayResult {
	r := RelayResult{OK: true, MessageID: messageID}
	if previewURL != "" {
		r.PreviewURL = &previewURL
	}
	return r
}

// Failure builds an error result.
func Failure(message, details string) RelayResult {
	return RelayResult{Error: message, Details: details}
}

// Preview returns the preview link or "".
func (r RelayResult) Preview() string {
	if r.PreviewURL == nil {
		return ""
	}
	return *r.PreviewURL
}

func (r RelayResult) MarshalJSON() ([]byte, error) {
	if r.OK {
		return json.Marshal(struct {
			OK         bool    `json:"ok"`
			MessageID  string  `json:"messageId"`
			PreviewURL *string `json:"previewUrl"`
		}{r.OK, r.MessageID, r.PreviewURL})
	}

	type plain RelayResult
	return json.Marshal(plain(r))
}
