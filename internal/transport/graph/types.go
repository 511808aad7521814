// Package graph implements a transport that sends emails via the Microsoft Graph API.
package graph

import (
	"github.com/shineum/compose-relay/internal/email"
)

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// sendMailMessage represents the message portion of a sendMail request.
type sendMailMessage struct {
	Subject           string      `json:"subject"`
	Body              messageBody `json:"body"`
	From              *recipient  `json:"from,omitempty"`
	ToRecipients      []recipient `json:"toRecipients"`
	CcRecipients      []recipient `json:"ccRecipients,omitempty"`
	BccRecipients     []recipient `json:"bccRecipients,omitempty"`
	InternetMessageID string      `json:"internetMessageId,omitempty"`
}

// messageBody represents the body of an email message.
type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// recipient represents an email recipient.
type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

// emailAddress represents an email address in a Graph API request.
type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// tokenResponse is a successful client-credentials grant.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

// graphError represents the error detail in a Graph API error response.
type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts an email.Email into a Graph API sendMail
// request body. Attachments carry no content and are not forwarded.
func buildSendMailRequest(msg *email.Email) *sendMailRequest {
	body := messageBody{
		ContentType: "text",
		Content:     msg.TextBody,
	}
	if msg.HtmlBody != "" {
		body.ContentType = "html"
		body.Content = msg.HtmlBody
	}

	req := &sendMailRequest{
		Message: sendMailMessage{
			Subject:           msg.Subject,
			Body:              body,
			ToRecipients:      recipients(msg.To),
			CcRecipients:      recipients(msg.Cc),
			BccRecipients:     recipients(msg.Bcc),
			InternetMessageID: msg.MessageID,
		},
	}
	if msg.From != "" {
		req.Message.From = &recipient{
			EmailAddress: emailAddress{Name: msg.FromName, Address: msg.From},
		}
	}
	return req
}

func recipients(addrs []string) []recipient {
	out := make([]recipient, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, recipient{
			EmailAddress: emailAddress{Address: addr},
		})
	}
	return out
}
