package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shineum/compose-relay/internal/email"
	"github.com/shineum/compose-relay/internal/transport"
)

func TestBuildSendMailRequest_BasicEmail(t *testing.T) {
	t.Parallel()

	msg := &email.Email{
		From:     "sender@example.com",
		To:       []string{"alice@example.com", "bob@example.com"},
		Subject:  "Test Subject",
		TextBody: "Hello, World!",
	}

	req := buildSendMailRequest(msg)

	if req.Message.Subject != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", req.Message.Subject, "Test Subject")
	}
	if req.Message.Body.ContentType != "text" {
		t.Errorf("Body.ContentType: got %q, want %q", req.Message.Body.ContentType, "text")
	}
	if req.Message.Body.Content != "Hello, World!" {
		t.Errorf("Body.Content: got %q, want %q", req.Message.Body.Content, "Hello, World!")
	}
	if len(req.Message.ToRecipients) != 2 {
		t.Fatalf("ToRecipients count: got %d, want 2", len(req.Message.ToRecipients))
	}
	if req.Message.ToRecipients[0].EmailAddress.Address != "alice@example.com" {
		t.Errorf("ToRecipients[0]: got %q, want %q", req.Message.ToRecipients[0].EmailAddress.Address, "alice@example.com")
	}
	if req.Message.ToRecipients[1].EmailAddress.Address != "bob@example.com" {
		t.Errorf("ToRecipients[1]: got %q, want %q", req.Message.ToRecipients[1].EmailAddress.Address, "bob@example.com")
	}
	if len(req.Message.CcRecipients) != 0 {
		t.Errorf("CcRecipients: got %d, want 0", len(req.Message.CcRecipients))
	}
}

func TestBuildSendMailRequest_HTMLBody(t *testing.T) {
	t.Parallel()

	req := buildSendMailRequest(&email.Email{
		To:       []string{"user@example.com"},
		Subject:  "HTML Email",
		TextBody: "Plain text",
		HtmlBody: "<p>HTML content</p>",
	})

	if req.Message.Body.ContentType != "html" {
		t.Errorf("Body.ContentType: got %q, want %q", req.Message.Body.ContentType, "html")
	}
	if req.Message.Body.Content != "<p>HTML content</p>" {
		t.Errorf("Body.Content: got %q", req.Message.Body.Content)
	}
}

func TestBuildSendMailRequest_SenderAndBcc(t *testing.T) {
	t.Parallel()

	req := buildSendMailRequest(&email.Email{
		FromName:  "Compose Relay",
		From:      "sender@example.com",
		To:        []string{"user@example.com"},
		Cc:        []string{"cc@example.com"},
		Bcc:       []string{"hidden@example.com"},
		MessageID: "<id@example.com>",
		TextBody:  "Body",
	})

	if req.Message.From == nil {
		t.Fatal("expected From to be set")
	}
	if req.Message.From.EmailAddress.Name != "Compose Relay" {
		t.Errorf("From.Name: got %q", req.Message.From.EmailAddress.Name)
	}
	if len(req.Message.CcRecipients) != 1 || len(req.Message.BccRecipients) != 1 {
		t.Errorf("Cc/Bcc: got %d/%d, want 1/1", len(req.Message.CcRecipients), len(req.Message.BccRecipients))
	}
	if req.Message.InternetMessageID != "<id@example.com>" {
		t.Errorf("InternetMessageID: got %q", req.Message.InternetMessageID)
	}
}

func TestBuildSendMailRequest_JSONMarshaling(t *testing.T) {
	t.Parallel()

	req := buildSendMailRequest(&email.Email{
		To:       []string{"user@example.com"},
		Subject:  "JSON",
		TextBody: "Body",
	})

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := string(data)
	for _, want := range []string{`"toRecipients"`, `"emailAddress"`, `"contentType":"text"`} {
		if !strings.Contains(s, want) {
			t.Errorf("JSON missing %s: %s", want, s)
		}
	}
	for _, absent := range []string{`"ccRecipients"`, `"bccRecipients"`, `"from"`} {
		if strings.Contains(s, absent) {
			t.Errorf("JSON should omit %s: %s", absent, s)
		}
	}
}

func TestTransport_Name(t *testing.T) {
	t.Parallel()

	p := &Transport{}
	if p.Name() != "graph" {
		t.Errorf("Name: got %q, want %q", p.Name(), "graph")
	}
}

// newTestTransport wires a Transport to a token server and a sendMail handler.
func newTestTransport(t *testing.T, tokenCalls *atomic.Int32, handler http.HandlerFunc) *Transport {
	t.Helper()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "test-token-" + string(rune('0'+n)),
			ExpiresIn:   3600,
		})
	}))
	t.Cleanup(tokenServer.Close)

	graphServer := httptest.NewServer(handler)
	t.Cleanup(graphServer.Close)

	return newWithOverrides(
		Config{
			TenantID:     "test-tenant",
			ClientID:     "test-client",
			ClientSecret: "test-secret",
			Sender:       "sender@example.com",
		},
		graphServer.URL,
		tokenServer.URL,
		graphServer.Client(),
	)
}

func testEmail() *email.Email {
	return &email.Email{
		FromName: "Compose Relay",
		To:       []string{"user@example.com"},
		Subject:  "Test",
		TextBody: "Body",
	}
}

func TestTransport_SendSuccess(t *testing.T) {
	t.Parallel()

	var tokens atomic.Int32
	p := newTestTransport(t, &tokens, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token-1" {
			t.Errorf("Authorization header: got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type header: got %q, want %q", r.Header.Get("Content-Type"), "application/json")
		}

		var body sendMailRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.Message.Subject != "Test" {
			t.Errorf("Subject in body: got %q, want %q", body.Message.Subject, "Test")
		}
		if body.Message.From == nil || body.Message.From.EmailAddress.Address != "sender@example.com" {
			t.Errorf("From in body: got %+v", body.Message.From)
		}

		w.Header().Set("request-id", "graph-req-1")
		w.WriteHeader(http.StatusAccepted)
	})

	tr, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	receipt, err := tr.Send(context.Background(), testEmail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.MessageID != "graph-req-1" {
		t.Errorf("MessageID: got %q, want %q", receipt.MessageID, "graph-req-1")
	}
}

func TestTransport_SendWithoutRequestID(t *testing.T) {
	t.Parallel()

	var tokens atomic.Int32
	p := newTestTransport(t, &tokens, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	receipt, err := p.Send(context.Background(), testEmail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(receipt.MessageID, "@example.com>") {
		t.Errorf("MessageID: got %q, want generated id", receipt.MessageID)
	}
}

func TestTransport_SendErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		code   string
		stage  transport.Stage
	}{
		{name: "bad request", status: http.StatusBadRequest, code: "BadRequest", stage: transport.StageSend},
		{name: "forbidden", status: http.StatusForbidden, code: "Forbidden", stage: transport.StageAuth},
		{name: "server error", status: http.StatusInternalServerError, code: "", stage: transport.StageSend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			var tokens atomic.Int32
			p := newTestTransport(t, &tokens, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				if tt.code != "" {
					json.NewEncoder(w).Encode(graphErrorResponse{
						Error: graphError{Code: tt.code, Message: "rejected"},
					})
				} else {
					w.Write([]byte("oops"))
				}
			})

			_, err := p.Send(context.Background(), testEmail())
			if err == nil {
				t.Fatalf("expected error for %d response, got nil", tt.status)
			}
			if got := transport.StageOf(err); got != tt.stage {
				t.Errorf("stage: got %q, want %q", got, tt.stage)
			}
			if calls.Load() != 1 {
				t.Errorf("sendMail calls: got %d, want 1", calls.Load())
			}

			var sendErr *sendError
			if !errors.As(err, &sendErr) || sendErr.statusCode != tt.status {
				t.Errorf("expected wrapped *sendError with status %d, got %v", tt.status, err)
			}
		})
	}
}

func TestTransport_UnauthorizedInvalidatesToken(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var tokens atomic.Int32
	p := newTestTransport(t, &tokens, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-token-2" {
			t.Errorf("second send should use a fresh token, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusAccepted)
	})

	_, err := p.Send(context.Background(), testEmail())
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if got := transport.StageOf(err); got != transport.StageAuth {
		t.Errorf("stage: got %q, want %q", got, transport.StageAuth)
	}
	if calls.Load() != 1 {
		t.Errorf("401 must not be retried, got %d calls", calls.Load())
	}

	if _, err := p.Send(context.Background(), testEmail()); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if tokens.Load() != 2 {
		t.Errorf("token requests: got %d, want 2", tokens.Load())
	}
}

func TestTransport_TokenFailureIsAuthStage(t *testing.T) {
	t.Parallel()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer tokenServer.Close()

	var calls atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer graphServer.Close()

	p := newWithOverrides(Config{Sender: "s@example.com"}, graphServer.URL, tokenServer.URL, graphServer.Client())

	_, err := p.Send(context.Background(), testEmail())
	if err == nil {
		t.Fatal("expected error")
	}
	if got := transport.StageOf(err); got != transport.StageAuth {
		t.Errorf("stage: got %q, want %q", got, transport.StageAuth)
	}
	if calls.Load() != 0 {
		t.Errorf("sendMail should not be called without a token")
	}
}

func TestTransport_ContextCancellation(t *testing.T) {
	t.Parallel()

	var tokens atomic.Int32
	p := newTestTransport(t, &tokens, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Send(ctx, testEmail()); err == nil {
		t.Error("expected error for cancelled context, got nil")
	}
}

func TestSendError_Error(t *testing.T) {
	t.Parallel()

	err := &sendError{
		message:    "test error",
		statusCode: 500,
	}

	expected := "Graph API error (HTTP 500): test error"
	if err.Error() != expected {
		t.Errorf("Error(): got %q, want %q", err.Error(), expected)
	}

	err.code = "ErrorQuotaExceeded"
	expected = "Graph API error (HTTP 500, ErrorQuotaExceeded): test error"
	if err.Error() != expected {
		t.Errorf("Error(): got %q, want %q", err.Error(), expected)
	}
}
