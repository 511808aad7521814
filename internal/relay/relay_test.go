package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/shineum/compose-relay/internal/api"
	"github.com/shineum/compose-relay/internal/email"
	"github.com/shineum/compose-relay/internal/transport"
)

type mockAcquirer struct {
	mock.Mock
}

func (m *mockAcquirer) Acquire(ctx context.Context) (transport.Transport, error) {
	args := m.Called(ctx)
	tr, _ := args.Get(0).(transport.Transport)
	return tr, args.Error(1)
}

func (m *mockAcquirer) Name() string {
	return "mock"
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Send(ctx context.Context, msg *email.Email) (*transport.Receipt, error) {
	args := m.Called(ctx, msg)
	receipt, _ := args.Get(0).(*transport.Receipt)
	return receipt, args.Error(1)
}

func (m *mockTransport) Close() error {
	return m.Called().Error(0)
}

// sequentialAcquirer hands out a fresh in-memory transport per call.
type sequentialAcquirer struct {
	acquired atomic.Int32
}

func (s *sequentialAcquirer) Acquire(_ context.Context) (transport.Transport, error) {
	n := s.acquired.Add(1)
	return &countingTransport{id: n}, nil
}

func (s *sequentialAcquirer) Name() string {
	return "sequential"
}

type countingTransport struct {
	id int32
}

func (c *countingTransport) Send(_ context.Context, msg *email.Email) (*transport.Receipt, error) {
	return &transport.Receipt{MessageID: fmt.Sprintf("<msg-%d@example.com>", c.id)}, nil
}

func (c *countingTransport) Close() error {
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func post(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, api.SendEmailPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func TestServeHTTP_Success(t *testing.T) {
	t.Parallel()

	tr := &mockTransport{}
	tr.On("Send", mock.Anything, mock.MatchedBy(func(msg *email.Email) bool {
		return msg.FromName == "Compose Relay" &&
			len(msg.To) == 1 && msg.To[0] == "user@example.com" &&
			msg.Subject == api.DefaultSubject &&
			msg.TextBody == "hello"
	})).Return(&transport.Receipt{
		MessageID:  "<abc@ethereal.email>",
		PreviewURL: "https://ethereal.email/message/abc",
	}, nil).Once()
	tr.On("Close").Return(nil).Once()

	acq := &mockAcquirer{}
	acq.On("Acquire", mock.Anything).Return(tr, nil).Once()

	h := New(acq, Config{FromName: "Compose Relay", ExposeDetails: true}, discardLogger())
	rec, out := post(t, h, `{"to":"user@example.com","body":"hello"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, out["ok"])
	require.Equal(t, "<abc@ethereal.email>", out["messageId"])
	require.Equal(t, "https://ethereal.email/message/abc", out["previewUrl"])
	acq.AssertExpectations(t)
	tr.AssertExpectations(t)
}

func TestServeHTTP_NullPreview(t *testing.T) {
	t.Parallel()

	tr := &mockTransport{}
	tr.On("Send", mock.Anything, mock.Anything).Return(&transport.Receipt{MessageID: "id-1"}, nil)
	tr.On("Close").Return(nil)
	acq := &mockAcquirer{}
	acq.On("Acquire", mock.Anything).Return(tr, nil)

	h := New(acq, Config{}, discardLogger())
	rec, out := post(t, h, `{"to":"user@example.com","body":"hello"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	previewURL, present := out["previewUrl"]
	require.True(t, present, "previewUrl must be present")
	require.Nil(t, previewURL)
}

func TestServeHTTP_BuildsFullMessage(t *testing.T) {
	t.Parallel()

	var got *email.Email
	tr := &mockTransport{}
	tr.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		got = args.Get(1).(*email.Email)
	}).Return(&transport.Receipt{MessageID: "id"}, nil)
	tr.On("Close").Return(nil)
	acq := &mockAcquirer{}
	acq.On("Acquire", mock.Anything).Return(tr, nil)

	h := New(acq, Config{FromName: "Support"}, discardLogger())
	rec, _ := post(t, h, `{
		"to": "a@example.com, b@example.com,",
		"cc": " c@example.com ",
		"bcc": "d@example.com",
		"subject": "Quarterly",
		"body": "numbers attached",
		"attachments": [{"name": "q3.pdf", "size": 2048}]
	}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	require.Equal(t, "Support", got.FromName)
	require.Equal(t, []string{"a@example.com", "b@example.com"}, got.To)
	require.Equal(t, []string{"c@example.com"}, got.Cc)
	require.Equal(t, []string{"d@example.com"}, got.Bcc)
	require.Equal(t, "Quarterly", got.Subject)
	require.Equal(t, []email.Attachment{{Filename: "q3.pdf", Size: 2048}}, got.Attachments)
}

func TestServeHTTP_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "empty to", body: `{"to":"","body":"hello"}`, want: api.ErrRequired},
		{name: "blank body", body: `{"to":"a@b.com","body":"   "}`, want: api.ErrRequired},
		{name: "missing fields", body: `{}`, want: api.ErrRequired},
		{name: "empty request body", body: ``, want: api.ErrRequired},
		{name: "invalid to", body: `{"to":"not-an-email","body":"hi"}`, want: api.ErrInvalidTo},
		{name: "to with only commas", body: `{"to":" , ,","body":"hi"}`, want: api.ErrInvalidTo},
		{name: "one bad to segment", body: `{"to":"a@b.com, nope","body":"hi"}`, want: api.ErrInvalidTo},
		{name: "invalid cc", body: `{"to":"a@b.com","cc":"bad","body":"hi"}`, want: api.ErrInvalidCc},
		{name: "invalid bcc", body: `{"to":"a@b.com","bcc":"x@y","body":"hi"}`, want: api.ErrInvalidBcc},
		{name: "to checked before cc", body: `{"to":"bad","cc":"bad","body":"hi"}`, want: api.ErrInvalidTo},
		{name: "malformed json", body: `{"to":`, want: api.ErrInvalidBody},
		{name: "wrong type", body: `{"to":42,"body":"hi"}`, want: api.ErrInvalidBody},
		{name: "unknown field", body: `{"to":"a@b.com","body":"hi","priority":"high"}`, want: api.ErrInvalidBody},
		{name: "trailing data", body: `{"to":"a@b.com","body":"hi"} {}`, want: api.ErrInvalidBody},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			acq := &mockAcquirer{}
			h := New(acq, Config{ExposeDetails: true}, discardLogger())
			rec, out := post(t, h, tt.body)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, tt.want, out["error"])
			require.NotContains(t, out, "ok")
			acq.AssertNotCalled(t, "Acquire", mock.Anything)
		})
	}
}

func TestServeHTTP_BodyTooLarge(t *testing.T) {
	t.Parallel()

	acq := &mockAcquirer{}
	h := New(acq, Config{MaxBodySize: 64}, discardLogger())

	body := `{"to":"a@b.com","body":"` + strings.Repeat("x", 256) + `"}`
	rec, out := post(t, h, body)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, api.ErrBodyTooLarge, out["error"])
	acq.AssertNotCalled(t, "Acquire", mock.Anything)
}

func TestServeHTTP_AcquireFailure(t *testing.T) {
	t.Parallel()

	acq := &mockAcquirer{}
	acq.On("Acquire", mock.Anything).Return(nil,
		transport.NewError(transport.StageAcquire, "failed to create sandbox account", errors.New("quota exceeded")))

	h := New(acq, Config{ExposeDetails: true}, discardLogger())
	rec, out := post(t, h, `{"to":"user@example.com","body":"hello"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, api.ErrSendFailed, out["error"])
	require.Equal(t, "failed to create sandbox account: quota exceeded", out["details"])
}

func TestServeHTTP_SendFailureClosesTransport(t *testing.T) {
	t.Parallel()

	tr := &mockTransport{}
	tr.On("Send", mock.Anything, mock.Anything).Return(nil,
		transport.NewError(transport.StageSend, "RCPT TO failed", errors.New("550 mailbox unavailable")))
	tr.On("Close").Return(errors.New("connection reset")).Once()
	acq := &mockAcquirer{}
	acq.On("Acquire", mock.Anything).Return(tr, nil).Once()

	h := New(acq, Config{ExposeDetails: true}, discardLogger())
	rec, out := post(t, h, `{"to":"user@example.com","body":"hello"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, api.ErrSendFailed, out["error"])
	require.Contains(t, out["details"], "550 mailbox unavailable")
	tr.AssertExpectations(t)
}

func TestServeHTTP_HiddenDetails(t *testing.T) {
	t.Parallel()

	acq := &mockAcquirer{}
	acq.On("Acquire", mock.Anything).Return(nil, errors.New("secret internal hostname"))

	h := New(acq, Config{ExposeDetails: false}, discardLogger())
	rec, out := post(t, h, `{"to":"user@example.com","body":"hello"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, api.ErrSendFailed, out["error"])
	require.NotContains(t, out, "details")
}

func TestServeHTTP_FreshTransportPerRequest(t *testing.T) {
	t.Parallel()

	acq := &sequentialAcquirer{}
	h := New(acq, Config{}, discardLogger())

	var ids []string
	for i := 0; i < 2; i++ {
		rec, out := post(t, h, `{"to":"user@example.com","body":"hello"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		ids = append(ids, out["messageId"].(string))
	}

	require.Equal(t, int32(2), acq.acquired.Load())
	require.NotEqual(t, ids[0], ids[1])
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	h := New(&mockAcquirer{}, Config{}, nil)
	require.Equal(t, int64(api.DefaultMaxBodySize), h.config.MaxBodySize)
	require.NotNil(t, h.logger)
}

func TestValidate_OrderAndTrimming(t *testing.T) {
	t.Parallel()

	err := validate(&api.ComposeRequest{To: "  a@b.com ", Body: " hi "})
	require.NoError(t, err)

	err = validate(&api.ComposeRequest{To: "a@b.com", Body: "\n\t"})
	var reqErr *requestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, api.ErrRequired, reqErr.message)
}

func BenchmarkServeHTTP(b *testing.B) {
	h := New(&sequentialAcquirer{}, Config{}, discardLogger())
	body := []byte(`{"to":"user@example.com, other@example.com","cc":"c@example.com","body":"hello"}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, api.SendEmailPath, bytes.NewReader(body))
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
}
