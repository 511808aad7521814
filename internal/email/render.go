package email

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"
)

// Render builds the RFC 5322 representation of msg. Bcc recipients are never
// written to the headers. A message with both text and HTML bodies becomes
// multipart/alternative; otherwise a single quoted-printable part is used,
// terminated by CRLF.
func Render(msg *Email) ([]byte, error) {
	var buf bytes.Buffer

	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}

	writeHeader(&buf, "From", msg.Sender())
	if len(msg.To) > 0 {
		writeHeader(&buf, "To", strings.Join(msg.To, ", "))
	}
	if len(msg.Cc) > 0 {
		writeHeader(&buf, "Cc", strings.Join(msg.Cc, ", "))
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("UTF-8", msg.Subject))
	writeHeader(&buf, "Date", date.Format(time.RFC1123Z))
	if msg.MessageID != "" {
		writeHeader(&buf, "Message-ID", msg.MessageID)
	}
	writeHeader(&buf, "MIME-Version", "1.0")

	if msg.TextBody != "" && msg.HtmlBody != "" {
		writer := multipart.NewWriter(&buf)
		writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", writer.Boundary()))
		buf.WriteString("\r\n")

		for _, p := range []struct{ contentType, body string }{
			{"text/plain; charset=UTF-8", msg.TextBody},
			{"text/html; charset=UTF-8", msg.HtmlBody},
		} {
			header := make(textproto.MIMEHeader)
			header.Set("Content-Type", p.contentType)
			header.Set("Content-Transfer-Encoding", "quoted-printable")
			part, err := writer.CreatePart(header)
			if err != nil {
				return nil, fmt.Errorf("failed to create body part: %w", err)
			}
			if err := writeQuotedPrintable(part, p.body); err != nil {
				return nil, err
			}
		}

		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("failed to close multipart writer: %w", err)
		}
		return buf.Bytes(), nil
	}

	contentType := "text/plain; charset=UTF-8"
	body := msg.TextBody
	if body == "" && msg.HtmlBody != "" {
		contentType = "text/html; charset=UTF-8"
		body = msg.HtmlBody
	}
	writeHeader(&buf, "Content-Type", contentType)
	writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	if err := writeQuotedPrintable(&buf, body); err != nil {
		return nil, err
	}
	// The message ends with a line break; Parse drops exactly this one.
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	fmt.Fprintf(buf, "%s: %s\r\n", key, value)
}

func writeQuotedPrintable(w io.Writer, body string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(body)); err != nil {
		return fmt.Errorf("failed to encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return fmt.Errorf("failed to encode body: %w", err)
	}
	return nil
}
