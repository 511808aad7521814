package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

var headerDecoder = new(mime.WordDecoder)

// Parse decodes an RFC 5322 message into an Email. It reads what Render
// writes: a single text or HTML part, or multipart bodies, with
// quoted-printable or base64 transfer encoding. The line break that ends a
// single-part message is not part of its body. Attachment parts are kept as
// metadata only.
func Parse(raw []byte) (*Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &Email{
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		MessageID: msg.Header.Get("Message-Id"),
		To:        parseAddressList(msg.Header.Get("To")),
		Cc:        parseAddressList(msg.Header.Get("Cc")),
		Bcc:       parseAddressList(msg.Header.Get("Bcc")),
	}

	if from, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		result.FromName = from.Name
		result.From = from.Address
	} else {
		result.From = msg.Header.Get("From")
	}
	if date, err := msg.Header.Date(); err == nil {
		result.Date = date
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if params["boundary"] == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, params["boundary"], result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	body = trimFinalLineBreak(body)
	if mediaType == "text/html" {
		result.HtmlBody = string(body)
	} else {
		result.TextBody = string(body)
	}
	return result, nil
}

func parseMultipart(body io.Reader, boundary string, result *Email) error {
	reader := multipart.NewReader(body, boundary)

	for {
		// NextRawPart leaves quoted-printable undecoded so decodeBody
		// handles every encoding the same way.
		part, err := reader.NextRawPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partType := part.Header.Get("Content-Type")
		if partType == "" {
			partType = "text/plain"
		}
		mediaType, params, err := mime.ParseMediaType(partType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if err := parseMultipart(part, params["boundary"], result); err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		filename := part.FileName()
		if filename == "" {
			filename = params["name"]
		}
		attachment := strings.HasPrefix(part.Header.Get("Content-Disposition"), "attachment")

		switch {
		case attachment || filename != "":
			result.Attachments = append(result.Attachments, Attachment{
				Filename: filename,
				Size:     int64(len(content)),
			})
		case mediaType == "text/plain" && result.TextBody == "":
			result.TextBody = string(content)
		case mediaType == "text/html" && result.HtmlBody == "":
			result.HtmlBody = string(content)
		default:
			slog.Warn("unrecognized MIME part, skipping", "content_type", mediaType)
		}
	}
}

// trimFinalLineBreak removes one trailing CRLF or LF. SMTP DATA always ends
// the message on a line break, so a body that arrives without one gains it
// in transit.
func trimFinalLineBreak(b []byte) []byte {
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2]
	}
	return bytes.TrimSuffix(b, []byte("\n"))
}

func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	case "base64":
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return decodeBase64(raw)
	default:
		return io.ReadAll(r)
	}
}

func decodeHeader(v string) string {
	decoded, err := headerDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}

	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		out = append(out, a.Address)
	}
	return out
}

func decodeBase64(raw []byte) ([]byte, error) {
	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		// unpadded
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}
