// Package ses implements a transport that sends emails via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/compose-relay/internal/email"
	"github.com/shineum/compose-relay/internal/transport"
)

// Config holds the configuration for creating a Transport.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// Transport sends emails via the AWS SES v2 API. The client is long-lived,
// so Acquire hands out the same Transport every time.
type Transport struct {
	sender string
	client SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Transport from static credentials, or the default AWS
// credential chain when none are given.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Transport with a custom client.
func NewWithClient(sender string, client SendEmailAPI) *Transport {
	return &Transport{
		sender: sender,
		client: client,
	}
}

// Name returns the transport name.
func (s *Transport) Name() string {
	return "ses"
}

// Acquire returns s.
func (s *Transport) Acquire(_ context.Context) (transport.Transport, error) {
	return s, nil
}

// Close is a no-op; the SES client holds no per-send resources.
func (s *Transport) Close() error {
	return nil
}

// Send delivers msg in a single SendEmail call. SES assigns the message id.
func (s *Transport) Send(ctx context.Context, msg *email.Email) (*transport.Receipt, error) {
	if len(msg.Recipients()) == 0 {
		return nil, transport.NewError(transport.StageSend, "no recipients", nil)
	}

	out, err := s.client.SendEmail(ctx, buildSimpleInput(s.sender, msg))
	if err != nil {
		stage := transport.StageSend
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			slog.Warn("SES API error",
				"code", apiErr.ErrorCode(),
				"fault", apiErr.ErrorFault().String(),
			)
			if isAuthError(apiErr.ErrorCode()) {
				stage = transport.StageAuth
			}
		}
		return nil, transport.NewError(stage, "SES SendEmail failed", err)
	}

	return &transport.Receipt{
		MessageID: aws.ToString(out.MessageId),
	}, nil
}

// isAuthError reports whether code is an SES credential or identity error.
func isAuthError(code string) bool {
	switch code {
	case "UnrecognizedClientException", "InvalidClientTokenId",
		"SignatureDoesNotMatch", "AccessDeniedException", "ExpiredTokenException":
		return true
	}
	return false
}

// buildSimpleInput creates a SES SendEmailInput. The From header carries the
// display name of msg and the configured sender address.
func buildSimpleInput(sender string, msg *email.Email) *sesv2.SendEmailInput {
	body := &types.Body{}

	if msg.HtmlBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HtmlBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}

	from := sender
	if msg.FromName != "" {
		from = (&mail.Address{Name: msg.FromName, Address: sender}).String()
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.Cc,
			BccAddresses: msg.Bcc,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}
