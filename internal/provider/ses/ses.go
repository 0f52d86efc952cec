// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/mailfan/internal/email"
	"github.com/shineum/mailfan/internal/mailheader"
	"github.com/shineum/mailfan/internal/provider/retry"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// recipientIDTag is the SES message tag carrying the recipient id.
const recipientIDTag = "recipient_id"

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// Provider sends emails via the AWS SES v2 API.
type Provider struct {
	sender     string
	client     SendEmailAPI
	retryDelay time.Duration
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new Provider with the given configuration.
func New(ctx context.Context, cfg Config) (*Provider, error) {
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

// backoff returns the wait before retry number attempt (1-based).
func (s *Provider) backoff(attempt int) time.Duration {
	return retry.Backoff(s.retryDelay, attempt-1)
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *Provider {
	return &Provider{
		sender:     sender,
		client:     client,
		retryDelay: baseRetryDelay,
	}
}

// Send delivers an email message via AWS SES v2 using simple content.
// The message's additional headers are passed as SES message headers and
// its recipient id, when present, as a message tag.
func (s *Provider) Send(ctx context.Context, msg email.Mail) error {
	input, err := buildInput(s.sender, msg)
	if err != nil {
		return fmt.Errorf("failed to build SES input: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			delay := s.backoff(attempt)
			if err := retry.Sleep(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		out, err := s.client.SendEmail(ctx, input)
		if err == nil {
			var messageID string
			if out != nil {
				messageID = aws.ToString(out.MessageId)
			}
			slog.Debug("SES accepted message",
				"to", msg.ToAddress(),
				"message_id", messageID,
			)
			return nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"to", msg.ToAddress(),
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the provider name.
func (s *Provider) Name() string {
	return "ses"
}

// buildInput creates a SES SendEmailInput for a single addressed message.
func buildInput(sender string, msg email.Mail) (*sesv2.SendEmailInput, error) {
	body := &types.Body{}

	if html := msg.Message(false); html != "" {
		body.Html = &types.Content{
			Data:    aws.String(html),
			Charset: aws.String("UTF-8"),
		}
	}
	if text := msg.Message(true); text != "" {
		body.Text = &types.Content{
			Data:    aws.String(text),
			Charset: aws.String("UTF-8"),
		}
	}

	headers, err := buildHeaders(msg.AdditionalMailHeader())
	if err != nil {
		return nil, err
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fromAddress(sender, msg)),
		Destination: &types.Destination{
			ToAddresses: []string{msg.ToAddress()},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject()),
					Charset: aws.String("UTF-8"),
				},
				Body:    body,
				Headers: headers,
			},
		},
	}

	if rt := msg.ReplyTo(); rt != "" {
		input.ReplyToAddresses = []string{rt}
	}

	if id, ok := msg.RecipientID(); ok {
		input.EmailTags = []types.MessageTag{
			{Name: aws.String(recipientIDTag), Value: aws.String(strconv.FormatInt(id, 10))},
		}
	}

	return input, nil
}

// fromAddress renders the From value, encoding the display name when needed.
// The configured sender is used when the message carries no from address.
func fromAddress(sender string, msg email.Mail) string {
	address := msg.FromAddress()
	if address == "" {
		address = sender
	}
	if msg.FromName() == "" {
		return address
	}
	return (&mail.Address{Name: msg.FromName(), Address: address}).String()
}

// buildHeaders converts the additional header block to SES message headers.
// Headers SES derives itself are skipped.
func buildHeaders(raw string) ([]types.MessageHeader, error) {
	fields, err := mailheader.Parse(raw)
	if err != nil {
		return nil, err
	}

	var headers []types.MessageHeader
	for _, f := range fields {
		if mailheader.IsStructural(f.Key) {
			slog.Warn("skipping structural header for SES", "header", f.Key)
			continue
		}
		headers = append(headers, types.MessageHeader{
			Name:  aws.String(f.Key),
			Value: aws.String(f.Value),
		})
	}
	return headers, nil
}
