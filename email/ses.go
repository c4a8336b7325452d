package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"lead-notifier/pkg/lead"
)

// SES error codes that will not succeed on retry.
var sesTerminalCodes = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"AccountSuspendedException":          true,
	"SendingPausedException":             true,
	"NotFoundException":                  true,
	"BadRequestException":                true,
}

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESProvider sends emails via Amazon SES.
type SESProvider struct {
	client   sesAPI
	logger   *slog.Logger
	fromAddr string
}

// NewSESProvider loads AWS credentials from the default chain and creates an SES provider.
func NewSESProvider(ctx context.Context, region, fromAddr string, logger *slog.Logger) (*SESProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SESProvider{
		client:   sesv2.NewFromConfig(cfg),
		logger:   logger,
		fromAddr: fromAddr,
	}, nil
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

// Send sends an email via SES.
func (s *SESProvider) Send(ctx context.Context, msg *Message) (string, error) {
	body := &types.Body{
		Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromAddr),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(sanitizeEmailHeader(msg.Subject)), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}

	s.logger.Info("SES API request starting", "endpoint", "SendEmail")
	startTime := time.Now()
	out, err := s.client.SendEmail(ctx, input)
	duration := time.Since(startTime)
	if err != nil {
		s.logger.Warn("SES API request failed", "duration_ms", duration.Milliseconds(), "error", err)
		return "", classifySES(err)
	}

	id := aws.ToString(out.MessageId)
	s.logger.Info("SES API request completed",
		"endpoint", "SendEmail",
		"message_id", id,
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return id, nil
}

func classifySES(err error) error {
	se := &lead.SendError{Channel: lead.ChannelEmail, Provider: "ses", Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		se.Code = apiErr.ErrorCode()
		se.Terminal = sesTerminalCodes[se.Code]
	}
	return se
}
