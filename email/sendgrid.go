package email

import (
	"context"
	"log/slog"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridProvider sends emails via the SendGrid v3 API.
type SendGridProvider struct {
	client   *sendgrid.Client
	logger   *slog.Logger
	fromAddr string
	fromName string
}

// NewSendGridProvider creates a new SendGrid email provider.
func NewSendGridProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *SendGridProvider {
	return &SendGridProvider{
		client:   sendgrid.NewSendClient(apiKey),
		logger:   logger,
		fromAddr: fromAddr,
		fromName: fromName,
	}
}

// Name returns the provider name.
func (s *SendGridProvider) Name() string {
	return "sendgrid"
}

func (s *SendGridProvider) build(msg *Message) *mail.SGMailV3 {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(s.fromName, s.fromAddr))
	message.Subject = sanitizeEmailHeader(msg.Subject)

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail("", msg.To))
	message.AddPersonalizations(p)

	// SendGrid requires text/plain before text/html.
	if msg.Text != "" {
		message.AddContent(mail.NewContent("text/plain", msg.Text))
	}
	message.AddContent(mail.NewContent("text/html", msg.HTML))
	return message
}

// Send sends an email via SendGrid.
func (s *SendGridProvider) Send(ctx context.Context, msg *Message) (string, error) {
	s.logger.Info("SendGrid API request starting", "endpoint", "mail/send")
	startTime := time.Now()
	resp, err := s.client.SendWithContext(ctx, s.build(msg))
	duration := time.Since(startTime)
	if err != nil {
		s.logger.Warn("SendGrid API request failed", "duration_ms", duration.Milliseconds(), "error", err)
		return "", transportError("sendgrid", err)
	}
	if resp.StatusCode >= 300 {
		s.logger.Warn("SendGrid API returned non-2xx status", "status_code", resp.StatusCode)
		return "", statusError("sendgrid", resp.StatusCode, resp.Body)
	}

	id := ""
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		id = ids[0]
	}
	s.logger.Info("SendGrid API request completed",
		"endpoint", "mail/send",
		"message_id", id,
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return id, nil
}
