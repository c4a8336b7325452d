package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/resendlabs/resend-go"

	"lead-notifier/pkg/lead"
)

// ResendProvider sends emails via the Resend API.
type ResendProvider struct {
	client   *resend.Client
	logger   *slog.Logger
	fromAddr string
	fromName string
}

// NewResendProvider creates a new Resend email provider.
func NewResendProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *ResendProvider {
	return &ResendProvider{
		client:   resend.NewClient(apiKey),
		logger:   logger,
		fromAddr: fromAddr,
		fromName: fromName,
	}
}

// Name returns the provider name.
func (r *ResendProvider) Name() string {
	return "resend"
}

// Send sends an email via Resend. The client has no context support, so ctx is checked before the call.
func (r *ResendProvider) Send(ctx context.Context, msg *Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	from := r.fromAddr
	if r.fromName != "" {
		from = fmt.Sprintf("%s <%s>", sanitizeEmailHeader(r.fromName), r.fromAddr)
	}
	request := &resend.SendEmailRequest{
		From:    from,
		To:      []string{msg.To},
		Subject: sanitizeEmailHeader(msg.Subject),
		Html:    msg.HTML,
		Text:    msg.Text,
	}

	r.logger.Info("Resend API request starting", "endpoint", "emails")
	startTime := time.Now()
	sent, err := r.client.Emails.Send(request)
	duration := time.Since(startTime)
	if err != nil {
		r.logger.Warn("Resend API request failed", "duration_ms", duration.Milliseconds(), "error", err)
		// The client returns plain errors; classification falls back to message text.
		return "", &lead.SendError{Channel: lead.ChannelEmail, Provider: "resend", Err: err, Terminal: lead.IsTerminal(err)}
	}

	r.logger.Info("Resend API request completed",
		"endpoint", "emails",
		"message_id", sent.Id,
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return sent.Id, nil
}
