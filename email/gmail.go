package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"lead-notifier/pkg/lead"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
	}
}

// NewGmailService builds a Gmail API client from service account or OAuth credentials JSON.
func NewGmailService(ctx context.Context, credentialsJSON string) (*gmail.Service, error) {
	svc, err := gmail.NewService(ctx,
		option.WithCredentialsJSON([]byte(credentialsJSON)),
		option.WithScopes(gmail.GmailSendScope))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

// Name returns the provider name.
func (g *GmailProvider) Name() string {
	return "gmail"
}

const mimeBoundary = "lead-notifier-alt"

// buildMIME renders a multipart/alternative message. The From address is set
// by Gmail based on the authenticated account.
func buildMIME(msg *Message) string {
	to := sanitizeEmailHeader(msg.To)
	subject := sanitizeEmailHeader(msg.Subject)

	var b strings.Builder
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	if msg.Text == "" {
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(msg.HTML)
		return b.String()
	}

	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mimeBoundary)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", mimeBoundary, msg.Text)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/html; charset=utf-8\r\n\r\n%s\r\n", mimeBoundary, msg.HTML)
	fmt.Fprintf(&b, "--%s--\r\n", mimeBoundary)
	return b.String()
}

// Send sends an email via Gmail API.
func (g *GmailProvider) Send(ctx context.Context, msg *Message) (string, error) {
	encoded := base64.URLEncoding.EncodeToString([]byte(buildMIME(msg)))

	var messageID string
	var lastErr error
	err := retry.Do(
		func() error {
			messageID, lastErr = g.send(ctx, encoded)
			return lastErr
		},
		retry.Attempts(2),
		retry.Delay(time.Second),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return !lead.IsTerminal(err) }),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail email send after error", "attempt", n, "error", err)
		}),
	)
	if lastErr != nil {
		return "", lastErr
	}
	if err != nil {
		return "", err
	}
	return messageID, nil
}

func (g *GmailProvider) send(ctx context.Context, raw string) (string, error) {
	g.logger.Info("Gmail API request starting",
		"method", "POST",
		"endpoint", "users.messages.send")

	startTime := time.Now()
	sent, err := g.service.Users.Messages.Send("me", &gmail.Message{
		Raw: raw,
	}).Context(ctx).Do()
	duration := time.Since(startTime)

	if err != nil {
		g.logger.Warn("Gmail API send failed",
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return "", classifyGmail(err)
	}

	g.logger.Info("Gmail API request completed",
		"endpoint", "users.messages.send",
		"message_id", sent.Id,
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return sent.Id, nil
}

func classifyGmail(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &lead.SendError{
			Channel:  lead.ChannelEmail,
			Provider: "gmail",
			Status:   gerr.Code,
			Terminal: lead.TerminalStatus(gerr.Code),
			Err:      err,
		}
	}
	return transportError("gmail", err)
}
