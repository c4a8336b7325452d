package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"lead-notifier/pkg/lead"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends emails via Brevo (formerly Sendinblue) API.
type BrevoProvider struct {
	apiKey   string
	fromAddr string
	fromName string
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		apiKey:   apiKey,
		fromAddr: fromAddr,
		fromName: fromName,
		endpoint: brevoEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// Name returns the provider name.
func (b *BrevoProvider) Name() string {
	return "brevo"
}

// brevoSendRequest represents the Brevo API send email request.
type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
	Text    string         `json:"textContent,omitempty"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoSendResponse struct {
	MessageID string `json:"messageId"`
}

// Send sends an email via Brevo API. Transient failures are retried once in place
// before the error is returned for classification.
func (b *BrevoProvider) Send(ctx context.Context, msg *Message) (string, error) {
	reqBody := brevoSendRequest{
		Sender: brevoContact{
			Email: b.fromAddr,
			Name:  b.fromName,
		},
		To: []brevoContact{
			{Email: msg.To},
		},
		Subject: sanitizeEmailHeader(msg.Subject),
		HTML:    msg.HTML,
		Text:    msg.Text,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var messageID string
	var lastErr error
	err = retry.Do(
		func() error {
			messageID, lastErr = b.post(ctx, jsonData)
			return lastErr
		},
		retry.Attempts(2),
		retry.Delay(time.Second),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return !lead.IsTerminal(err) }),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Brevo email send after error", "attempt", n, "error", err)
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

func (b *BrevoProvider) post(ctx context.Context, jsonData []byte) (string, error) {
	b.logger.Info("Brevo API request starting",
		"method", "POST",
		"endpoint", "smtp/email")

	startTime := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		b.logger.Warn("Brevo API request failed",
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return "", transportError("brevo", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", transportError("brevo", fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.logger.Warn("Brevo API returned non-2xx status",
			"status_code", resp.StatusCode,
			"duration_ms", duration.Milliseconds())
		return "", statusError("brevo", resp.StatusCode, string(body))
	}

	var out brevoSendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		b.logger.Warn("Failed to decode Brevo response", "error", err)
	}

	b.logger.Info("Brevo API request completed",
		"endpoint", "smtp/email",
		"message_id", out.MessageID,
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return out.MessageID, nil
}
