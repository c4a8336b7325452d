package email

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// MockProvider is a mock email provider for local development.
type MockProvider struct {
	logger *slog.Logger
	sent   atomic.Int64
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Name returns the provider name.
func (m *MockProvider) Name() string {
	return "mock"
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(ctx context.Context, msg *Message) (string, error) {
	n := m.sent.Add(1)
	m.logger.Info("MOCK EMAIL",
		"subject", msg.Subject,
		"body_length", len(msg.HTML),
		"text_length", len(msg.Text))
	return fmt.Sprintf("mock-email-%d", n), nil
}
