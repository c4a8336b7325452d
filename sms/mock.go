package sms

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// MockProvider is a mock SMS provider for local development.
type MockProvider struct {
	logger *slog.Logger
	sent   atomic.Int64
}

// NewMockProvider creates a new mock SMS provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Name returns the provider name.
func (m *MockProvider) Name() string {
	return "mock"
}

// Send logs the message instead of sending it.
func (m *MockProvider) Send(ctx context.Context, to, body string) (string, error) {
	n := m.sent.Add(1)
	m.logger.Info("MOCK SMS", "body_length", len(body))
	return fmt.Sprintf("mock-sms-%d", n), nil
}
