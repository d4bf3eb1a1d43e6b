package email

import (
	"context"
	"log/slog"
	"sync"
)

// SentEmail is one message accepted by the MockProvider.
type SentEmail struct {
	To      string
	Subject string
	Body    string
}

// MockProvider is a mock email provider for local development.
type MockProvider struct {
	logger *slog.Logger
	sent   []SentEmail
	mu     sync.Mutex
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	m.sent = append(m.sent, SentEmail{To: to, Subject: subject, Body: body})
	m.mu.Unlock()

	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(body))
	return nil
}

// Sent returns a copy of every accepted email.
func (m *MockProvider) Sent() []SentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentEmail(nil), m.sent...)
}
