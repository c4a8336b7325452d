// Package email sends notification emails via multiple providers.
package email

import (
	"context"
	"fmt"
	"strings"

	"lead-notifier/pkg/lead"
)

// Message is one email to one recipient.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string // plain-text alternative, optional
}

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends the message and returns the provider message id, if any.
	Send(ctx context.Context, msg *Message) (string, error)
	Name() string
}

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
// RFC 5322 headers are newline-delimited, so any newline in a header value allows an
// attacker to inject arbitrary headers or body content.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		// Allow only printable characters (space through ~) and valid UTF-8
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// statusError converts a non-2xx API response into a delivery error.
func statusError(provider string, status int, body string) error {
	return &lead.SendError{
		Channel:  lead.ChannelEmail,
		Provider: provider,
		Status:   status,
		Terminal: lead.TerminalStatus(status),
		Err:      fmt.Errorf("%s", strings.TrimSpace(body)),
	}
}

// transportError wraps a network-level failure, which is always worth retrying.
func transportError(provider string, err error) error {
	return &lead.SendError{
		Channel:  lead.ChannelEmail,
		Provider: provider,
		Err:      err,
	}
}
