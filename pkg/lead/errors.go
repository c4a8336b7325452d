package lead

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrThrottled means the recipient's rate limit refused the send. Nothing was transmitted.
	ErrThrottled = errors.New("recipient rate limited")
	// ErrChannelUnavailable means no provider is configured for the channel.
	ErrChannelUnavailable = errors.New("channel not configured")
)

// SendError is a delivery failure reported by a channel provider.
type SendError struct {
	Err      error
	Channel  Channel
	Provider string
	Code     string // provider error code, if any
	Status   int    // HTTP status, if any
	Terminal bool   // retrying cannot succeed (verification or address problems)
}

func (e *SendError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s send failed", e.Provider, e.Channel)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// TerminalStatus reports whether an HTTP status from a provider API means the request will never succeed.
func TerminalStatus(status int) bool {
	switch status {
	case 400, 401, 403, 404, 422:
		return true
	default:
		return false
	}
}

var terminalHints = []string{
	"not verified",
	"unverified",
	"verification",
	"invalid 'to'",
	"invalid phone",
	"invalid email",
	"malformed",
}

// IsTerminal reports whether err is a delivery error that must not be retried.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var se *SendError
	if errors.As(err, &se) && se.Terminal {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, h := range terminalHints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}
