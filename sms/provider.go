// Package sms sends text-message notifications.
package sms

import (
	"context"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Provider sends one SMS and returns the provider message id.
type Provider interface {
	Send(ctx context.Context, to, body string) (string, error)
	Name() string
}

// Normalize parses a phone number and returns it in E.164 form.
// Numbers without a leading + are parsed with defaultRegion (for example "US").
func Normalize(num, defaultRegion string) (string, error) {
	num = strings.TrimSpace(num)
	if num == "" {
		return "", fmt.Errorf("missing number")
	}
	region := defaultRegion
	if strings.HasPrefix(num, "+") {
		region = ""
	}

	parsed, err := phonenumbers.Parse(num, region)
	if err != nil {
		return "", fmt.Errorf("parse phone number: %w", err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("invalid phone number %q", num)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
