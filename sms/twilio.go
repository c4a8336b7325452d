package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"lead-notifier/pkg/lead"
)

// Twilio error codes that will not succeed on retry.
var terminalCodes = map[int]bool{
	21211: true, // invalid 'To' number
	21408: true, // region not enabled
	21608: true, // unverified number on a trial account
	21610: true, // recipient unsubscribed
	21614: true, // not a mobile number
}

// TwilioProvider sends SMS via the Twilio REST API.
type TwilioProvider struct {
	client              *twilio.RestClient
	logger              *slog.Logger
	fromNumber          string
	messagingServiceSID string
}

// NewTwilioProvider creates a Twilio provider. If messagingServiceSID is set it is used instead of fromNumber.
func NewTwilioProvider(accountSID, authToken, fromNumber, messagingServiceSID string, logger *slog.Logger) *TwilioProvider {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioProvider{
		client:              client,
		logger:              logger,
		fromNumber:          fromNumber,
		messagingServiceSID: messagingServiceSID,
	}
}

// Name returns the provider name.
func (t *TwilioProvider) Name() string {
	return "twilio"
}

// Send sends an SMS. The SDK call does not take a context, so ctx is only checked before sending.
func (t *TwilioProvider) Send(ctx context.Context, to, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &api.CreateMessageParams{}
	params.SetBody(body)
	params.SetTo(to)
	if t.messagingServiceSID != "" {
		params.SetMessagingServiceSid(t.messagingServiceSID)
	} else {
		params.SetFrom(t.fromNumber)
	}

	t.logger.Info("Twilio API request starting", "endpoint", "Messages", "body_length", len(body))
	startTime := time.Now()
	resp, err := t.client.Api.CreateMessage(params)
	duration := time.Since(startTime)
	if err != nil {
		t.logger.Warn("Twilio API request failed", "duration_ms", duration.Milliseconds(), "error", err)
		return "", classifyTwilio(err)
	}

	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	t.logger.Info("Twilio API request completed",
		"endpoint", "Messages",
		"sid", sid,
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return sid, nil
}

func classifyTwilio(err error) error {
	se := &lead.SendError{Channel: lead.ChannelSMS, Provider: "twilio", Err: err}

	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		se.Code = strconv.Itoa(restErr.Code)
		se.Status = restErr.Status
		switch {
		case terminalCodes[restErr.Code]:
			se.Terminal = true
		case restErr.Status == 429 || restErr.Code == 20429:
			se.Terminal = false
		case restErr.Status >= 500:
			se.Terminal = false
		default:
			se.Terminal = lead.TerminalStatus(restErr.Status)
		}
		return se
	}

	return fmt.Errorf("twilio send: %w", se)
}
