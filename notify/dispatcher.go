// Package notify fans scored leads out to SMS and email recipients.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"lead-notifier/audit"
	"lead-notifier/email"
	"lead-notifier/metrics"
	"lead-notifier/pkg/lead"
	"lead-notifier/scoring"
	"lead-notifier/sms"
)

// Delivery outcomes reported per recipient.
const (
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusThrottled = "throttled"
	StatusSkipped   = "skipped" // no provider configured for the channel
)

var (
	// ErrUnknownTier is returned when a lead carries a tier outside the known set.
	ErrUnknownTier = errors.New("unknown alert tier")
	// ErrUnknownChannel is returned by SendTest for a channel other than sms or email.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNoRecipients is returned by SendTest when nothing is configured to receive the message.
	ErrNoRecipients = errors.New("no recipients configured")
)

// contactFields are client form fields the email templates show; missing ones render as N/A.
var contactFields = []string{"name", "phone", "email", "property_type", "location", "urgency", "preferred_contact", "problem"}

// RateLimiter decides whether a recipient may be messaged. Reserve counts the send when it
// allows it; Release gives the reservation back after a failed send.
type RateLimiter interface {
	Reserve(ch lead.Channel, recipient string) bool
	Release(ch lead.Channel, recipient string)
}

// RetryQueue schedules failed notifications for redelivery.
type RetryQueue interface {
	Add(n *lead.Notification, attempt int, lastErr error) bool
}

// AuditLog records notification attempts.
type AuditLog interface {
	Log(ctx context.Context, e audit.Entry) audit.Entry
}

// Lead is a scored session ready for alerting.
type Lead struct {
	SessionData map[string]any // client-supplied fields, passed through to templates
	Insights    scoring.Insights
	Metadata    lead.Metadata
	ID          string
	PageURL     string
	Referrer    string
	DeviceType  string
	Tier        lead.Tier
	Factors     []string
	Breakdown   lead.Breakdown
	Score       int
	PageViews   int
}

// Route sends one template to a list of recipients on one channel.
type Route struct {
	Channel    lead.Channel
	Template   string
	Recipients []string
}

// TierConfig describes what happens to leads of one tier.
type TierConfig struct {
	Routes []Route
	Digest bool // collect for the daily digest instead of sending
}

// Recipients are the configured recipient lists per tier.
type Recipients struct {
	EmergencyPhones    []string
	EmergencyEmails    []string
	HighPriorityPhones []string
	HighPriorityEmails []string
	StandardEmails     []string
	DigestEmails       []string
}

// DefaultTiers builds the standard tier routing for the given recipients.
func DefaultTiers(r Recipients) map[lead.Tier]TierConfig {
	return map[lead.Tier]TierConfig{
		lead.TierImmediate: {Routes: []Route{
			{Channel: lead.ChannelSMS, Template: "immediate-alert-sms", Recipients: r.EmergencyPhones},
			{Channel: lead.ChannelEmail, Template: "immediate-alert-email", Recipients: r.EmergencyEmails},
		}},
		lead.TierHighPriority: {Routes: []Route{
			{Channel: lead.ChannelSMS, Template: "high-priority-sms", Recipients: r.HighPriorityPhones},
			{Channel: lead.ChannelEmail, Template: "high-priority-email", Recipients: r.HighPriorityEmails},
		}},
		lead.TierStandard: {Routes: []Route{
			{Channel: lead.ChannelEmail, Template: "standard-alert-email", Recipients: r.StandardEmails},
		}},
		lead.TierBatch: {Digest: true},
		lead.TierNone:  {},
	}
}

// ChannelResult is the outcome for one recipient.
type ChannelResult struct {
	Channel   lead.Channel `json:"channel"`
	Recipient string       `json:"recipient"` // masked
	Status    string       `json:"status"`
	MessageID string       `json:"message_id,omitempty"`
	Error     string       `json:"error,omitempty"`
	Retrying  bool         `json:"retrying,omitempty"`
}

// Summary counts outcomes across all recipients of one alert.
type Summary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Throttled  int `json:"throttled"`
	Skipped    int `json:"skipped"`
}

// Result is the outcome of one alert. Success means at least one send went out.
type Result struct {
	Results  []ChannelResult `json:"results"`
	Summary  Summary         `json:"summary"`
	Success  bool            `json:"success"`
	Digested bool            `json:"digested,omitempty"`
}

// Config holds dispatcher configuration.
type Config struct {
	SMS          sms.Provider
	Email        email.Provider
	Limiter      RateLimiter
	Retries      RetryQueue
	Audit        AuditLog
	Logger       *slog.Logger
	Now          func() time.Time
	Location     *time.Location
	Tiers        map[lead.Tier]TierConfig
	DashboardURL string
	DigestEmails []string
	DigestHour   int
	Enabled      bool
}

// Dispatcher sends alerts for scored leads.
type Dispatcher struct {
	sms          sms.Provider
	email        email.Provider
	limiter      RateLimiter
	retries      RetryQueue
	audit        AuditLog
	logger       *slog.Logger
	now          func() time.Time
	loc          *time.Location
	tiers        map[lead.Tier]TierConfig
	digest       *Digest
	dashboardURL string
	enabled      bool
}

// New creates a dispatcher. A nil provider disables its channel: sends to it are skipped,
// neither audited nor counted against rate limits.
func New(cfg *Config) *Dispatcher {
	d := &Dispatcher{
		sms:          cfg.SMS,
		email:        cfg.Email,
		limiter:      cfg.Limiter,
		retries:      cfg.Retries,
		audit:        cfg.Audit,
		logger:       cfg.Logger,
		now:          cfg.Now,
		loc:          cfg.Location,
		tiers:        cfg.Tiers,
		dashboardURL: cfg.DashboardURL,
		enabled:      cfg.Enabled,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.loc == nil {
		d.loc = time.UTC
	}
	if d.sms == nil {
		d.logger.Warn("SMS channel not configured, SMS notifications will be skipped")
	}
	if d.email == nil {
		d.logger.Warn("Email channel not configured, email notifications will be skipped")
	}
	if d.tiers == nil {
		d.tiers = DefaultTiers(Recipients{})
	}
	d.digest = newDigest(d, cfg.DigestEmails, cfg.DigestHour)
	return d
}

// Digest returns the batch-tier digest owned by the dispatcher.
func (d *Dispatcher) Digest() *Digest {
	return d.digest
}

// SendAlert delivers l to every recipient configured for its tier, in parallel.
// Partial failures are reported in the result; the error is reserved for an unknown tier.
func (d *Dispatcher) SendAlert(ctx context.Context, l *Lead) (Result, error) {
	if !l.Tier.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTier, l.Tier)
	}
	cfg := d.tiers[l.Tier]
	if !d.enabled {
		d.logger.Info("Notifications disabled, skipping alert", "lead_id", l.ID, "tier", l.Tier)
		return Result{}, nil
	}
	if cfg.Digest {
		d.digest.Add(l)
		return Result{Digested: true}, nil
	}

	if len(cfg.Routes) == 0 {
		return Result{}, nil
	}

	data := d.templateData(l)
	var batch []*lead.Notification
	for _, r := range cfg.Routes {
		for _, rcpt := range r.Recipients {
			batch = append(batch, &lead.Notification{
				LeadID:    l.ID,
				Channel:   r.Channel,
				Recipient: rcpt,
				Template:  r.Template,
				Tier:      l.Tier,
				Score:     l.Score,
				Data:      data,
				Metadata:  l.Metadata,
			})
		}
	}
	if len(batch) == 0 {
		d.logger.Warn("No recipients configured for tier", "lead_id", l.ID, "tier", l.Tier)
		return Result{}, nil
	}

	res := d.dispatch(ctx, batch)
	d.logger.Info("Alert dispatched",
		"lead_id", l.ID,
		"tier", l.Tier,
		"score", l.Score,
		"total", res.Summary.Total,
		"successful", res.Summary.Successful,
		"failed", res.Summary.Failed,
		"throttled", res.Summary.Throttled,
		"skipped", res.Summary.Skipped)
	return res, nil
}

// SendTest sends a synthetic lead through the normal delivery path using the test templates.
// An empty channel tests both. Recipients are the immediate-tier lists.
func (d *Dispatcher) SendTest(ctx context.Context, ch lead.Channel, score int) (Result, error) {
	if ch != "" && ch != lead.ChannelSMS && ch != lead.ChannelEmail {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
	}

	l := &Lead{
		ID:        "test-" + ulid.Make().String(),
		Score:     score,
		Tier:      lead.TierForScore(score),
		PageURL:   d.dashboardURL,
		Factors:   []string{"Test notification"},
		PageViews: 1,
	}
	data := d.templateData(l)

	var batch []*lead.Notification
	for _, r := range d.tiers[lead.TierImmediate].Routes {
		if ch != "" && r.Channel != ch {
			continue
		}
		tmpl := "test-email"
		if r.Channel == lead.ChannelSMS {
			tmpl = "test-sms"
		}
		for _, rcpt := range r.Recipients {
			batch = append(batch, &lead.Notification{
				LeadID:    l.ID,
				Channel:   r.Channel,
				Recipient: rcpt,
				Template:  tmpl,
				Tier:      l.Tier,
				Score:     score,
				Data:      data,
			})
		}
	}
	if len(batch) == 0 {
		return Result{}, ErrNoRecipients
	}

	d.logger.Info("Sending test notification", "lead_id", l.ID, "channel", ch, "recipients", len(batch))
	return d.dispatch(ctx, batch), nil
}

// Redeliver retries one queued notification. Failures return a classified error so the queue can
// tell terminal from transient; sends that never went out return lead.ErrThrottled or
// lead.ErrChannelUnavailable.
func (d *Dispatcher) Redeliver(ctx context.Context, n *lead.Notification, attempt int) error {
	res, err := d.deliver(ctx, n, attempt)
	if err != nil {
		return err
	}
	switch res.Status {
	case StatusThrottled:
		return lead.ErrThrottled
	case StatusSkipped:
		return lead.ErrChannelUnavailable
	}
	return nil
}

// dispatch sends every notification concurrently and waits for all of them.
func (d *Dispatcher) dispatch(ctx context.Context, batch []*lead.Notification) Result {
	results := make([]ChannelResult, len(batch))
	var wg sync.WaitGroup
	for i, n := range batch {
		wg.Add(1)
		go func(i int, n *lead.Notification) {
			defer wg.Done()
			res, err := d.deliver(ctx, n, 1)
			if err != nil {
				res.Retrying = d.handleFailure(n, err)
			}
			results[i] = res
		}(i, n)
	}
	wg.Wait()

	out := Result{Results: results}
	out.Summary.Total = len(results)
	for _, r := range results {
		switch r.Status {
		case StatusSent:
			out.Summary.Successful++
		case StatusThrottled:
			out.Summary.Throttled++
		case StatusSkipped:
			out.Summary.Skipped++
		default:
			out.Summary.Failed++
		}
	}
	out.Success = out.Summary.Successful > 0
	return out
}

// handleFailure queues transient failures and reports whether the notification will be retried.
func (d *Dispatcher) handleFailure(n *lead.Notification, err error) bool {
	if lead.IsTerminal(err) {
		d.logger.Error("Notification failed with terminal error, not retrying",
			"lead_id", n.LeadID,
			"channel", n.Channel,
			"recipient", audit.Mask(n.Recipient),
			"error", err,
			"action_required", actionRequired(err))
		metrics.NotificationDroppedTotal.WithLabelValues("terminal", string(n.Channel)).Inc()
		return false
	}
	if d.retries == nil {
		return false
	}
	return d.retries.Add(n, 1, err)
}

// deliver runs one attempt: channel check, rate reservation, render, send, audit.
func (d *Dispatcher) deliver(ctx context.Context, n *lead.Notification, attempt int) (ChannelResult, error) {
	res := ChannelResult{Channel: n.Channel, Recipient: audit.Mask(n.Recipient)}
	provider := d.providerName(n.Channel)

	if !d.configured(n.Channel) {
		d.logger.Info("Channel not configured, skipping notification",
			"lead_id", n.LeadID,
			"channel", n.Channel,
			"recipient", res.Recipient)
		metrics.NotificationsAttemptedTotal.WithLabelValues(string(n.Channel), StatusSkipped, provider).Inc()
		res.Status = StatusSkipped
		return res, nil
	}

	if d.limiter != nil && !d.limiter.Reserve(n.Channel, n.Recipient) {
		d.logger.Warn("Notification throttled",
			"lead_id", n.LeadID,
			"channel", n.Channel,
			"recipient", res.Recipient)
		metrics.NotificationsAttemptedTotal.WithLabelValues(string(n.Channel), StatusThrottled, provider).Inc()
		res.Status = StatusThrottled
		return res, nil
	}

	start := time.Now()
	id, err := d.transmit(ctx, n)
	metrics.NotificationSendDuration.WithLabelValues(provider, string(n.Channel)).Observe(time.Since(start).Seconds())

	entry := audit.Entry{
		LeadID:     n.LeadID,
		Score:      n.Score,
		AlertType:  n.Tier,
		Channel:    n.Channel,
		Recipient:  n.Recipient,
		MessageID:  id,
		RetryCount: attempt - 1,
		Metadata:   n.Metadata,
		Status:     audit.StatusSent,
	}
	if err != nil {
		entry.Status = audit.StatusFailed
		entry.Error = err.Error()
	}
	if d.audit != nil {
		d.audit.Log(ctx, entry)
	}

	if err != nil {
		if d.limiter != nil {
			d.limiter.Release(n.Channel, n.Recipient)
		}
		metrics.NotificationsAttemptedTotal.WithLabelValues(string(n.Channel), StatusFailed, provider).Inc()
		res.Status = StatusFailed
		res.Error = err.Error()
		return res, err
	}

	metrics.NotificationsAttemptedTotal.WithLabelValues(string(n.Channel), StatusSent, provider).Inc()
	res.Status = StatusSent
	res.MessageID = id
	return res, nil
}

// transmit renders n and hands it to the channel's provider.
func (d *Dispatcher) transmit(ctx context.Context, n *lead.Notification) (string, error) {
	switch n.Channel {
	case lead.ChannelSMS:
		return d.sms.Send(ctx, n.Recipient, renderSMS(n.Template, n.Data))
	case lead.ChannelEmail:
		subject, body, text, err := renderEmail(n.Template, n.Data)
		if err != nil {
			return "", &lead.SendError{Channel: n.Channel, Provider: d.email.Name(), Terminal: true, Err: err}
		}
		return d.email.Send(ctx, &email.Message{To: n.Recipient, Subject: subject, HTML: body, Text: text})
	default:
		return "", &lead.SendError{Channel: n.Channel, Terminal: true, Err: fmt.Errorf("%w: %q", ErrUnknownChannel, n.Channel)}
	}
}

func (d *Dispatcher) configured(ch lead.Channel) bool {
	switch ch {
	case lead.ChannelSMS:
		return d.sms != nil
	case lead.ChannelEmail:
		return d.email != nil
	default:
		// Unknown channels fail in transmit with a terminal error.
		return true
	}
}

func (d *Dispatcher) providerName(ch lead.Channel) string {
	switch {
	case ch == lead.ChannelSMS && d.sms != nil:
		return d.sms.Name()
	case ch == lead.ChannelEmail && d.email != nil:
		return d.email.Name()
	default:
		return "none"
	}
}

// templateData flattens a lead into the placeholder namespace shared by all templates.
func (d *Dispatcher) templateData(l *Lead) map[string]any {
	session := make(map[string]any, len(l.SessionData)+len(contactFields))
	for k, v := range l.SessionData {
		session[k] = v
	}
	for _, f := range contactFields {
		if v, ok := session[f]; !ok || v == nil || v == "" {
			session[f] = "N/A"
		}
	}

	phone := "Not provided"
	for _, k := range []string{"phone", "phoneNumber"} {
		if s, ok := l.SessionData[k].(string); ok && s != "" {
			phone = s
			break
		}
	}

	factors := l.Factors
	if len(factors) == 0 {
		factors = []string{"None"}
	}
	referrer := l.Referrer
	if referrer == "" {
		referrer = "Direct"
	}

	return map[string]any{
		"leadId":       l.ID,
		"score":        l.Score,
		"alertType":    string(l.Tier),
		"timestamp":    d.now().In(d.loc).Format(time.RFC3339),
		"pageName":     PageName(l.PageURL),
		"pageUrl":      LinkURL(l.PageURL),
		"phoneNumber":  phone,
		"dashboardUrl": d.dashboardURL,
		"factors":      factors,
		"breakdown": map[string]any{
			"behavior": l.Breakdown.Behavior,
			"time":     l.Breakdown.Time,
			"intent":   l.Breakdown.Intent,
		},
		"insights": map[string]any{
			"predictedService": l.Insights.PredictedService,
			"urgency":          l.Insights.Urgency,
			"estimatedValue": map[string]any{
				"min": l.Insights.EstimatedValue.Min,
				"max": l.Insights.EstimatedValue.Max,
			},
		},
		"sessionData":     session,
		"sessionDuration": l.Metadata.SessionDuration / 1000,
		"pageViews":       l.PageViews,
		"deviceType":      l.DeviceType,
		"referrer":        referrer,
	}
}

// actionRequired suggests what an operator should do about a terminal failure.
func actionRequired(err error) string {
	var se *lead.SendError
	if errors.As(err, &se) {
		switch se.Code {
		case "21608":
			return "verify the recipient number in the Twilio console or upgrade the account"
		case "21610":
			return "recipient has opted out; remove the number from the recipient list"
		case "MailFromDomainNotVerifiedException":
			return "verify the sender domain with the email provider"
		case "AccountSuspendedException", "SendingPausedException":
			return "email sending is paused for this account; contact the provider"
		}
		if se.Status == 401 || se.Status == 403 {
			return "check the provider credentials"
		}
	}
	return "check the recipient address and provider configuration"
}
