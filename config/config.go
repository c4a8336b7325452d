// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"lead-notifier/sms"
)

// Email provider names accepted by EMAIL_PROVIDER.
const (
	ProviderSES      = "ses"
	ProviderResend   = "resend"
	ProviderSendGrid = "sendgrid"
	ProviderBrevo    = "brevo"
	ProviderGmail    = "gmail"
	ProviderMock     = "mock"
)

// Config is every recognised setting. Lists are comma separated.
type Config struct {
	// Server
	Port               string   `envconfig:"PORT" default:"8080"`
	LogLevel           string   `envconfig:"LOG_LEVEL" default:"info"`
	CORSOrigins        []string `envconfig:"CORS_ORIGINS" default:"*"`
	TrackRatePerMinute int      `envconfig:"TRACK_RATE_PER_MINUTE" default:"100"`
	IPSalt             string   `envconfig:"IP_SALT"`
	DashboardURL       string   `envconfig:"DASHBOARD_URL" default:"http://localhost:3000/dashboard"`

	// Notifications
	NotificationsEnabled bool   `envconfig:"NOTIFICATION_ENABLED" default:"true"`
	TestToken            string `envconfig:"NOTIFICATION_TEST_TOKEN"`
	RetryAttempts        int    `envconfig:"NOTIFICATION_RETRY_ATTEMPTS" default:"3"`
	RetryDelayMS         int    `envconfig:"NOTIFICATION_RETRY_DELAY_MS" default:"1000"`

	SMSPerHour   int `envconfig:"SMS_RATE_LIMIT_PER_HOUR" default:"20"`
	SMSPerDay    int `envconfig:"SMS_RATE_LIMIT_PER_DAY" default:"100"`
	EmailPerHour int `envconfig:"EMAIL_RATE_LIMIT_PER_HOUR" default:"100"`
	EmailPerDay  int `envconfig:"EMAIL_RATE_LIMIT_PER_DAY" default:"1000"`

	// Recipients
	EmergencyPhones    []string `envconfig:"EMERGENCY_PHONE_NUMBERS"`
	EmergencyEmails    []string `envconfig:"EMERGENCY_EMAILS"`
	HighPriorityPhones []string `envconfig:"HIGH_PRIORITY_PHONE_NUMBERS"`
	HighPriorityEmails []string `envconfig:"HIGH_PRIORITY_EMAILS"`
	StandardEmails     []string `envconfig:"STANDARD_EMAILS"`
	DigestEmails       []string `envconfig:"DIGEST_EMAILS"`
	DigestHour         int      `envconfig:"DIGEST_HOUR" default:"8"`
	PhoneRegion        string   `envconfig:"PHONE_REGION" default:"US"`

	// Scoring
	QualifiedThreshold int    `envconfig:"QUALIFIED_LEAD_THRESHOLD" default:"60"`
	BusinessTimezone   string `envconfig:"BUSINESS_TIMEZONE" default:"America/New_York"`

	// SMS
	SMSProvider               string `envconfig:"SMS_PROVIDER" default:"twilio"`
	TwilioAccountSID          string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken           string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioPhoneNumber         string `envconfig:"TWILIO_PHONE_NUMBER"`
	TwilioMessagingServiceSID string `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`

	// Email
	EmailProvider   string `envconfig:"EMAIL_PROVIDER" default:"ses"`
	EmailFrom       string `envconfig:"EMAIL_FROM"`
	EmailFromName   string `envconfig:"EMAIL_FROM_NAME" default:"Lead Alerts"`
	AWSRegion       string `envconfig:"AWS_REGION" default:"us-east-1"`
	ResendAPIKey    string `envconfig:"RESEND_API_KEY"`
	SendGridAPIKey  string `envconfig:"SENDGRID_API_KEY"`
	BrevoAPIKey     string `envconfig:"BREVO_API_KEY"`
	GoogleCredsJSON string `envconfig:"GOOGLE_CREDENTIALS_JSON"`

	// Storage
	DatabaseURL        string `envconfig:"DATABASE_URL"`
	AuditLogDir        string `envconfig:"AUDIT_LOG_DIR" default:"./logs/notifications"`
	AuditBucket        string `envconfig:"AUDIT_BUCKET"`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"30"`

	location *time.Location
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	return &cfg, nil
}

// Validate normalises recipients and returns a warning for every setting that will degrade
// the service. Each warning is also logged. Invalid phone numbers are dropped.
func (c *Config) Validate(logger *slog.Logger) []string {
	var warnings []string
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		warnings = append(warnings, msg)
		logger.Warn(msg)
	}

	if !c.NotificationsEnabled {
		warn("Notifications are disabled (NOTIFICATION_ENABLED=false)")
	}

	c.EmergencyPhones = c.phones("EMERGENCY_PHONE_NUMBERS", c.EmergencyPhones, warn)
	c.HighPriorityPhones = c.phones("HIGH_PRIORITY_PHONE_NUMBERS", c.HighPriorityPhones, warn)
	c.EmergencyEmails = emails("EMERGENCY_EMAILS", c.EmergencyEmails, warn)
	c.HighPriorityEmails = emails("HIGH_PRIORITY_EMAILS", c.HighPriorityEmails, warn)
	c.StandardEmails = emails("STANDARD_EMAILS", c.StandardEmails, warn)
	c.DigestEmails = emails("DIGEST_EMAILS", c.DigestEmails, warn)

	if len(c.EmergencyPhones)+len(c.EmergencyEmails) == 0 {
		warn("No recipients configured for immediate alerts")
	}
	if len(c.HighPriorityPhones)+len(c.HighPriorityEmails) == 0 {
		warn("No recipients configured for high priority alerts")
	}
	if len(c.StandardEmails) == 0 {
		warn("No recipients configured for standard alerts")
	}

	if !c.SMSConfigured() && !strings.EqualFold(c.SMSProvider, ProviderMock) {
		warn("Twilio credentials missing, SMS notifications will be skipped")
	}
	if !c.EmailConfigured() && !strings.EqualFold(c.EmailProvider, ProviderMock) {
		warn("Email provider %q is not configured, email notifications will be skipped", c.EmailProvider)
	}

	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		warn("Unknown BUSINESS_TIMEZONE %q, using UTC", c.BusinessTimezone)
		loc = time.UTC
	}
	c.location = loc

	if c.DigestHour < 0 || c.DigestHour > 23 {
		warn("DIGEST_HOUR %d out of range, using 8", c.DigestHour)
		c.DigestHour = 8
	}
	if c.QualifiedThreshold <= 0 || c.QualifiedThreshold > 100 {
		warn("QUALIFIED_LEAD_THRESHOLD %d out of range, using 60", c.QualifiedThreshold)
		c.QualifiedThreshold = 60
	}
	if c.IPSalt == "" {
		warn("IP_SALT is empty, visitor IP hashes are unsalted")
	}
	return warnings
}

// Location is the business time zone. It is UTC until Validate has run.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Level maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SMSConfigured reports whether Twilio can send.
func (c *Config) SMSConfigured() bool {
	if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" {
		return false
	}
	return c.TwilioPhoneNumber != "" || c.TwilioMessagingServiceSID != ""
}

// EmailConfigured reports whether the selected email provider has its credentials.
func (c *Config) EmailConfigured() bool {
	switch strings.ToLower(c.EmailProvider) {
	case ProviderSES:
		return c.EmailFrom != "" && c.AWSRegion != ""
	case ProviderResend:
		return c.EmailFrom != "" && c.ResendAPIKey != ""
	case ProviderSendGrid:
		return c.EmailFrom != "" && c.SendGridAPIKey != ""
	case ProviderBrevo:
		return c.EmailFrom != "" && c.BrevoAPIKey != ""
	case ProviderGmail:
		return c.GoogleCredsJSON != ""
	default:
		return false
	}
}

func (c *Config) phones(key string, in []string, warn func(string, ...any)) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		num, err := sms.Normalize(raw, c.PhoneRegion)
		if err != nil {
			warn("Dropping invalid phone number in %s: %v", key, err)
			continue
		}
		if !seen[num] {
			seen[num] = true
			out = append(out, num)
		}
	}
	return out
}

func emails(key string, in []string, warn func(string, ...any)) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			warn("Dropping invalid email address in %s: %q", key, raw)
			continue
		}
		a := strings.ToLower(addr.Address)
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}
