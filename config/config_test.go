package config

import (
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if !cfg.NotificationsEnabled {
		t.Error("NotificationsEnabled = false, want true")
	}
	if cfg.SMSPerHour != 20 || cfg.SMSPerDay != 100 || cfg.EmailPerHour != 100 || cfg.EmailPerDay != 1000 {
		t.Errorf("rate limits = %d/%d %d/%d", cfg.SMSPerHour, cfg.SMSPerDay, cfg.EmailPerHour, cfg.EmailPerDay)
	}
	if cfg.QualifiedThreshold != 60 {
		t.Errorf("QualifiedThreshold = %d, want 60", cfg.QualifiedThreshold)
	}
	if cfg.AuditRetentionDays != 30 {
		t.Errorf("AuditRetentionDays = %d, want 30", cfg.AuditRetentionDays)
	}
	if !slices.Equal(cfg.CORSOrigins, []string{"*"}) {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoadLists(t *testing.T) {
	t.Setenv("EMERGENCY_PHONE_NUMBERS", "+14155552671,(201) 555-0123")
	t.Setenv("STANDARD_EMAILS", "office@example.com,owner@example.com")
	t.Setenv("NOTIFICATION_ENABLED", "false")
	t.Setenv("DIGEST_HOUR", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.EmergencyPhones) != 2 || len(cfg.StandardEmails) != 2 {
		t.Errorf("lists = %v %v", cfg.EmergencyPhones, cfg.StandardEmails)
	}
	if cfg.NotificationsEnabled {
		t.Error("NotificationsEnabled = true, want false")
	}
	if cfg.DigestHour != 7 {
		t.Errorf("DigestHour = %d, want 7", cfg.DigestHour)
	}
}

func TestLoadInvalidNumber(t *testing.T) {
	t.Setenv("TRACK_RATE_PER_MINUTE", "lots")
	if _, err := Load(); err == nil {
		t.Error("Load() error = nil, want parse failure")
	}
}

func TestValidateNormalisesRecipients(t *testing.T) {
	cfg := &Config{
		PhoneRegion:          "US",
		NotificationsEnabled: true,
		BusinessTimezone:     "America/New_York",
		DigestHour:           8,
		QualifiedThreshold:   60,
		IPSalt:               "s",
		EmergencyPhones:      []string{"(415) 555-2671", "+14155552671", "call me", " "},
		EmergencyEmails:      []string{"Owner@Example.com", "not-an-email"},
		HighPriorityEmails:   []string{"office@example.com"},
		StandardEmails:       []string{"office@example.com"},
		TwilioAccountSID:     "AC123",
		TwilioAuthToken:      "token",
		TwilioPhoneNumber:    "+12015550123",
		EmailProvider:        ProviderResend,
		EmailFrom:            "alerts@example.com",
		ResendAPIKey:         "re_123",
	}
	warnings := cfg.Validate(testLogger())

	if !slices.Equal(cfg.EmergencyPhones, []string{"+14155552671"}) {
		t.Errorf("EmergencyPhones = %v, want deduplicated E.164", cfg.EmergencyPhones)
	}
	if !slices.Equal(cfg.EmergencyEmails, []string{"owner@example.com"}) {
		t.Errorf("EmergencyEmails = %v", cfg.EmergencyEmails)
	}
	if len(warnings) != 2 {
		t.Errorf("Validate() = %d warnings %v, want 2 (bad phone, bad email)", len(warnings), warnings)
	}
	if cfg.Location().String() != "America/New_York" {
		t.Errorf("Location() = %v", cfg.Location())
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := &Config{
		BusinessTimezone:   "Mars/Olympus_Mons",
		DigestHour:         30,
		QualifiedThreshold: 60,
		EmailProvider:      ProviderSES,
	}
	warnings := cfg.Validate(testLogger())

	want := []string{
		"Notifications are disabled",
		"No recipients configured for immediate alerts",
		"No recipients configured for high priority alerts",
		"No recipients configured for standard alerts",
		"Twilio credentials missing",
		`Email provider "ses" is not configured`,
		"Unknown BUSINESS_TIMEZONE",
		"DIGEST_HOUR 30 out of range",
		"IP_SALT is empty",
	}
	for _, w := range want {
		if !slices.ContainsFunc(warnings, func(s string) bool { return strings.HasPrefix(s, w) }) {
			t.Errorf("Validate() missing warning %q in %v", w, warnings)
		}
	}
	if cfg.DigestHour != 8 {
		t.Errorf("DigestHour = %d, want reset to 8", cfg.DigestHour)
	}
	if cfg.Location() != time.UTC {
		t.Errorf("Location() = %v, want UTC", cfg.Location())
	}
}

func TestEmailConfigured(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"ses", Config{EmailProvider: "ses", EmailFrom: "a@b.c", AWSRegion: "us-east-1"}, true},
		{"ses without from", Config{EmailProvider: "ses", AWSRegion: "us-east-1"}, false},
		{"resend", Config{EmailProvider: "resend", EmailFrom: "a@b.c", ResendAPIKey: "k"}, true},
		{"sendgrid missing key", Config{EmailProvider: "sendgrid", EmailFrom: "a@b.c"}, false},
		{"brevo", Config{EmailProvider: "BREVO", EmailFrom: "a@b.c", BrevoAPIKey: "k"}, true},
		{"gmail", Config{EmailProvider: "gmail", GoogleCredsJSON: "{}"}, true},
		{"mock", Config{EmailProvider: "mock"}, false},
	}
	for _, tt := range tests {
		if got := tt.cfg.EmailConfigured(); got != tt.want {
			t.Errorf("%s: EmailConfigured() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		c := &Config{LogLevel: in}
		if got := c.Level(); got != want {
			t.Errorf("Level(%q) = %v, want %v", in, got, want)
		}
	}
}
