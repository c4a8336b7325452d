// Package main runs the lead scoring service: it scores website visitor sessions
// and alerts the business over SMS and email when a hot lead shows up.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"

	"lead-notifier/audit"
	"lead-notifier/config"
	"lead-notifier/email"
	"lead-notifier/metrics"
	"lead-notifier/notify"
	"lead-notifier/pkg/lead"
	"lead-notifier/ratelimit"
	"lead-notifier/retryqueue"
	"lead-notifier/scoring"
	"lead-notifier/server"
	"lead-notifier/sms"
	"lead-notifier/storage"
	"lead-notifier/store"
	"lead-notifier/tracker"
)

const (
	shutdownTimeout   = 10 * time.Second
	dispatchDrain     = 15 * time.Second
	purgeInterval     = time.Hour
	retentionInterval = 24 * time.Hour
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))
	slog.SetDefault(logger)

	warnings := cfg.Validate(logger)
	logger.Info("Configuration loaded", "warnings", len(warnings), "email_provider", cfg.EmailProvider)

	metrics.Init()

	st := openStore(ctx, cfg, logger)
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	sink, closeSink := openAuditSink(ctx, cfg, logger)
	defer closeSink()

	auditLog := audit.New(&audit.Config{
		Sink:       sink,
		IsNotFound: storage.IsNotFound,
		Logger:     logger,
	})

	limiter := ratelimit.New(&ratelimit.Config{
		Limits: map[lead.Channel]ratelimit.Limits{
			lead.ChannelSMS:   {PerHour: cfg.SMSPerHour, PerDay: cfg.SMSPerDay},
			lead.ChannelEmail: {PerHour: cfg.EmailPerHour, PerDay: cfg.EmailPerDay},
		},
		Logger: logger,
	})

	retries := retryqueue.New(&retryqueue.Config{
		Logger:     logger,
		MaxRetries: cfg.RetryAttempts,
		BaseDelay:  time.Duration(cfg.RetryDelayMS) * time.Millisecond,
	})

	dispatcher := notify.New(&notify.Config{
		SMS:      newSMSProvider(cfg, logger),
		Email:    newEmailProvider(ctx, cfg, logger),
		Limiter:  limiter,
		Retries:  retries,
		Audit:    auditLog,
		Logger:   logger,
		Location: cfg.Location(),
		Tiers: notify.DefaultTiers(notify.Recipients{
			EmergencyPhones:    cfg.EmergencyPhones,
			EmergencyEmails:    cfg.EmergencyEmails,
			HighPriorityPhones: cfg.HighPriorityPhones,
			HighPriorityEmails: cfg.HighPriorityEmails,
			StandardEmails:     cfg.StandardEmails,
		}),
		DashboardURL: cfg.DashboardURL,
		DigestEmails: digestRecipients(cfg),
		DigestHour:   cfg.DigestHour,
		Enabled:      cfg.NotificationsEnabled,
	})

	engine := scoring.New(cfg.Location())
	svc := tracker.New(&tracker.Config{
		Store:   st,
		Alerter: dispatcher,
		Engine:  engine,
		Logger:  logger,
		IPSalt:  cfg.IPSalt,
	})

	srv := server.New(&server.Config{
		Tracker:              svc,
		Store:                st,
		Audit:                auditLog,
		Limiter:              limiter,
		Retries:              retries,
		Tester:               dispatcher,
		Logger:               logger,
		Location:             cfg.Location(),
		TestToken:            cfg.TestToken,
		CORSOrigins:          cfg.CORSOrigins,
		TrackPerMinute:       cfg.TrackRatePerMinute,
		NotificationsEnabled: cfg.NotificationsEnabled,
	})

	loopCtx, stopLoops := context.WithCancel(ctx)
	var loops sync.WaitGroup
	run := func(fn func(context.Context)) {
		loops.Add(1)
		go func() {
			defer loops.Done()
			fn(loopCtx)
		}()
	}
	run(limiter.Run)
	run(func(ctx context.Context) { retries.Run(ctx, dispatcher) })
	run(auditLog.Run)
	run(dispatcher.Digest().Run)
	run(func(ctx context.Context) { purgeSessions(ctx, st, logger) })
	run(func(ctx context.Context) { pruneAudit(ctx, auditLog, cfg.AuditRetentionDays, logger) })

	httpServer := server.HTTPServer(cfg.Port, srv.Handler())
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Port, "storage", st.Mode())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	select {
	case <-sigCtx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server failed", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	cancel()

	drainCtx, cancel := context.WithTimeout(context.Background(), dispatchDrain)
	if err := svc.Wait(drainCtx); err != nil {
		logger.Warn("In-flight alerts did not finish before shutdown", "error", err)
	}
	cancel()

	// Loops exit on cancel; the audit loop performs its final flush before returning.
	stopLoops()
	loops.Wait()

	logger.Info("Shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// openStore opens SQLite when DATABASE_URL is set. Any failure, now or later, falls back to memory.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) *store.Fallback {
	mem := store.NewMemory(cfg.QualifiedThreshold, nil)
	path := strings.TrimPrefix(cfg.DatabaseURL, "sqlite://")
	if path == "" {
		logger.Info("No DATABASE_URL set, using in-memory storage")
		return store.NewFallback(nil, mem, logger)
	}
	db, err := store.OpenSQLite(ctx, path, cfg.QualifiedThreshold, logger, nil)
	if err != nil {
		logger.Warn("Failed to open database, using in-memory storage", "path", path, "error", err)
		return store.NewFallback(nil, mem, logger)
	}
	return store.NewFallback(db, mem, logger)
}

// openAuditSink returns the Cloud Storage sink when AUDIT_BUCKET is set, otherwise a local directory.
func openAuditSink(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Store, func()) {
	if cfg.AuditBucket != "" {
		client, err := gcs.NewClient(ctx)
		if err == nil {
			logger.Info("Writing audit log to Cloud Storage", "bucket", cfg.AuditBucket)
			return storage.New(client, cfg.AuditBucket, "", logger), func() {
				if err := client.Close(); err != nil {
					logger.Warn("Failed to close storage client", "error", err)
				}
			}
		}
		logger.Warn("Failed to initialize Storage client, writing audit log locally", "error", err)
	}
	if err := os.MkdirAll(cfg.AuditLogDir, 0o755); err != nil {
		logger.Error("Failed to create audit log directory", "dir", cfg.AuditLogDir, "error", err)
		os.Exit(1)
	}
	logger.Info("Writing audit log locally", "dir", cfg.AuditLogDir)
	return storage.New(nil, "", cfg.AuditLogDir, logger), func() {}
}

// newSMSProvider returns nil without Twilio credentials, which disables the SMS channel.
// SMS_PROVIDER=mock selects the logging mock.
func newSMSProvider(cfg *config.Config, logger *slog.Logger) sms.Provider {
	if strings.EqualFold(cfg.SMSProvider, config.ProviderMock) {
		logger.Info("Mock SMS mode enabled")
		return sms.NewMockProvider(logger)
	}
	if !cfg.SMSConfigured() {
		logger.Warn("SMS disabled (no Twilio credentials)")
		return nil
	}
	return sms.NewTwilioProvider(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioPhoneNumber, cfg.TwilioMessagingServiceSID, logger)
}

// newEmailProvider builds the provider named by EMAIL_PROVIDER. It returns nil, disabling the
// email channel, when that provider is unusable. EMAIL_PROVIDER=mock selects the logging mock.
func newEmailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) email.Provider {
	name := strings.ToLower(cfg.EmailProvider)
	if name == config.ProviderMock {
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger)
	}
	if !cfg.EmailConfigured() {
		logger.Warn("Email disabled (provider not configured)", "provider", cfg.EmailProvider)
		return nil
	}

	switch name {
	case config.ProviderSES:
		p, err := email.NewSESProvider(ctx, cfg.AWSRegion, cfg.EmailFrom, logger)
		if err != nil {
			logger.Warn("Failed to initialize SES, email disabled", "error", err)
			return nil
		}
		return p
	case config.ProviderResend:
		return email.NewResendProvider(cfg.ResendAPIKey, cfg.EmailFrom, cfg.EmailFromName, logger)
	case config.ProviderSendGrid:
		return email.NewSendGridProvider(cfg.SendGridAPIKey, cfg.EmailFrom, cfg.EmailFromName, logger)
	case config.ProviderBrevo:
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.EmailFrom, cfg.EmailFromName, logger)
	case config.ProviderGmail:
		svc, err := email.NewGmailService(ctx, cfg.GoogleCredsJSON)
		if err != nil {
			logger.Warn("Failed to initialize Gmail service, email disabled", "error", err)
			return nil
		}
		return email.NewGmailProvider(svc, logger)
	default:
		return nil
	}
}
// digestRecipients falls back to the standard list when no digest list is configured.
func digestRecipients(cfg *config.Config) []string {
	if len(cfg.DigestEmails) > 0 {
		return cfg.DigestEmails
	}
	return cfg.StandardEmails
}

func purgeSessions(ctx context.Context, st store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := st.PurgeExpired(ctx, now)
			if err != nil {
				logger.Warn("Failed to purge expired sessions", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("Purged expired sessions", "count", n)
			}
		}
	}
}

func pruneAudit(ctx context.Context, l *audit.Logger, days int, logger *slog.Logger) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Cleanup(ctx, days)
			if err != nil {
				logger.Warn("Failed to prune audit log", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("Pruned audit log files", "count", n, "days_kept", days)
			}
		}
	}
}
