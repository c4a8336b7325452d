// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lead-notifier/audit"
	"lead-notifier/notify"
	"lead-notifier/pkg/lead"
	"lead-notifier/ratelimit"
	"lead-notifier/retryqueue"
	"lead-notifier/store"
	"lead-notifier/tracker"
)

const version = "1.0.0"

// Tracker scores posted session snapshots.
type Tracker interface {
	Track(ctx context.Context, req *tracker.Request) (tracker.Response, error)
}

// AuditStats reports notification history.
type AuditStats interface {
	Stats(ctx context.Context, hours int) (audit.Stats, error)
}

// LimiterStats reports rate limiter usage.
type LimiterStats interface {
	Stats() ratelimit.Stats
}

// QueueStatus reports the retry queue.
type QueueStatus interface {
	Status() retryqueue.Status
}

// Tester sends synthetic notifications.
type Tester interface {
	SendTest(ctx context.Context, ch lead.Channel, score int) (notify.Result, error)
}

// Server handles HTTP requests.
type Server struct {
	tracker       Tracker
	store         store.Store
	audit         AuditStats
	limiter       LimiterStats
	retries       QueueStatus
	tester        Tester
	logger        *slog.Logger
	now           func() time.Time
	loc           *time.Location
	ipLimits      *ipLimiter
	testToken     string
	corsOrigins   []string
	notifications bool
}

// Config holds server configuration.
type Config struct {
	Tracker     Tracker
	Store       store.Store
	Audit       AuditStats
	Limiter     LimiterStats
	Retries     QueueStatus
	Tester      Tester
	Logger      *slog.Logger
	Now         func() time.Time
	Location    *time.Location // business time zone for dashboard buckets
	TestToken   string
	CORSOrigins []string
	// TrackPerMinute caps POST /track per client IP. Zero uses 100.
	TrackPerMinute       int
	NotificationsEnabled bool
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		tracker:       cfg.Tracker,
		store:         cfg.Store,
		audit:         cfg.Audit,
		limiter:       cfg.Limiter,
		retries:       cfg.Retries,
		tester:        cfg.Tester,
		logger:        cfg.Logger,
		now:           cfg.Now,
		loc:           cfg.Location,
		testToken:     cfg.TestToken,
		corsOrigins:   cfg.CORSOrigins,
		notifications: cfg.NotificationsEnabled,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	perMinute := cfg.TrackPerMinute
	if perMinute <= 0 {
		perMinute = 100
	}
	s.ipLimits = newIPLimiter(perMinute, s.now)
	return s
}

// Handler builds the gin engine with every route and middleware.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.CustomRecovery(s.recovery), s.requestLogger(), requestMetrics(), cors.New(s.corsConfig()))

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/track", s.ipLimits.middleware(), s.handleTrack)
	r.GET("/analytics/:sessionId", s.handleAnalytics)
	r.GET("/dashboard/stats", s.handleDashboard)

	n := r.Group("/notifications")
	{
		n.GET("/stats", s.handleNotificationStats)
		n.GET("/rate-limits", s.handleRateLimits)
		n.GET("/retry-queue", s.handleRetryQueue)
		n.POST("/test", s.requireTestToken(), s.handleTestNotification)
	}
	return r
}

func (s *Server) corsConfig() cors.Config {
	c := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:       24 * time.Hour,
	}
	for _, o := range s.corsOrigins {
		if o == "*" {
			c.AllowAllOrigins = true
			return c
		}
	}
	if len(s.corsOrigins) == 0 {
		c.AllowAllOrigins = true
		return c
	}
	c.AllowOrigins = s.corsOrigins
	return c
}

// HTTPServer wraps h with the timeouts used in production.
func HTTPServer(port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           h,
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      30 * time.Second,  // Time to write response
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}
}
