package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"lead-notifier/notify"
	"lead-notifier/pkg/lead"
	"lead-notifier/store"
	"lead-notifier/tracker"
)

const (
	defaultStatsHours = 24
	maxStatsHours     = 720
	defaultTestScore  = 85

	msgMissingData = "Missing required data: pageUrl and sessionData are required"
	msgInternal    = "Internal server error"
)

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "lead-notifier",
		"version": version,
		"status":  "running",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	mode := "memory"
	if s.store != nil {
		mode = s.store.Mode()
	}
	notifications := "disabled"
	if s.notifications {
		notifications = "enabled"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"storage":       mode,
		"notifications": notifications,
		"timestamp":     s.now().UTC(),
	})
}

func (s *Server) handleTrack(c *gin.Context) {
	var req tracker.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	req.IP = c.ClientIP()

	resp, err := s.tracker.Track(c.Request.Context(), &req)
	switch {
	case errors.Is(err, tracker.ErrMissingData):
		fail(c, http.StatusBadRequest, msgMissingData)
		return
	case errors.Is(err, tracker.ErrInvalidData):
		fail(c, http.StatusBadRequest, "Invalid sessionData")
		return
	case err != nil:
		s.logger.Error("Tracking failed", "error", err)
		fail(c, http.StatusInternalServerError, msgInternal)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAnalytics(c *gin.Context) {
	id := c.Param("sessionId")
	sess, err := s.store.Session(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load session", "session_id", id, "error", err)
		fail(c, http.StatusInternalServerError, msgInternal)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDashboard(c *gin.Context) {
	snap, err := store.Dashboard(c.Request.Context(), s.store, s.now().In(s.loc), s.logger)
	if err != nil {
		s.logger.Error("Failed to compute dashboard", "error", err)
		fail(c, http.StatusInternalServerError, msgInternal)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": snap})
}

func (s *Server) handleNotificationStats(c *gin.Context) {
	hours := defaultStatsHours
	if raw := c.Query("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = min(n, maxStatsHours)
	}

	stats, err := s.audit.Stats(c.Request.Context(), hours)
	if err != nil {
		s.logger.Error("Failed to read audit stats", "hours", hours, "error", err)
		fail(c, http.StatusInternalServerError, msgInternal)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

func (s *Server) handleRateLimits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "rateLimits": s.limiter.Stats()})
}

func (s *Server) handleRetryQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "retryQueue": s.retries.Status()})
}

type testRequest struct {
	Channel string `json:"channel"`
	Score   *int   `json:"score"`
}

func (s *Server) handleTestNotification(c *gin.Context) {
	var req testRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
	}
	score := defaultTestScore
	if req.Score != nil {
		score = *req.Score
	}
	if score < 0 || score > 100 {
		fail(c, http.StatusBadRequest, "score must be between 0 and 100")
		return
	}

	var ch lead.Channel
	switch strings.ToLower(req.Channel) {
	case "", "all":
	case "sms":
		ch = lead.ChannelSMS
	case "email":
		ch = lead.ChannelEmail
	default:
		fail(c, http.StatusBadRequest, "channel must be sms, email or all")
		return
	}

	res, err := s.tester.SendTest(c.Request.Context(), ch, score)
	switch {
	case errors.Is(err, notify.ErrNoRecipients):
		fail(c, http.StatusBadRequest, "No recipients configured for channel")
		return
	case err != nil:
		s.logger.Error("Test notification failed", "channel", req.Channel, "error", err)
		fail(c, http.StatusInternalServerError, msgInternal)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": res.Success, "result": res})
}

// requireTestToken guards the test endpoint with a bearer token. Without a configured token the
// endpoint is unavailable.
func (s *Server) requireTestToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.testToken == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "Test endpoint is not configured"})
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.testToken)) != 1 {
			s.logger.Warn("Rejected test notification request", "ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Unauthorized"})
			return
		}
		c.Next()
	}
}
