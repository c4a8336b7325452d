package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-notifier/audit"
	"lead-notifier/notify"
	"lead-notifier/pkg/lead"
	"lead-notifier/ratelimit"
	"lead-notifier/retryqueue"
	"lead-notifier/scoring"
	"lead-notifier/store"
	"lead-notifier/tracker"
)

var fixedNow = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTracker struct {
	err error
}

func (f *fakeTracker) Track(ctx context.Context, req *tracker.Request) (tracker.Response, error) {
	if f.err != nil {
		return tracker.Response{}, f.err
	}
	return tracker.Response{Success: true, LeadID: "abc", LeadScore: 42, AlertLevel: lead.TierStandard, ScoreFactors: []string{}}, nil
}

type fakeAudit struct {
	hours int
}

func (f *fakeAudit) Stats(ctx context.Context, hours int) (audit.Stats, error) {
	f.hours = hours
	return audit.Stats{Hours: hours, Total: 3}, nil
}

type fakeTester struct {
	err     error
	channel lead.Channel
	score   int
	called  bool
}

func (f *fakeTester) SendTest(ctx context.Context, ch lead.Channel, score int) (notify.Result, error) {
	f.called = true
	f.channel = ch
	f.score = score
	if f.err != nil {
		return notify.Result{}, f.err
	}
	return notify.Result{Success: true, Summary: notify.Summary{Total: 1, Successful: 1}}, nil
}

type env struct {
	handler http.Handler
	store   *store.Memory
	audit   *fakeAudit
	tester  *fakeTester
}

func newEnv(t *testing.T, mod func(*Config)) *env {
	t.Helper()
	now := func() time.Time { return fixedNow }
	mem := store.NewMemory(0, now)
	e := &env{store: mem, audit: &fakeAudit{}, tester: &fakeTester{}}
	cfg := &Config{
		Tracker: tracker.New(&tracker.Config{
			Store:  mem,
			Engine: scoring.New(time.UTC),
			Logger: testLogger(),
			Now:    now,
		}),
		Store:                mem,
		Audit:                e.audit,
		Limiter:              ratelimit.New(&ratelimit.Config{Now: now}),
		Retries:              retryqueue.New(&retryqueue.Config{Now: now, Logger: testLogger()}),
		Tester:               e.tester,
		Logger:               testLogger(),
		Now:                  now,
		TestToken:            "secret",
		NotificationsEnabled: true,
	}
	if mod != nil {
		mod(cfg)
	}
	e.handler = New(cfg).Handler()
	return e
}

func (e *env) do(t *testing.T, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

const hotBody = `{
	"pageUrl": "/contact",
	"timestamp": "2026-03-10T14:00:00Z",
	"sessionData": {
		"sessionId": "visitor-1",
		"events": [
			{"type": "emergencyClick", "timestamp": 1773151140000},
			{"type": "phoneClick", "target": "tel:8145550100", "timestamp": 1773151170000}
		],
		"duration": 45000,
		"pageViews": 1
	}
}`

func TestTrack(t *testing.T) {
	e := newEnv(t, nil)

	rec, body := e.do(t, http.MethodPost, "/track", hotBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "visitor-1", body["leadId"])
	assert.Equal(t, float64(60), body["leadScore"])
	assert.Equal(t, "high_priority", body["alertLevel"])
	assert.NotEmpty(t, body["scoreFactors"])

	rec, body = e.do(t, http.MethodGet, "/analytics/visitor-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "visitor-1", body["id"])
	assert.Equal(t, float64(60), body["score"])
}

func TestTrackValidation(t *testing.T) {
	e := newEnv(t, nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing session data", `{"pageUrl": "/"}`, msgMissingData},
		{"missing page url", `{"sessionData": {}}`, msgMissingData},
		{"malformed json", `{"pageUrl": `, "Invalid JSON payload"},
		{"bad events", `{"pageUrl": "/", "sessionData": {"events": 7}}`, "Invalid sessionData"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := e.do(t, http.MethodPost, "/track", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.want, body["error"])
		})
	}
}

func TestTrackInternalErrorIsGeneric(t *testing.T) {
	e := newEnv(t, func(c *Config) {
		c.Tracker = &fakeTracker{err: errors.New("sqlite: database is locked")}
	})

	rec, body := e.do(t, http.MethodPost, "/track", hotBody)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, msgInternal, body["error"])
	assert.NotContains(t, rec.Body.String(), "sqlite")
}

func TestTrackRateLimited(t *testing.T) {
	e := newEnv(t, func(c *Config) {
		c.Tracker = &fakeTracker{}
		c.TrackPerMinute = 2
	})

	for range 2 {
		rec, _ := e.do(t, http.MethodPost, "/track", hotBody)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := e.do(t, http.MethodPost, "/track", hotBody)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, false, body["success"])

	rec, _ = e.do(t, http.MethodPost, "/track", hotBody, "X-Forwarded-For", "198.51.100.20")
	assert.Equal(t, http.StatusOK, rec.Code, "other clients keep their own budget")
}

func TestAnalyticsNotFound(t *testing.T) {
	e := newEnv(t, nil)
	rec, body := e.do(t, http.MethodGet, "/analytics/nobody", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Session not found", body["error"])
}

func TestNotificationStatsHours(t *testing.T) {
	e := newEnv(t, nil)

	tests := []struct {
		query     string
		wantCode  int
		wantHours int
	}{
		{"", http.StatusOK, 24},
		{"?hours=1", http.StatusOK, 1},
		{"?hours=5000", http.StatusOK, 720},
		{"?hours=abc", http.StatusBadRequest, 0},
		{"?hours=-3", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			e.audit.hours = 0
			rec, _ := e.do(t, http.MethodGet, "/notifications/stats"+tt.query, "")
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantHours, e.audit.hours)
		})
	}
}

func TestOperationalEndpoints(t *testing.T) {
	e := newEnv(t, nil)

	rec, body := e.do(t, http.MethodGet, "/notifications/rate-limits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "rateLimits")

	rec, body = e.do(t, http.MethodGet, "/notifications/retry-queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	queue, ok := body["retryQueue"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(0), queue["total"])

	rec, body = e.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "memory", body["storage"])
	assert.Equal(t, "enabled", body["notifications"])

	rec, body = e.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lead-notifier", body["service"])

	rec, _ = e.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDashboardStats(t *testing.T) {
	e := newEnv(t, nil)
	rec, _ := e.do(t, http.MethodPost, "/track", hotBody)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := e.do(t, http.MethodGet, "/dashboard/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats, ok := body["stats"].(map[string]any)
	require.True(t, ok)
	current, ok := stats["current"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), current["dailyLeads"])
	assert.Equal(t, float64(1), current["highValueLeads"])
	assert.Len(t, e.store.Snapshots(), 1)
}

func TestTestNotificationAuth(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		header   string
		wantCode int
	}{
		{"no token configured", "", "Bearer secret", http.StatusServiceUnavailable},
		{"missing header", "secret", "", http.StatusUnauthorized},
		{"wrong token", "secret", "Bearer guess", http.StatusUnauthorized},
		{"wrong scheme", "secret", "Basic secret", http.StatusUnauthorized},
		{"valid", "secret", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, func(c *Config) { c.TestToken = tt.token })
			var headers []string
			if tt.header != "" {
				headers = []string{"Authorization", tt.header}
			}
			rec, _ := e.do(t, http.MethodPost, "/notifications/test", `{"channel":"email"}`, headers...)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantCode == http.StatusOK, e.tester.called)
		})
	}
}

func TestTestNotificationBody(t *testing.T) {
	auth := []string{"Authorization", "Bearer secret"}

	tests := []struct {
		name        string
		body        string
		wantCode    int
		wantChannel lead.Channel
		wantScore   int
	}{
		{"defaults", ``, http.StatusOK, "", 85},
		{"email", `{"channel":"email","score":90}`, http.StatusOK, lead.ChannelEmail, 90},
		{"sms", `{"channel":"SMS"}`, http.StatusOK, lead.ChannelSMS, 85},
		{"all", `{"channel":"all","score":70}`, http.StatusOK, "", 70},
		{"explicit zero score", `{"channel":"email","score":0}`, http.StatusOK, lead.ChannelEmail, 0},
		{"null score", `{"score":null}`, http.StatusOK, "", 85},
		{"negative score", `{"score":-1}`, http.StatusBadRequest, "", 0},
		{"unknown channel", `{"channel":"pager"}`, http.StatusBadRequest, "", 0},
		{"score out of range", `{"score":150}`, http.StatusBadRequest, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, nil)
			rec, _ := e.do(t, http.MethodPost, "/notifications/test", tt.body, auth...)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, tt.wantChannel, e.tester.channel)
				assert.Equal(t, tt.wantScore, e.tester.score)
			}
		})
	}
}

func TestTestNotificationNoRecipients(t *testing.T) {
	e := newEnv(t, nil)
	e.tester.err = notify.ErrNoRecipients
	rec, body := e.do(t, http.MethodPost, "/notifications/test", `{"channel":"sms"}`, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No recipients configured for channel", body["error"])
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.CORSOrigins = []string{"https://www.example-plumbing.com"} })

	rec, _ := e.do(t, http.MethodOptions, "/track", "",
		"Origin", "https://www.example-plumbing.com",
		"Access-Control-Request-Method", "POST")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://www.example-plumbing.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec, _ = e.do(t, http.MethodOptions, "/track", "",
		"Origin", "https://evil.example",
		"Access-Control-Request-Method", "POST")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
