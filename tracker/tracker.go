// Package tracker turns session snapshots posted by the website into scored, stored and alerted leads.
package tracker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lead-notifier/metrics"
	"lead-notifier/notify"
	"lead-notifier/pkg/lead"
	"lead-notifier/scoring"
	"lead-notifier/store"
)

var (
	// ErrMissingData is returned when pageUrl or sessionData is absent.
	ErrMissingData = errors.New("missing required data: pageUrl and sessionData are required")
	// ErrInvalidData is returned when sessionData cannot be decoded.
	ErrInvalidData = errors.New("invalid sessionData")
)

var (
	tabletAgent = regexp.MustCompile(`(?i)iPad|Tablet|PlayBook|Silk`)
	mobileAgent = regexp.MustCompile(`(?i)Mobile|Android|iPhone|iPod|BlackBerry|IEMobile|Opera Mini`)
)

// Store persists sessions and alerts.
type Store interface {
	Session(ctx context.Context, id string) (*lead.Session, error)
	SaveSession(ctx context.Context, s *lead.Session) (*lead.Session, error)
	SaveAlert(ctx context.Context, a lead.Alert) error
}

// Alerter fans a scored lead out to notification channels.
type Alerter interface {
	SendAlert(ctx context.Context, l *notify.Lead) (notify.Result, error)
}

// Request is the body of POST /track.
type Request struct {
	SessionData      map[string]any `json:"sessionData"`
	Timestamp        any            `json:"timestamp"` // RFC 3339 string or Unix milliseconds
	PageURL          string         `json:"pageUrl"`
	PageTitle        string         `json:"pageTitle"`
	Referrer         string         `json:"referrer"`
	SessionID        string         `json:"sessionId"`
	UserAgent        string         `json:"userAgent"`
	DeviceType       string         `json:"deviceType"`
	ScreenResolution string         `json:"screenResolution"`
	Language         string         `json:"language"`
	Timezone         string         `json:"timezone"`
	IP               string         `json:"-"`
}

// Response is returned to the website after a snapshot is scored.
type Response struct {
	LeadID       string    `json:"leadId"`
	AlertLevel   lead.Tier `json:"alertLevel"`
	ScoreFactors []string  `json:"scoreFactors"`
	LeadScore    int       `json:"leadScore"`
	Success      bool      `json:"success"`
}

// Config configures a Service.
type Config struct {
	Store   Store
	Alerter Alerter
	Engine  *scoring.Engine
	Logger  *slog.Logger
	Now     func() time.Time
	IPSalt  string
}

// Service scores and persists tracked sessions.
type Service struct {
	store   Store
	alerter Alerter
	engine  *scoring.Engine
	logger  *slog.Logger
	now     func() time.Time
	locks   *keyedMutex
	salt    string
	wg      sync.WaitGroup
}

// New creates a tracking service.
func New(cfg *Config) *Service {
	s := &Service{
		store:   cfg.Store,
		alerter: cfg.Alerter,
		engine:  cfg.Engine,
		logger:  cfg.Logger,
		now:     cfg.Now,
		salt:    cfg.IPSalt,
		locks:   newKeyedMutex(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.engine == nil {
		s.engine = scoring.New(nil)
	}
	return s
}

// Track merges req into its session, scores it, persists it and dispatches any alert in the background.
// Only malformed requests return an error; storage and notification failures are logged.
func (s *Service) Track(ctx context.Context, req *Request) (Response, error) {
	if req.PageURL == "" || req.SessionData == nil {
		return Response{}, ErrMissingData
	}

	snap, err := parseSnapshot(req.SessionData)
	if err != nil {
		return Response{}, err
	}

	now := s.now()
	snap.untimed = true
	if req.Timestamp != nil {
		ts, err := lead.ParseTime(req.Timestamp)
		if err != nil {
			return Response{}, fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
		if !ts.IsZero() {
			now, snap.untimed = ts, false
		}
	}

	id := snap.sessionID
	if id == "" {
		id = req.SessionID
	}
	if id == "" {
		id = uuid.NewString()
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	prev, err := s.store.Session(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("Failed to load session, starting fresh", "session_id", id, "error", err)
	}

	sess := s.merge(prev, id, req, snap, now)
	result := s.engine.Score(sess, now)

	score := result.Score
	if prev != nil {
		score = max(score, prev.Score)
	}
	sess.Score = score
	sess.Tier = lead.TierForScore(score)
	sess.Breakdown = result.Breakdown
	sess.Factors = result.Factors

	metrics.LeadsScoredTotal.WithLabelValues(string(sess.Tier)).Inc()
	metrics.LeadScore.Observe(float64(score))

	if _, err := s.store.SaveSession(ctx, sess); err != nil {
		s.logger.Error("Failed to store session", "session_id", id, "error", err)
	}

	if sess.Tier != lead.TierNone {
		s.alert(ctx, sess, req, now)
	}

	s.logger.Info("Session scored",
		"session_id", id,
		"score", score,
		"tier", sess.Tier,
		"events", len(sess.Events),
		"page_views", sess.TotalPageViews())

	return Response{
		Success:      true,
		LeadID:       id,
		LeadScore:    score,
		ScoreFactors: sess.Factors,
		AlertLevel:   sess.Tier,
	}, nil
}

// Wait blocks until background dispatches finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// alert records the alert and starts delivery without holding up the request.
func (s *Service) alert(ctx context.Context, sess *lead.Session, req *Request, now time.Time) {
	a := lead.Alert{
		SessionID: sess.ID,
		Level:     sess.Tier,
		Score:     sess.Score,
		Timestamp: now,
		Factors:   sess.Factors,
	}
	if err := s.store.SaveAlert(ctx, a); err != nil {
		s.logger.Error("Failed to store alert", "session_id", sess.ID, "error", err)
	}
	if s.alerter == nil {
		return
	}

	l := &notify.Lead{
		ID:          sess.ID,
		Score:       sess.Score,
		Tier:        sess.Tier,
		Factors:     sess.Factors,
		Breakdown:   sess.Breakdown,
		Insights:    s.engine.Insights(sess, sess.Score, now),
		SessionData: sess.Extra,
		PageURL:     req.PageURL,
		Referrer:    sess.Visitor.Referrer,
		DeviceType:  sess.Visitor.DeviceType,
		PageViews:   sess.TotalPageViews(),
		Metadata: lead.Metadata{
			UserAgent:       sess.Visitor.UserAgent,
			PageURL:         req.PageURL,
			SessionDuration: sess.Duration,
		},
	}

	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.alerter.SendAlert(bg, l); err != nil {
			s.logger.Error("Alert dispatch failed", "session_id", l.ID, "tier", l.Tier, "error", err)
		}
	}()
}

// merge applies a snapshot to the stored session, or creates a new one.
// Events and page views already recorded are skipped so resent snapshots are idempotent.
func (s *Service) merge(prev *lead.Session, id string, req *Request, snap *snapshot, now time.Time) *lead.Session {
	sess := prev
	if sess == nil {
		sess = &lead.Session{
			ID:        id,
			StartTime: now,
			Visitor: lead.Visitor{
				DeviceType:       deviceType(req.DeviceType, snap.deviceType, req.UserAgent),
				UserAgent:        req.UserAgent,
				Referrer:         req.Referrer,
				Language:         req.Language,
				Timezone:         req.Timezone,
				ScreenResolution: req.ScreenResolution,
				Returning:        snap.returning,
			},
		}
		if req.IP != "" {
			sess.Visitor.IPHash = IPHash(req.IP, s.salt)
		}
	}

	// Snapshots are cumulative: an event is new only when it occurs more often than already stored.
	storedEvents := make(map[string]int, len(sess.Events))
	for _, e := range sess.Events {
		storedEvents[e.Key()]++
	}
	sentEvents := make(map[string]int, len(snap.events))
	for _, e := range snap.events {
		if e.Timestamp.IsZero() {
			e.Timestamp, e.Stamped = now, true
		}
		k := e.Key()
		sentEvents[k]++
		if sentEvents[k] > storedEvents[k] {
			storedEvents[k]++
			sess.Events = append(sess.Events, e)
		}
	}

	storedPages := make(map[string]int, len(sess.PageViews))
	for _, pv := range sess.PageViews {
		storedPages[pageKey(pv)]++
	}
	sentPages := make(map[string]int, len(snap.pages)+1)
	current := lead.PageView{URL: req.PageURL, Title: req.PageTitle, Timestamp: now, Stamped: snap.untimed}
	views := snap.pages
	if n := len(views); n == 0 || views[n-1].URL != current.URL {
		views = append(views, current)
	}
	for _, pv := range views {
		if pv.Timestamp.IsZero() {
			pv.Timestamp, pv.Stamped = now, true
		}
		k := pageKey(pv)
		sentPages[k]++
		if sentPages[k] > storedPages[k] {
			storedPages[k]++
			sess.PageViews = append(sess.PageViews, pv)
		}
	}

	sess.Duration = max(sess.Duration, snap.duration)
	sess.PageViewCount = max(sess.PageViewCount, snap.pageViewCount)
	if now.After(sess.LastActivity) {
		sess.LastActivity = now
	}

	if len(snap.extra) > 0 {
		if sess.Extra == nil {
			sess.Extra = make(map[string]any, len(snap.extra))
		}
		for k, v := range snap.extra {
			sess.Extra[k] = v
		}
	}
	return sess
}

func pageKey(pv lead.PageView) string {
	if pv.Stamped {
		return pv.URL + "|"
	}
	return fmt.Sprintf("%s|%d", pv.URL, pv.Timestamp.UnixMilli())
}

// IPHash returns an anonymous visitor fingerprint: the first 16 hex characters of sha256(ip+salt).
func IPHash(ip, salt string) string {
	sum := sha256.Sum256([]byte(ip + salt))
	return hex.EncodeToString(sum[:])[:16]
}

func deviceType(explicit, reported, userAgent string) string {
	for _, v := range []string{explicit, reported} {
		if v != "" {
			return strings.ToLower(v)
		}
	}
	switch {
	case userAgent == "":
		return "unknown"
	case tabletAgent.MatchString(userAgent):
		return "tablet"
	case mobileAgent.MatchString(userAgent):
		return "mobile"
	default:
		return "desktop"
	}
}

// snapshot is the typed view of a sessionData payload.
type snapshot struct {
	extra         map[string]any
	sessionID     string
	deviceType    string
	events        []lead.Event
	pages         []lead.PageView
	duration      int64
	pageViewCount int
	returning     bool
	untimed       bool // the request carried no client timestamp
}

// parseSnapshot decodes the known sessionData fields. Everything else is kept in extra for templates.
func parseSnapshot(data map[string]any) (*snapshot, error) {
	snap := &snapshot{extra: make(map[string]any)}
	for k, v := range data {
		switch k {
		case "sessionId":
			snap.sessionID, _ = v.(string)
		case "events":
			if v == nil {
				continue
			}
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("%w: events: %v", ErrInvalidData, err)
			}
			if err := json.Unmarshal(raw, &snap.events); err != nil {
				return nil, fmt.Errorf("%w: events: %v", ErrInvalidData, err)
			}
		case "pageViews":
			switch pv := v.(type) {
			case float64:
				snap.pageViewCount = int(pv)
			case []any:
				pages, err := parsePages(pv)
				if err != nil {
					return nil, err
				}
				snap.pages = append(snap.pages, pages...)
				snap.pageViewCount = max(snap.pageViewCount, len(pages))
			}
		case "pages":
			items, ok := v.([]any)
			if !ok {
				continue
			}
			pages, err := parsePages(items)
			if err != nil {
				return nil, err
			}
			// The original client sends visited paths in order, landing page first.
			snap.pages = append(pages, snap.pages...)
			snap.pageViewCount = max(snap.pageViewCount, len(pages))
		case "duration", "timeOnSite":
			if d, ok := v.(float64); ok {
				snap.duration = max(snap.duration, int64(d))
			}
		case "returning", "isReturning", "returningVisitor":
			if b, ok := v.(bool); ok {
				snap.returning = snap.returning || b
			}
		case "deviceType":
			snap.deviceType, _ = v.(string)
			snap.extra[k] = v
		default:
			snap.extra[k] = v
		}
	}
	return snap, nil
}

func parsePages(items []any) ([]lead.PageView, error) {
	pages := make([]lead.PageView, 0, len(items))
	for _, item := range items {
		if path, ok := item.(string); ok {
			if path != "" {
				pages = append(pages, lead.PageView{URL: path})
			}
			continue
		}
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ts, err := lead.ParseTime(m["timestamp"])
		if err != nil {
			return nil, fmt.Errorf("%w: page view: %v", ErrInvalidData, err)
		}
		url, _ := m["url"].(string)
		if url == "" {
			url, _ = m["path"].(string)
		}
		title, _ := m["title"].(string)
		if url == "" {
			continue
		}
		pages = append(pages, lead.PageView{URL: url, Title: title, Timestamp: ts})
	}
	return pages, nil
}
