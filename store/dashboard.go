package store

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"lead-notifier/pkg/lead"
)

const (
	activeWindow   = 5 * time.Minute
	day            = 24 * time.Hour
	week           = 7 * day
	highValueScore = 60
)

// Snapshot is the aggregate shown on the lead dashboard.
type Snapshot struct {
	GeneratedAt time.Time  `json:"generatedAt"`
	Alerts      AlertStats `json:"alerts"`
	Trends      Trends     `json:"trends"`
	Scoring     Scoring    `json:"scoring"`
	Current     Current    `json:"current"`
	Conversion  Conversion `json:"conversion"`
}

// Current counts recent activity.
type Current struct {
	ActiveVisitors int `json:"activeVisitors"`
	DailyLeads     int `json:"dailyLeads"`
	WeeklyLeads    int `json:"weeklyLeads"`
	HighValueLeads int `json:"highValueLeads"`
}

// Scoring summarises the last 24 hours of scores.
type Scoring struct {
	ScoreDistribution []Bucket `json:"scoreDistribution"`
	TopBehaviors      []Count  `json:"topBehaviors"`
	AverageScore      int      `json:"averageScore"`
}

// Bucket is one score range of the distribution histogram.
type Bucket struct {
	Range string `json:"range"`
	Count int    `json:"count"`
}

// Count is a named frequency.
type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Conversion holds the percentage of sessions containing each key event.
type Conversion struct {
	EmergencyRate int `json:"emergencyRate"`
	ContactRate   int `json:"contactRate"`
	PhoneRate     int `json:"phoneRate"`
}

// AlertStats counts recorded alerts.
type AlertStats struct {
	ByType   map[lead.Tier]int `json:"byType"`
	Today    int               `json:"today"`
	ThisWeek int               `json:"thisWeek"`
}

// Trends holds visitor time series and top lists.
type Trends struct {
	HourlyVisitors []Count `json:"hourlyVisitors"` // 24 entries, "0:00" through "23:00"
	DailyVisitors  []Count `json:"dailyVisitors"`  // 7 entries, oldest first
	TopPages       []Count `json:"topPages"`
	TopReferrers   []Count `json:"topReferrers"`
}

var buckets = []struct {
	label string
	max   int
}{
	{"0-20", 20},
	{"21-40", 40},
	{"41-60", 60},
	{"61-80", 80},
	{"81-100", math.MaxInt},
}

// Dashboard computes the dashboard snapshot at now and stores it. Hours and days are
// bucketed in now's location. A failure to store the snapshot is logged, not returned.
func Dashboard(ctx context.Context, st Store, now time.Time, logger *slog.Logger) (*Snapshot, error) {
	weekSessions, err := st.SessionsSince(ctx, now.Add(-week))
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	weekAlerts, err := st.AlertsSince(ctx, now.Add(-week))
	if err != nil {
		return nil, fmt.Errorf("load alerts: %w", err)
	}

	var daySessions []*lead.Session
	for _, s := range weekSessions {
		if s.StoredAt.After(now.Add(-day)) {
			daySessions = append(daySessions, s)
		}
	}

	snap := &Snapshot{GeneratedAt: now}

	snap.Current.DailyLeads = len(daySessions)
	snap.Current.WeeklyLeads = len(weekSessions)
	for _, s := range daySessions {
		if s.LastActivity.After(now.Add(-activeWindow)) {
			snap.Current.ActiveVisitors++
		}
		if s.Score >= highValueScore {
			snap.Current.HighValueLeads++
		}
	}

	snap.Scoring = scoring(daySessions)
	snap.Conversion = Conversion{
		EmergencyRate: rate(daySessions, lead.KindEmergencyClick),
		ContactRate:   rate(daySessions, lead.KindFormStart),
		PhoneRate:     rate(daySessions, lead.KindPhoneClick),
	}

	snap.Alerts.ByType = make(map[lead.Tier]int)
	for _, a := range weekAlerts {
		snap.Alerts.ThisWeek++
		snap.Alerts.ByType[a.Level]++
		if a.Timestamp.After(now.Add(-day)) {
			snap.Alerts.Today++
		}
	}

	snap.Trends = trends(daySessions, weekSessions, now)

	if err := st.SaveSnapshot(ctx, snap); err != nil {
		logger.Warn("Failed to store analytics snapshot", "error", err)
	}
	return snap, nil
}

func scoring(sessions []*lead.Session) Scoring {
	out := Scoring{ScoreDistribution: make([]Bucket, len(buckets))}
	for i, b := range buckets {
		out.ScoreDistribution[i].Range = b.label
	}

	behaviors := make(map[string]int)
	total := 0
	for _, s := range sessions {
		total += s.Score
		for i, b := range buckets {
			if s.Score <= b.max {
				out.ScoreDistribution[i].Count++
				break
			}
		}
		for _, e := range s.Events {
			behaviors[string(e.Kind)]++
		}
	}
	if len(sessions) > 0 {
		out.AverageScore = int(math.Round(float64(total) / float64(len(sessions))))
	}
	out.TopBehaviors = top(behaviors, 5)
	return out
}

func rate(sessions []*lead.Session, kind lead.EventKind) int {
	if len(sessions) == 0 {
		return 0
	}
	n := 0
	for _, s := range sessions {
		if s.HasEvent(kind) {
			n++
		}
	}
	return int(math.Round(float64(n) / float64(len(sessions)) * 100))
}

func trends(daySessions, weekSessions []*lead.Session, now time.Time) Trends {
	loc := now.Location()
	var t Trends

	hourly := make([]int, 24)
	pages := make(map[string]int)
	referrers := make(map[string]int)
	for _, s := range daySessions {
		if !s.StartTime.IsZero() {
			hourly[s.StartTime.In(loc).Hour()]++
		}
		for _, pv := range s.PageViews {
			key := pv.Title
			if key == "" {
				key = pv.URL
			}
			pages[key]++
		}
		referrers[ReferrerSource(s.Visitor.Referrer)]++
	}
	t.HourlyVisitors = make([]Count, 24)
	for h, n := range hourly {
		t.HourlyVisitors[h] = Count{Name: fmt.Sprintf("%d:00", h), Count: n}
	}

	today := time.Date(now.In(loc).Year(), now.In(loc).Month(), now.In(loc).Day(), 0, 0, 0, 0, loc)
	t.DailyVisitors = make([]Count, 7)
	index := make(map[string]int, 7)
	for i := range 7 {
		date := today.AddDate(0, 0, i-6).Format("2006-01-02")
		t.DailyVisitors[i] = Count{Name: date}
		index[date] = i
	}
	for _, s := range weekSessions {
		if s.StartTime.IsZero() {
			continue
		}
		if i, ok := index[s.StartTime.In(loc).Format("2006-01-02")]; ok {
			t.DailyVisitors[i].Count++
		}
	}

	t.TopPages = top(pages, 10)
	t.TopReferrers = top(referrers, 5)
	return t
}

// top returns the n most frequent names, ties broken alphabetically.
func top(counts map[string]int, n int) []Count {
	out := make([]Count, 0, len(counts))
	for name, c := range counts {
		out = append(out, Count{Name: name, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// ReferrerSource maps a referrer URL to a traffic source label.
func ReferrerSource(referrer string) string {
	if referrer == "" {
		return "Direct"
	}
	r := strings.ToLower(referrer)
	switch {
	case strings.Contains(r, "google"):
		return "Google"
	case strings.Contains(r, "facebook"):
		return "Facebook"
	case strings.Contains(r, "bing"):
		return "Bing"
	case strings.Contains(r, "yahoo"):
		return "Yahoo"
	}
	u, err := url.Parse(referrer)
	if err != nil || u.Hostname() == "" {
		return "Other"
	}
	return u.Hostname()
}
