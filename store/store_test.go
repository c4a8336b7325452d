package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lead-notifier/pkg/lead"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	t  time.Time
	mu sync.Mutex
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)}
}

func session(id string, score int, start time.Time) *lead.Session {
	return &lead.Session{
		ID:           id,
		Score:        score,
		Tier:         lead.TierForScore(score),
		StartTime:    start,
		LastActivity: start,
		PageViews:    []lead.PageView{{URL: "https://example.com/emergency", Title: "Emergency", Timestamp: start}},
		Events:       []lead.Event{{Kind: lead.KindPhoneClick, Type: "phoneClick", Target: "tel:8145550100", Timestamp: start}},
		Visitor:      lead.Visitor{DeviceType: "mobile", Referrer: "https://www.google.com/search?q=plumber"},
	}
}

var backends = []string{"memory", "sqlite"}

// open returns a fresh store of the named backend driven by clock.
func open(t *testing.T, backend string, clock *fakeClock) Store {
	t.Helper()
	if backend == "memory" {
		return NewMemory(0, clock.Now)
	}
	sq, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "leads.db"), 0, testLogger(), clock.Now)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return sq
}

func TestSaveSessionIdempotent(t *testing.T) {
	for _, name := range backends {
		t.Run(name, func(t *testing.T) {
			clock := newClock()
			st := open(t, name, clock)
			ctx := context.Background()
			s := session("s1", 45, clock.Now())

			first, err := st.SaveSession(ctx, s)
			if err != nil {
				t.Fatalf("SaveSession() error = %v", err)
			}
			if !first.ExpiresAt.Equal(clock.Now().Add(Retention)) {
				t.Errorf("ExpiresAt = %v, want now+30d", first.ExpiresAt)
			}
			if _, err := st.SaveSession(ctx, s); err != nil {
				t.Fatalf("second SaveSession() error = %v", err)
			}

			all, err := st.SessionsSince(ctx, clock.Now().Add(-time.Hour))
			if err != nil {
				t.Fatalf("SessionsSince() error = %v", err)
			}
			if len(all) != 1 {
				t.Errorf("stored %d sessions, want 1", len(all))
			}

			got, err := st.Session(ctx, "s1")
			if err != nil {
				t.Fatalf("Session() error = %v", err)
			}
			if got.Score != 45 || len(got.Events) != 1 || got.Events[0].Kind != lead.KindPhoneClick {
				t.Errorf("Session() = %+v", got)
			}
			if got.Visitor.DeviceType != "mobile" {
				t.Errorf("Visitor = %+v", got.Visitor)
			}
		})
	}
}

func TestSessionNotFound(t *testing.T) {
	for _, name := range backends {
		t.Run(name, func(t *testing.T) {
			clock := newClock()
			st := open(t, name, clock)
			if _, err := st.Session(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Session() error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestQualifiedLeadPromotedOnce(t *testing.T) {
	for _, name := range backends {
		t.Run(name, func(t *testing.T) {
			clock := newClock()
			st := open(t, name, clock)
			ctx := context.Background()

			if _, err := st.SaveSession(ctx, session("s1", 40, clock.Now())); err != nil {
				t.Fatal(err)
			}
			if leads, _ := st.QualifiedLeads(ctx); len(leads) != 0 {
				t.Fatalf("score 40 produced %d qualified leads", len(leads))
			}

			qualifiedAt := clock.Now()
			if _, err := st.SaveSession(ctx, session("s1", 60, clock.Now())); err != nil {
				t.Fatal(err)
			}
			clock.Advance(time.Minute)
			if _, err := st.SaveSession(ctx, session("s1", 75, clock.Now())); err != nil {
				t.Fatal(err)
			}

			leads, err := st.QualifiedLeads(ctx)
			if err != nil {
				t.Fatalf("QualifiedLeads() error = %v", err)
			}
			if len(leads) != 1 {
				t.Fatalf("QualifiedLeads() = %d records, want 1", len(leads))
			}
			q := leads[0]
			if q.SessionID != "s1" || q.Status != "new" || q.Score != 75 {
				t.Errorf("lead = %+v", q)
			}
			if !q.QualifiedAt.Equal(qualifiedAt) {
				t.Errorf("QualifiedAt = %v, want %v (first crossing)", q.QualifiedAt, qualifiedAt)
			}
		})
	}
}

func TestAlertsAndPurge(t *testing.T) {
	for _, name := range backends {
		t.Run(name, func(t *testing.T) {
			clock := newClock()
			st := open(t, name, clock)
			ctx := context.Background()
			a := lead.Alert{SessionID: "s1", Level: lead.TierImmediate, Score: 90, Timestamp: clock.Now(), Factors: []string{"Emergency intent"}}
			if err := st.SaveAlert(ctx, a); err != nil {
				t.Fatalf("SaveAlert() error = %v", err)
			}
			alerts, err := st.AlertsSince(ctx, clock.Now().Add(-time.Minute))
			if err != nil {
				t.Fatalf("AlertsSince() error = %v", err)
			}
			if len(alerts) != 1 || alerts[0].Level != lead.TierImmediate || len(alerts[0].Factors) != 1 {
				t.Errorf("AlertsSince() = %+v", alerts)
			}

			if _, err := st.SaveSession(ctx, session("old", 10, clock.Now())); err != nil {
				t.Fatal(err)
			}
			clock.Advance(Retention + time.Second)
			if _, err := st.Session(ctx, "old"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expired Session() error = %v, want ErrNotFound", err)
			}
			n, err := st.PurgeExpired(ctx, clock.Now())
			if err != nil {
				t.Fatalf("PurgeExpired() error = %v", err)
			}
			if n != 1 {
				t.Errorf("PurgeExpired() = %d, want 1", n)
			}
		})
	}
}

type brokenStore struct {
	*Memory
	calls int
}

func (b *brokenStore) Mode() string { return "sqlite" }

func (b *brokenStore) SaveSession(ctx context.Context, s *lead.Session) (*lead.Session, error) {
	b.calls++
	return nil, errors.New("disk I/O error")
}

func TestFallbackSwitchesToMemory(t *testing.T) {
	clock := newClock()
	primary := &brokenStore{Memory: NewMemory(0, clock.Now)}
	f := NewFallback(primary, NewMemory(0, clock.Now), testLogger())

	if f.Mode() != "sqlite" {
		t.Errorf("Mode() = %q, want sqlite before failure", f.Mode())
	}

	stored, err := f.SaveSession(context.Background(), session("s1", 70, clock.Now()))
	if err != nil {
		t.Fatalf("SaveSession() error = %v, want transparent fallback", err)
	}
	if stored.ID != "s1" {
		t.Errorf("stored = %+v", stored)
	}
	if !f.Degraded() || f.Mode() != "memory" {
		t.Errorf("Mode() = %q, want memory after failure", f.Mode())
	}

	if _, err := f.SaveSession(context.Background(), session("s2", 10, clock.Now())); err != nil {
		t.Fatal(err)
	}
	if primary.calls != 1 {
		t.Errorf("primary called %d times after switching, want 1", primary.calls)
	}
	if got, err := f.Session(context.Background(), "s1"); err != nil || got.Score != 70 {
		t.Errorf("Session() = %+v, %v", got, err)
	}
	if leads, _ := f.QualifiedLeads(context.Background()); len(leads) != 1 {
		t.Errorf("QualifiedLeads() = %d, want 1", len(leads))
	}
}

func TestFallbackNotFoundDoesNotDegrade(t *testing.T) {
	clock := newClock()
	f := NewFallback(NewMemory(0, clock.Now), NewMemory(0, clock.Now), testLogger())
	if _, err := f.Session(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Session() error = %v, want ErrNotFound", err)
	}
	if f.Degraded() {
		t.Error("not-found must not switch to memory")
	}
}

func TestDashboard(t *testing.T) {
	clock := newClock()
	st := NewMemory(0, clock.Now)
	ctx := context.Background()
	now := clock.Now()

	hot := session("hot", 92, now.Add(-2*time.Minute))
	hot.LastActivity = now.Add(-time.Minute)
	hot.Events = append(hot.Events, lead.Event{Kind: lead.KindEmergencyClick, Timestamp: now})
	quiet := session("quiet", 5, now.Add(-3*time.Hour))
	quiet.Events = nil
	quiet.Visitor.Referrer = ""
	mid := session("mid", 41, now.Add(-5*time.Hour))
	mid.Visitor.Referrer = "https://neighbors.example.org/post/1"

	for _, s := range []*lead.Session{hot, quiet, mid} {
		if _, err := st.SaveSession(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	_ = st.SaveAlert(ctx, lead.Alert{SessionID: "hot", Level: lead.TierImmediate, Score: 92, Timestamp: now})
	_ = st.SaveAlert(ctx, lead.Alert{SessionID: "old", Level: lead.TierStandard, Score: 45, Timestamp: now.Add(-3 * day)})

	snap, err := Dashboard(ctx, st, now, testLogger())
	if err != nil {
		t.Fatalf("Dashboard() error = %v", err)
	}

	if snap.Current != (Current{ActiveVisitors: 1, DailyLeads: 3, WeeklyLeads: 3, HighValueLeads: 1}) {
		t.Errorf("Current = %+v", snap.Current)
	}
	if snap.Scoring.AverageScore != 46 {
		t.Errorf("AverageScore = %d, want 46", snap.Scoring.AverageScore)
	}
	wantDist := []int{1, 0, 1, 0, 1}
	for i, b := range snap.Scoring.ScoreDistribution {
		if b.Count != wantDist[i] {
			t.Errorf("bucket %s = %d, want %d", b.Range, b.Count, wantDist[i])
		}
	}
	if len(snap.Scoring.TopBehaviors) == 0 || snap.Scoring.TopBehaviors[0].Name != string(lead.KindPhoneClick) {
		t.Errorf("TopBehaviors = %+v", snap.Scoring.TopBehaviors)
	}
	if snap.Conversion.PhoneRate != 67 || snap.Conversion.EmergencyRate != 33 || snap.Conversion.ContactRate != 0 {
		t.Errorf("Conversion = %+v", snap.Conversion)
	}
	if snap.Alerts.Today != 1 || snap.Alerts.ThisWeek != 2 || snap.Alerts.ByType[lead.TierStandard] != 1 {
		t.Errorf("Alerts = %+v", snap.Alerts)
	}
	if len(snap.Trends.HourlyVisitors) != 24 || snap.Trends.HourlyVisitors[13].Count != 1 {
		t.Errorf("HourlyVisitors[13] = %+v", snap.Trends.HourlyVisitors[13])
	}
	if len(snap.Trends.DailyVisitors) != 7 || snap.Trends.DailyVisitors[6].Count != 3 {
		t.Errorf("DailyVisitors = %+v", snap.Trends.DailyVisitors)
	}
	if len(snap.Trends.TopPages) != 1 || snap.Trends.TopPages[0] != (Count{Name: "Emergency", Count: 3}) {
		t.Errorf("TopPages = %+v", snap.Trends.TopPages)
	}
	if len(st.Snapshots()) != 1 {
		t.Error("snapshot not stored")
	}
}

func TestReferrerSource(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "Direct"},
		{"https://www.google.com/search?q=leak", "Google"},
		{"https://m.facebook.com/", "Facebook"},
		{"https://www.bing.com/", "Bing"},
		{"https://search.yahoo.com/", "Yahoo"},
		{"https://nextdoor.com/p/abc", "nextdoor.com"},
		{"not a url", "Other"},
	}
	for _, tt := range tests {
		if got := ReferrerSource(tt.in); got != tt.want {
			t.Errorf("ReferrerSource(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
