// Package lead contains the core domain types for the lead scoring and notification service.
package lead

import "time"

// Channel is a notification transport.
type Channel string

// Supported channels.
const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// PageView is one page visited during a session.
type PageView struct {
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	Stamped   bool      `json:"stamped,omitempty"` // Timestamp was assigned on receipt
}

// Visitor is metadata captured from the first request of a session.
// It is never changed after the session is created.
type Visitor struct {
	DeviceType       string `json:"device_type,omitempty"`
	UserAgent        string `json:"user_agent,omitempty"`
	Referrer         string `json:"referrer,omitempty"`
	Language         string `json:"language,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	ScreenResolution string `json:"screen_resolution,omitempty"`
	IPHash           string `json:"ip_hash,omitempty"`
	Returning        bool   `json:"returning"`
}

// Breakdown holds the per-category score totals.
type Breakdown struct {
	Behavior int `json:"behavior"`
	Time     int `json:"time"`
	Intent   int `json:"intent"`
}

// Total is the unclamped sum of all categories.
func (b Breakdown) Total() int {
	return b.Behavior + b.Time + b.Intent
}

// Session is a visitor-scoped aggregate of page views and events.
type Session struct {
	StartTime     time.Time      `json:"start_time"`
	LastActivity  time.Time      `json:"last_activity"`
	StoredAt      time.Time      `json:"stored_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	Extra         map[string]any `json:"extra,omitempty"` // client fields such as urgency, name, phone
	Visitor       Visitor        `json:"visitor"`
	ID            string         `json:"id"`
	PageViews     []PageView     `json:"page_views"`
	Events        []Event        `json:"events"`
	Factors       []string       `json:"factors"`
	Breakdown     Breakdown      `json:"breakdown"`
	Score         int            `json:"score"`
	Duration      int64          `json:"duration_ms"`     // time on site reported by the client
	PageViewCount int            `json:"page_view_count"` // page views reported by the client
	Tier          Tier           `json:"tier"`
}

// FirstPage returns the URL of the landing page, or "" if none was recorded.
func (s *Session) FirstPage() string {
	if len(s.PageViews) == 0 {
		return ""
	}
	return s.PageViews[0].URL
}

// LastPage returns the URL of the most recent page view, or "".
func (s *Session) LastPage() string {
	if len(s.PageViews) == 0 {
		return ""
	}
	return s.PageViews[len(s.PageViews)-1].URL
}

// TotalPageViews is the larger of the client-reported count and the recorded page views.
func (s *Session) TotalPageViews() int {
	return max(s.PageViewCount, len(s.PageViews))
}

// HasEvent reports whether any event of the given kind was recorded.
func (s *Session) HasEvent(kind EventKind) bool {
	for i := range s.Events {
		if s.Events[i].Kind == kind {
			return true
		}
	}
	return false
}

// QualifiedLead is the projection of a session whose score crossed the qualified threshold.
type QualifiedLead struct {
	QualifiedAt time.Time `json:"qualified_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Visitor     Visitor   `json:"visitor"`
	SessionID   string    `json:"session_id"`
	Status      string    `json:"status"`
	Notes       []string  `json:"notes"`
	Score       int       `json:"score"`
}

// Alert is an immutable record of a scoring result that reached a notification tier.
type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Level     Tier      `json:"level"`
	Factors   []string  `json:"factors,omitempty"`
	Score     int       `json:"score"`
}
