// Package scoring converts a visitor session into a lead score, breakdown and alert tier.
package scoring

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"lead-notifier/pkg/lead"
)

// MaxScore is the hard ceiling for a session score.
const MaxScore = 100

// Behavior weights.
const (
	emergencyClickPoints  = 30
	phoneClickPoints      = 25
	contactFormPoints     = 20
	serviceViewsPoints    = 15
	timeOnSitePoints      = 15
	pagesViewedPoints     = 10
	downloadPoints        = 15
	pricePagePoints       = 20
	aboutPagePoints       = 5
	minServicePages       = 2
	minPagesViewed        = 3
	extendedEngagementMS  = 120_000
	behaviorFactorMinimum = 30
)

// Time weights.
const (
	lateNightPoints     = 25
	afterHoursPoints    = 20
	businessHoursPoints = 5
	weekendPoints       = 10
	timeFactorMinimum   = 15
)

// Intent weights.
const (
	returnVisitorPoints   = 15
	emergencyNavPoints    = 25
	emergencySearchPoints = 20
	mobilePoints          = 10
	intentFactorMinimum   = 20
)

// Factor labels.
const (
	FactorHighEngagement = "High engagement behavior"
	FactorUrgentTiming   = "Urgent timing (after hours/weekend)"
	FactorStrongIntent   = "Strong purchase intent signals"
	FactorExtended       = "Extended site engagement"
	FactorEmergency      = "Emergency service interest"
)

var (
	emergencyClickKeywords = []string{"emergency", "24/7", "urgent", "immediate", "now"}
	emergencyPageKeywords  = []string{"emergency", "urgent", "24-7"}
	servicePageKeywords    = []string{"service", "plumbing", "repair"}
	emergencySearchTerms   = []string{
		"emergency plumber",
		"plumber near me now",
		"urgent plumbing",
		"24 hour plumber",
		"burst pipe",
		"flooding",
		"water leak emergency",
	}

	phoneNumberRegex = regexp.MustCompile(`\d{3}[-.\s]?\d{3}[-.\s]?\d{4}`)
	mobileAgentRegex = regexp.MustCompile(`(?i)Mobile|Android|iPhone|iPad|iPod|BlackBerry|IEMobile|Opera Mini`)
)

// Result is the outcome of scoring a session.
type Result struct {
	Factors   []string       `json:"factors"`
	Breakdown lead.Breakdown `json:"breakdown"`
	Tier      lead.Tier      `json:"tier"`
	Score     int            `json:"score"`
}

// Engine scores sessions. It holds no mutable state and is safe for concurrent use.
type Engine struct {
	loc *time.Location
}

// New creates an engine that evaluates time-of-day rules in loc.
// A nil location means UTC.
func New(loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{loc: loc}
}

// Score computes the score of s as of now. The same session and now always produce the same result.
func (e *Engine) Score(s *lead.Session, now time.Time) Result {
	b := lead.Breakdown{
		Behavior: behaviorScore(s),
		Time:     e.timeScore(now),
		Intent:   intentScore(s),
	}

	score := min(max(b.Total(), 0), MaxScore)

	return Result{
		Score:     score,
		Breakdown: b,
		Factors:   factors(s, b),
		Tier:      lead.TierForScore(score),
	}
}

func behaviorScore(s *lead.Session) int {
	points := 0
	for i := range s.Events {
		ev := &s.Events[i]
		switch ev.Kind {
		case lead.KindEmergencyClick:
			points += emergencyClickPoints
		case lead.KindPhoneClick:
			points += phoneClickPoints
		case lead.KindClick:
			if isEmergencyTarget(ev.Target) {
				points += emergencyClickPoints
			}
			if isPhoneTarget(ev.Target) {
				points += phoneClickPoints
			}
		case lead.KindFormStart:
			points += contactFormPoints
		case lead.KindPageView:
			page := strings.ToLower(ev.Page)
			if strings.Contains(page, "price") || strings.Contains(page, "pricing") {
				points += pricePagePoints
			}
			if strings.Contains(page, "about") {
				points += aboutPagePoints
			}
		case lead.KindDownload:
			points += downloadPoints
		case lead.KindUnknown:
		}
	}

	if servicePageViews(s) >= minServicePages {
		points += serviceViewsPoints
	}
	if s.Duration >= extendedEngagementMS {
		points += timeOnSitePoints
	}
	if s.TotalPageViews() >= minPagesViewed {
		points += pagesViewedPoints
	}
	return points
}

func (e *Engine) timeScore(now time.Time) int {
	local := now.In(e.loc)
	hour := local.Hour()

	points := businessHoursPoints
	switch {
	case hour >= 22 || hour < 5:
		points = lateNightPoints
	case hour >= 18 || hour < 8:
		points = afterHoursPoints
	}

	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		points += weekendPoints
	}
	return points
}

func intentScore(s *lead.Session) int {
	points := 0
	if s.Visitor.Returning {
		points += returnVisitorPoints
	}
	if isEmergencyNavigation(s) {
		points += emergencyNavPoints
	}
	if hasEmergencySearch(s.Visitor.Referrer) {
		points += emergencySearchPoints
	}
	if isMobile(s.Visitor) {
		points += mobilePoints
	}
	return points
}

func factors(s *lead.Session, b lead.Breakdown) []string {
	out := []string{}
	if b.Behavior > behaviorFactorMinimum {
		out = append(out, FactorHighEngagement)
	}
	if b.Time > timeFactorMinimum {
		out = append(out, FactorUrgentTiming)
	}
	if b.Intent > intentFactorMinimum {
		out = append(out, FactorStrongIntent)
	}
	if s.Duration > extendedEngagementMS {
		out = append(out, FactorExtended)
	}
	if isEmergencyNavigation(s) {
		out = append(out, FactorEmergency)
	}
	return out
}

func isEmergencyTarget(target string) bool {
	return containsAny(strings.ToLower(target), emergencyClickKeywords)
}

func isPhoneTarget(target string) bool {
	return strings.HasPrefix(strings.ToLower(target), "tel:") || phoneNumberRegex.MatchString(target)
}

func servicePageViews(s *lead.Session) int {
	n := 0
	for _, pv := range s.PageViews {
		if containsAny(strings.ToLower(pv.URL), servicePageKeywords) {
			n++
		}
	}
	return n
}

func isEmergencyNavigation(s *lead.Session) bool {
	first := s.FirstPage()
	return first != "" && containsAny(strings.ToLower(first), emergencyPageKeywords)
}

// hasEmergencySearch decodes the referrer so that "q=burst+pipe" matches "burst pipe".
func hasEmergencySearch(referrer string) bool {
	if referrer == "" {
		return false
	}
	decoded, err := url.QueryUnescape(referrer)
	if err != nil {
		decoded = referrer
	}
	return containsAny(strings.ToLower(decoded), emergencySearchTerms)
}

func isMobile(v lead.Visitor) bool {
	return strings.EqualFold(v.DeviceType, "mobile") || mobileAgentRegex.MatchString(v.UserAgent)
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
