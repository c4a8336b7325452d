package scoring

import (
	"math"
	"strings"
	"time"

	"lead-notifier/pkg/lead"
)

// Insights is a best-effort guess at what a lead needs, used to enrich alerts.
type Insights struct {
	PredictedService string     `json:"predicted_service"`
	Urgency          string     `json:"urgency"`
	EstimatedValue   ValueRange `json:"estimated_value"`
}

// ValueRange is an estimated job value in dollars.
type ValueRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// services in tie-break order.
var services = []struct {
	name     string
	keywords []string
	points   int
	value    ValueRange
}{
	{"emergency", []string{"emergency"}, 3, ValueRange{150, 500}},
	{"bathroom", []string{"bathroom"}, 2, ValueRange{5000, 15000}},
	{"kitchen", []string{"kitchen"}, 2, ValueRange{3000, 10000}},
	{"water_heater", []string{"water-heater", "water heater"}, 2, ValueRange{800, 2000}},
	{"drain_cleaning", []string{"drain"}, 2, ValueRange{100, 400}},
}

var generalValue = ValueRange{100, 500}

// Insights derives the predicted service, urgency and value estimate for a scored session.
func (e *Engine) Insights(s *lead.Session, score int, now time.Time) Insights {
	service, value := predictService(s)

	multiplier := 1.0
	switch {
	case score >= 80:
		multiplier = 1.5
	case score >= 60:
		multiplier = 1.2
	}

	return Insights{
		PredictedService: service,
		Urgency:          e.urgency(s, score, now),
		EstimatedValue: ValueRange{
			Min: int(math.Round(float64(value.Min) * multiplier)),
			Max: int(math.Round(float64(value.Max) * multiplier)),
		},
	}
}

func predictService(s *lead.Session) (string, ValueRange) {
	points := make([]int, len(services))
	for _, pv := range s.PageViews {
		text := strings.ToLower(pv.URL + " " + pv.Title)
		for i, svc := range services {
			if containsAny(text, svc.keywords) {
				points[i] += svc.points
			}
		}
	}
	for i := range s.Events {
		if s.Events[i].Kind == lead.KindEmergencyClick {
			points[0] += 5
		}
	}

	best := -1
	for i, p := range points {
		if p > 0 && (best < 0 || p > points[best]) {
			best = i
		}
	}
	if best < 0 {
		return "general", generalValue
	}
	return services[best].name, services[best].value
}

func (e *Engine) urgency(s *lead.Session, score int, now time.Time) string {
	hour := now.In(e.loc).Hour()
	afterHours := hour < 8 || hour >= 18
	emergency := s.HasEvent(lead.KindEmergencyClick)

	switch {
	case emergency && afterHours:
		return "immediate"
	case emergency, score >= 70:
		return "today"
	case score >= 50:
		return "this_week"
	default:
		return "future"
	}
}
