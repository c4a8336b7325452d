package lead

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTierForScore(t *testing.T) {
	tests := []struct {
		score int
		want  Tier
	}{
		{0, TierNone},
		{19, TierNone},
		{20, TierBatch},
		{39, TierBatch},
		{40, TierStandard},
		{59, TierStandard},
		{60, TierHighPriority},
		{79, TierHighPriority},
		{80, TierImmediate},
		{100, TierImmediate},
	}
	for _, tt := range tests {
		if got := TierForScore(tt.score); got != tt.want {
			t.Errorf("TierForScore(%d) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestTierMonotonic(t *testing.T) {
	prev := TierForScore(0).Rank()
	for score := 1; score <= 100; score++ {
		rank := TierForScore(score).Rank()
		if rank < prev {
			t.Fatalf("TierForScore(%d) rank %d is below rank %d of score %d", score, rank, prev, score-1)
		}
		prev = rank
	}
	if Tier("bogus").Valid() {
		t.Error("Tier(bogus).Valid() = true, want false")
	}
}

func TestEventUnmarshal(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantKind   EventKind
		wantTarget string
		wantPage   string
		wantRaw    bool
	}{
		{
			name:       "click with target",
			input:      `{"type":"click","target":"tel:5551234567","timestamp":1700000000000}`,
			wantKind:   KindClick,
			wantTarget: "tel:5551234567",
		},
		{
			name:     "camel case alias",
			input:    `{"type":"emergencyClick"}`,
			wantKind: KindEmergencyClick,
		},
		{
			name:     "page view with data payload",
			input:    `{"type":"page_view","data":{"page":"/pricing"},"timestamp":"2025-01-02T10:00:00Z"}`,
			wantKind: KindPageView,
			wantPage: "/pricing",
		},
		{
			name:     "unknown keeps raw fields",
			input:    `{"type":"scroll","depth":75}`,
			wantKind: KindUnknown,
			wantRaw:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e Event
			if err := json.Unmarshal([]byte(tt.input), &e); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if e.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", e.Kind, tt.wantKind)
			}
			if e.Target != tt.wantTarget {
				t.Errorf("Target = %q, want %q", e.Target, tt.wantTarget)
			}
			if e.Page != tt.wantPage {
				t.Errorf("Page = %q, want %q", e.Page, tt.wantPage)
			}
			if (e.Raw != nil) != tt.wantRaw {
				t.Errorf("Raw = %v, want present=%v", e.Raw, tt.wantRaw)
			}
		})
	}
}

func TestEventStoredFormRoundTrips(t *testing.T) {
	in := Event{
		Timestamp: time.Date(2025, 3, 1, 2, 30, 0, 0, time.UTC),
		Kind:      KindPhoneClick,
		Type:      "phoneClick",
		Target:    "Call now",
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out Event
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.Key() != in.Key() {
		t.Errorf("Key() = %q, want %q", out.Key(), in.Key())
	}
}

func TestEventKeyIgnoresReceiptTime(t *testing.T) {
	a := Event{Kind: KindFormStart, Timestamp: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC), Stamped: true}
	b := Event{Kind: KindFormStart, Timestamp: a.Timestamp.Add(20 * time.Second), Stamped: true}
	if a.Key() != b.Key() {
		t.Errorf("Key() = %q and %q, want equal for stamped events", a.Key(), b.Key())
	}
	if got, want := (Event{Kind: KindFormStart}).Key(), a.Key(); got != want {
		t.Errorf("Key() of untimed event = %q, want %q", got, want)
	}

	a.Stamped, b.Stamped = false, false
	if a.Key() == b.Key() {
		t.Errorf("Key() = %q for events at different client times, want distinct", a.Key())
	}

	raw, err := json.Marshal(Event{Kind: KindClick, Timestamp: a.Timestamp, Stamped: true})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out Event
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !out.Stamped {
		t.Error("Unmarshal() lost Stamped")
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"terminal send error", &SendError{Provider: "twilio", Terminal: true}, true},
		{"wrapped terminal", fmt.Errorf("deliver: %w", &SendError{Provider: "ses", Terminal: true}), true},
		{"transient send error", &SendError{Provider: "twilio", Status: 503}, false},
		{"verification message", errors.New("Email address is not verified"), true},
		{"timeout", errors.New("context deadline exceeded"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTerminal(tt.err); got != tt.want {
				t.Errorf("IsTerminal(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
