package lead

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventKind is the closed set of event variants the scoring rules understand.
type EventKind string

// Known event kinds. KindUnknown carries its original fields in Event.Raw.
const (
	KindClick          EventKind = "click"
	KindEmergencyClick EventKind = "emergency_click"
	KindPhoneClick     EventKind = "phone_click"
	KindFormStart      EventKind = "form_start"
	KindPageView       EventKind = "page_view"
	KindDownload       EventKind = "download"
	KindUnknown        EventKind = "unknown"
)

var kindAliases = map[string]EventKind{
	"click":            KindClick,
	"emergencyclick":   KindEmergencyClick,
	"emergency_click":  KindEmergencyClick,
	"phoneclick":       KindPhoneClick,
	"phone_click":      KindPhoneClick,
	"contactformstart": KindFormStart,
	"form_start":       KindFormStart,
	"formstart":        KindFormStart,
	"pageview":         KindPageView,
	"page_view":        KindPageView,
	"download":         KindDownload,
	"downloadedinfo":   KindDownload,
}

// ParseKind maps a client event type string onto a known kind.
func ParseKind(s string) EventKind {
	if k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k
	}
	return KindUnknown
}

// Event is one tracked interaction. Only the fields relevant to Kind are set.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Raw       map[string]any `json:"raw,omitempty"`
	Kind      EventKind      `json:"kind"`
	Type      string         `json:"type"`             // type string as sent by the client
	Target    string         `json:"target,omitempty"` // click target (href or label)
	Page      string         `json:"page,omitempty"`   // page for page_view events
	Stamped   bool           `json:"stamped,omitempty"` // Timestamp was assigned on receipt
}

// Key identifies an event for de-duplication of resent snapshots.
// Events without a client timestamp are keyed by what happened, not when.
func (e Event) Key() string {
	if e.Stamped || e.Timestamp.IsZero() {
		return fmt.Sprintf("%s||%s|%s", e.Kind, e.Target, e.Page)
	}
	return fmt.Sprintf("%s|%d|%s|%s", e.Kind, e.Timestamp.UnixMilli(), e.Target, e.Page)
}

// UnmarshalJSON decodes both stored events and raw client events.
// Client events look like {"type":"click","target":"tel:555","timestamp":1700000000000,"data":{...}}.
func (e *Event) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	data, _ := m["data"].(map[string]any)

	e.Type = stringField(m, "type")
	if k := stringField(m, "kind"); k != "" {
		e.Kind = EventKind(k)
	} else {
		e.Kind = ParseKind(e.Type)
	}
	if e.Type == "" {
		e.Type = string(e.Kind)
	}

	e.Target = firstString(m, data, "target", "href", "element", "text")
	e.Page = firstString(m, data, "page", "url", "path")

	ts, err := parseTime(m["timestamp"])
	if err != nil {
		return err
	}
	e.Timestamp = ts
	e.Stamped, _ = m["stamped"].(bool)

	if raw, ok := m["raw"].(map[string]any); ok {
		e.Raw = raw
	} else if e.Kind == KindUnknown {
		delete(m, "type")
		delete(m, "timestamp")
		delete(m, "stamped")
		if len(m) > 0 {
			e.Raw = m
		}
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func firstString(m, data map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringField(m, k); s != "" {
			return s
		}
		if s := stringField(data, k); s != "" {
			return s
		}
	}
	return ""
}

// parseTime accepts RFC 3339 strings and Unix millisecond numbers.
func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse event timestamp %q: %w", t, err)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// ParseTime is the timestamp parser used for client payloads.
func ParseTime(v any) (time.Time, error) {
	return parseTime(v)
}
