package notify

import (
	"embed"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

var placeholderRe = regexp.MustCompile(`{{\s*([^{}]+?)\s*}}`)

// SMS message bodies by template name.
var smsTemplates = map[string]string{
	"immediate-alert-sms": "🚨 URGENT: Emergency lead on {{pageName}}. Score: {{score}}/100. Customer may need immediate assistance. Phone: {{phoneNumber}}. View details: {{dashboardUrl}}",
	"high-priority-sms":   "⚡ High-priority lead detected! Score: {{score}}/100. Page: {{pageName}}. Quick follow-up recommended. Check dashboard: {{dashboardUrl}}",
	"test-sms":            "Test notification from lead tracking. Score: {{score}}. Dashboard: {{dashboardUrl}}",
	"default":             "New lead alert - Score: {{score}}. View details at {{dashboardUrl}}",
}

type emailTemplate struct {
	subject string
	file    string
}

var emailTemplates = map[string]emailTemplate{
	"immediate-alert-email": {"🚨 URGENT: Emergency Lead - Immediate Action Required", "immediate-alert.html"},
	"high-priority-email":   {"⚡ High-Priority Lead Detected - Score: {{score}}/100", "high-priority.html"},
	"standard-alert-email":  {"New Lead Alert - Score: {{score}}/100", "standard-alert.html"},
	"test-email":            {"Test Notification - Lead Tracking System", "test.html"},
	"daily-digest-email":    {"Daily Lead Digest - {{date}} ({{count}} leads)", "daily-digest.html"},
}

// Display forms for enumerated client fields.
var formatters = map[string]map[string]string{
	"sessionData.urgency": {
		"emergency": "EMERGENCY - Need help NOW!",
		"same_day":  "Same day service needed",
		"this_week": "This week is fine",
		"flexible":  "Flexible on timing",
	},
	"sessionData.property_type": {
		"residential": "Residential",
		"commercial":  "Commercial",
	},
	"sessionData.preferred_contact": {
		"phone": "Call me",
		"email": "Email me",
		"text":  "Text me",
	},
}

// safeHTML is template data that is inserted into email bodies without escaping.
type safeHTML string

// Render replaces {{a.b.c}} placeholders with values looked up in data.
// Placeholders that do not resolve are left as written.
func Render(tmpl string, data map[string]any) string {
	return render(tmpl, data, false)
}

func render(tmpl string, data map[string]any, escape bool) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := lookup(data, path)
		if !ok {
			return match
		}
		if h, ok := v.(safeHTML); ok {
			return string(h)
		}
		s := format(v)
		if names, ok := formatters[path]; ok {
			if display, ok := names[s]; ok {
				s = display
			}
		}
		if escape {
			s = html.EscapeString(s)
		}
		return s
	})
}

func lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func format(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case safeHTML:
		return string(x)
	case float64:
		// JSON numbers decode as float64; whole values print without a fraction.
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []string:
		return strings.Join(x, ", ")
	case []any:
		parts := make([]string, len(x))
		for i, p := range x {
			parts[i] = format(p)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(x)
	}
}

// renderSMS renders the named SMS template, falling back to the default body.
func renderSMS(name string, data map[string]any) string {
	tmpl, ok := smsTemplates[name]
	if !ok {
		tmpl = smsTemplates["default"]
	}
	return Render(tmpl, data)
}

// renderEmail renders the subject, HTML body and plain-text alternative of the named email template.
func renderEmail(name string, data map[string]any) (subject, body, text string, err error) {
	t, ok := emailTemplates[name]
	if !ok {
		return "", "", "", fmt.Errorf("email template not found: %s", name)
	}
	raw, err := templateFS.ReadFile("templates/" + t.file)
	if err != nil {
		return "", "", "", fmt.Errorf("read template %s: %w", t.file, err)
	}
	subject = render(t.subject, data, false)
	body = render(string(raw), data, true)
	text, err = PlainText(body)
	if err != nil {
		return "", "", "", fmt.Errorf("plain text: %w", err)
	}
	return subject, body, text, nil
}
