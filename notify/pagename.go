package notify

import (
	"net/url"
	"path"
	"strings"
	"unicode"
)

// LinkURL returns raw when it is safe to put in an href: an absolute http(s) URL or a
// site-relative path. Anything else becomes "#".
func LinkURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || raw == "" {
		return "#"
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return "#"
		}
		return u.String()
	case "":
		if u.Host != "" || !strings.HasPrefix(u.Path, "/") {
			return "#"
		}
		return u.String()
	default:
		return "#"
	}
}

// PageName turns a page URL into a short human label for alerts.
func PageName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || raw == "" {
		return "Unknown Page"
	}
	p := u.Path
	if p == "" || p == "/" {
		return "Homepage"
	}
	p = strings.TrimPrefix(p, "/")
	p = strings.TrimSuffix(p, path.Ext(p))
	p = strings.Map(func(r rune) rune {
		if r == '-' || r == '_' {
			return ' '
		}
		return r
	}, p)

	// Upper-case the first letter of every word.
	out := []rune(p)
	start := true
	for i, r := range out {
		if start && unicode.IsLetter(r) {
			out[i] = unicode.ToUpper(r)
		}
		start = !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}
	return string(out)
}
