package audit

import (
	"regexp"
	"strings"
)

var phoneRegex = regexp.MustCompile(`^\+?\d{10,}$`)

// Mask redacts a recipient for storage and logs.
// Emails keep at most three leading characters of the local part and the domain;
// phone numbers keep the country/area prefix and the last four digits.
func Mask(recipient string) string {
	recipient = strings.TrimSpace(recipient)

	if at := strings.LastIndex(recipient, "@"); at >= 0 {
		local := []rune(recipient[:at])
		keep := min(3, max(len(local)-1, 0))
		return string(local[:keep]) + "***@" + recipient[at+1:]
	}

	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')':
			return -1
		}
		return r
	}, recipient)
	if phoneRegex.MatchString(cleaned) {
		plus := ""
		digits := cleaned
		if strings.HasPrefix(digits, "+") {
			plus, digits = "+", digits[1:]
		}
		return plus + digits[:len(digits)-7] + "***" + digits[len(digits)-4:]
	}

	return "***"
}
