package notify

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PlainText derives a readable plain-text body from an HTML email.
// Headings, paragraphs and list items become lines; list items are bulleted.
func PlainText(body string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("style, script, head").Remove()

	var lines []string
	doc.Find("h1, h2, h3, h4, p, li, tr").Each(func(_ int, s *goquery.Selection) {
		// Skip blocks nested in another captured block, their text is already included.
		if s.ParentsFiltered("p, li, tr").Length() > 0 {
			return
		}
		var text string
		if goquery.NodeName(s) == "tr" {
			var cells []string
			s.Find("th, td").Each(func(_ int, c *goquery.Selection) {
				cells = append(cells, collapse(c.Text()))
			})
			text = strings.Join(cells, " | ")
		} else {
			text = collapse(s.Text())
		}
		if text == "" {
			return
		}
		switch goquery.NodeName(s) {
		case "li":
			text = "- " + text
		case "h1", "h2", "h3", "h4":
			if len(lines) > 0 {
				lines = append(lines, "")
			}
		}
		lines = append(lines, text)
	})
	return strings.Join(lines, "\n"), nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
