package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/facility-crawler/internal/facility"
)

const (
	descriptionParagraphs = 3
	minParagraphLen       = 60
)

var hoursTerms = []string{"offnungszeit", "oeffnungszeit", "opening hours", "opening times"}

var hoursChain = []strategy{
	{name: "heading_sibling", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		var hours string
		doc.Find("h1, h2, h3, h4, h5, h6, dt, th, strong, b").EachWithBreak(func(_ int, h *goquery.Selection) bool {
			if !isHoursHeading(h.Text()) {
				return true
			}
			// A label directly above the real heading yields the heading itself.
			if hours = followingBlockText(h); isHoursHeading(hours) {
				hours = ""
			}
			return hours == ""
		})
		return single(facility.FieldOpeningHours, hours, "no opening hours heading")
	}},
	{name: "label", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		for _, line := range textLines(contentRoot(doc)) {
			key, value, ok := strings.Cut(line, ":")
			if ok && isHoursHeading(key) && strings.TrimSpace(value) != "" {
				return facility.Fields{facility.FieldOpeningHours: cleanText(value)}, ""
			}
		}
		return nil, "no opening hours label"
	}},
}

var descriptionChain = []strategy{
	{name: "container", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		var text string
		doc.Find(".description, .concept, .facility-description, [itemprop=description], #beschreibung").
			EachWithBreak(func(_ int, s *goquery.Selection) bool {
				text = strings.Join(textLines(s), "\n")
				return text == ""
			})
		if text == "" {
			return nil, "no description container"
		}
		return facility.Fields{facility.FieldDescription: text}, ""
	}},
	{name: "long_paragraphs", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		var paras []string
		contentRoot(doc).Find("p").EachWithBreak(func(_ int, p *goquery.Selection) bool {
			if p.Closest("nav, footer, header, address").Length() > 0 {
				return true
			}
			if text := cleanText(p.Text()); len([]rune(text)) >= minParagraphLen {
				paras = append(paras, text)
			}
			return len(paras) < descriptionParagraphs
		})
		if len(paras) == 0 {
			return nil, "no paragraph long enough"
		}
		return facility.Fields{facility.FieldDescription: strings.Join(paras, "\n\n")}, ""
	}},
	{name: "meta_description", degraded: true, run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		content, _ := doc.Find(`meta[name="description"]`).First().Attr("content")
		return single(facility.FieldDescription, content, "no meta description")
	}},
}

// Description extracts opening hours and a free-text description.
func Description(doc *goquery.Document, pc PageContext) facility.Fields {
	out := runChain("hours", doc, pc, hoursChain)
	out.Merge(runChain("description", doc, pc, descriptionChain))
	return out
}

func isHoursHeading(text string) bool {
	key := foldKey(text)
	if key == "" || len(key) > 40 {
		return false
	}
	for _, term := range hoursTerms {
		if strings.Contains(key, term) {
			return true
		}
	}
	return false
}

// followingBlockText returns the text of the block following a heading.
// Inline headings (strong, b) fall back to the rest of their parent's text.
func followingBlockText(h *goquery.Selection) string {
	switch goquery.NodeName(h) {
	case "dt":
		return strings.Join(textLines(h.NextFiltered("dd")), "; ")
	case "th":
		return strings.Join(textLines(h.NextFiltered("td")), "; ")
	case "strong", "b":
		parent := cleanText(h.Parent().Text())
		rest := strings.TrimSpace(strings.TrimPrefix(parent, cleanText(h.Text())))
		rest = strings.TrimSpace(strings.TrimLeft(rest, ":"))
		if rest != "" {
			return rest
		}
		return strings.Join(textLines(h.Parent().Next()), "; ")
	}
	if next := h.Next(); next.Length() > 0 {
		return strings.Join(textLines(next), "; ")
	}
	return strings.Join(textLines(h.Parent().Next()), "; ")
}
