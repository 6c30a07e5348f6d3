package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/facility-crawler/internal/facility"
)

var (
	wsRe = regexp.MustCompile(`[\s\x{00a0}]+`)

	blockTags = map[string]bool{
		"address": true, "article": true, "aside": true, "blockquote": true, "dd": true,
		"div": true, "dl": true, "dt": true, "footer": true, "h1": true, "h2": true,
		"h3": true, "h4": true, "h5": true, "h6": true, "header": true, "li": true,
		"main": true, "nav": true, "ol": true, "p": true, "section": true, "table": true,
		"tbody": true, "td": true, "th": true, "tr": true, "ul": true,
	}
)

// cleanText collapses whitespace (including nbsp) and trims.
func cleanText(s string) string {
	return strings.TrimSpace(wsRe.ReplaceAllString(s, " "))
}

// foldKey lowercases, folds umlauts and diacritics, drops trailing colons.
// "Trägerart:" → "tragerart".
func foldKey(s string) string {
	s = strings.ToLower(facility.FoldDiacritics(cleanText(s)))
	return strings.TrimSpace(strings.TrimRight(s, ":*"))
}

// textLines renders a selection as lines, breaking at <br> and block elements.
func textLines(sel *goquery.Selection) []string {
	var b strings.Builder
	sel.Each(func(_ int, s *goquery.Selection) {
		writeLines(&b, s)
		b.WriteByte('\n')
	})
	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line = cleanText(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func writeLines(b *strings.Builder, sel *goquery.Selection) {
	sel.Contents().Each(func(_ int, child *goquery.Selection) {
		name := goquery.NodeName(child)
		switch {
		case name == "#text":
			b.WriteString(child.Text())
		case name == "br":
			b.WriteByte('\n')
		case name == "script" || name == "style" || name == "noscript" || name == "#comment":
		case blockTags[name]:
			b.WriteByte('\n')
			writeLines(b, child)
			b.WriteByte('\n')
		default:
			writeLines(b, child)
		}
	})
}

// contentRoot picks the main content area, falling back to body.
func contentRoot(doc *goquery.Document) *goquery.Selection {
	for _, sel := range []string{"main", "article", "#content", ".content", "body"} {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			return s
		}
	}
	return doc.Selection
}

// firstText returns the first non-empty text among matches of selector.
func firstText(doc *goquery.Document, selector string) string {
	var out string
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		out = cleanText(s.Text())
		return out == ""
	})
	return out
}
