package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/facility-crawler/internal/facility"
)

// titleSuffixRe splits "Kita Sonnenschein | kita.de" style titles.
var titleSuffixRe = regexp.MustCompile(`\s+[|–—-]\s+`)

var nameChain = []strategy{
	{name: "heading_container", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		return single(facility.FieldName,
			firstText(doc, ".facility-header h1, .kita-header h1, h1[itemprop=name], [itemtype*=ChildCare] [itemprop=name]"),
			"no known heading container")
	}},
	{name: "first_h1", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		return single(facility.FieldName, firstText(doc, "h1"), "no h1")
	}},
	{name: "og_title", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		content, _ := doc.Find(`meta[property="og:title"]`).First().Attr("content")
		return single(facility.FieldName, stripSiteSuffix(content), "no og:title")
	}},
	{name: "title", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		return single(facility.FieldName, stripSiteSuffix(doc.Find("title").First().Text()), "no title")
	}},
}

// Name extracts the facility display name.
func Name(doc *goquery.Document, pc PageContext) facility.Fields {
	return runChain("name", doc, pc, nameChain)
}

func stripSiteSuffix(title string) string {
	title = cleanText(title)
	if parts := titleSuffixRe.Split(title, 2); len(parts) > 0 {
		title = parts[0]
	}
	return strings.TrimSpace(title)
}
