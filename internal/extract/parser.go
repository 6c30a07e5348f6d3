package extract

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/facility-crawler/internal/facility"
)

// ErrNoDocument is returned when there is nothing to parse.
var ErrNoDocument = errors.New("no document")

type namedExtractor struct {
	name string
	fn   Extractor
}

// defaultExtractors run in this order; earlier values win on merge.
var defaultExtractors = []namedExtractor{
	{name: "name", fn: Name},
	{name: "address", fn: Address},
	{name: "contact", fn: Contact},
	{name: "table", fn: Table},
	{name: "description", fn: Description},
	{name: "geo", fn: Geo},
}

// ParseDetailPage runs every extractor, each behind its own recover guard, and
// merges the results. A page without a usable name yields (nil, nil).
func ParseDetailPage(doc *goquery.Document, sourceURL string, trace Trace) (*facility.RawRecord, error) {
	if doc == nil {
		return nil, ErrNoDocument
	}
	pc := NewPageContext(sourceURL, trace)
	merged := facility.Fields{}
	for _, ex := range defaultExtractors {
		merged.Merge(runGuarded(ex, doc, pc))
	}

	name := merged[facility.FieldName]
	delete(merged, facility.FieldName)
	if name == "" {
		pc.report(Step{Extractor: "parser", Strategy: "validate", Reason: "no usable name"})
		return nil, nil
	}
	return &facility.RawRecord{SourceURL: sourceURL, Name: name, Fields: merged}, nil
}

// ParseHTML builds a document from body and parses it.
func ParseHTML(body []byte, sourceURL string, trace Trace) (*facility.RawRecord, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrNoDocument
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", sourceURL, err)
	}
	return ParseDetailPage(doc, sourceURL, trace)
}

func runGuarded(ex namedExtractor, doc *goquery.Document, pc PageContext) (fields facility.Fields) {
	defer func() {
		if r := recover(); r != nil {
			pc.report(Step{Extractor: ex.name, Strategy: "guard", Reason: fmt.Sprintf("extractor panicked: %v", r)})
			fields = nil
		}
	}()
	return ex.fn(doc, pc)
}
