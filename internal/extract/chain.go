// Package extract pulls facility field groups out of loosely structured detail
// pages. Every field group is an ordered chain of strategies; the first one
// that yields a value wins and every step is reported through a Trace so
// layout drift on the source site shows up in job logs.
package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/facility-crawler/internal/facility"
)

// Step reports the outcome of one strategy.
type Step struct {
	Extractor string
	Strategy  string
	Fired     bool
	// Degraded marks a catch-all strategy that preserved unparsed text.
	Degraded bool
	Reason   string
}

// Trace receives strategy outcomes. A nil Trace discards them.
type Trace func(Step)

// PageContext carries per-page inputs shared by all extractors.
type PageContext struct {
	SourceURL string
	Host      string
	Trace     Trace
}

// NewPageContext derives the host from sourceURL.
func NewPageContext(sourceURL string, trace Trace) PageContext {
	pc := PageContext{SourceURL: sourceURL, Trace: trace}
	if u, err := url.Parse(sourceURL); err == nil {
		pc.Host = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	}
	return pc
}

func (pc PageContext) report(s Step) {
	if pc.Trace != nil {
		pc.Trace(s)
	}
}

// Extractor pulls one field group out of a document.
type Extractor func(doc *goquery.Document, pc PageContext) facility.Fields

type strategy struct {
	name     string
	degraded bool
	// run returns the fields it found, or nil and the reason it did not fire.
	run func(doc *goquery.Document, pc PageContext) (facility.Fields, string)
}

// runChain tries each strategy in order and stops at the first that yields fields.
func runChain(extractor string, doc *goquery.Document, pc PageContext, chain []strategy) facility.Fields {
	for _, s := range chain {
		fields, reason := s.run(doc, pc)
		if len(fields) > 0 {
			pc.report(Step{Extractor: extractor, Strategy: s.name, Fired: true, Degraded: s.degraded, Reason: reason})
			return fields
		}
		pc.report(Step{Extractor: extractor, Strategy: s.name, Reason: reason})
	}
	return facility.Fields{}
}

// single wraps a string result into a one-field group.
func single(field facility.Field, value, reason string) (facility.Fields, string) {
	value = cleanText(value)
	if value == "" {
		return nil, reason
	}
	return facility.Fields{field: value}, ""
}
