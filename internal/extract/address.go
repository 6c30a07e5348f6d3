package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/facility-crawler/internal/facility"
)

const addressSelectors = "address, [itemprop=address], .address, .kita-address, .facility-address, .adresse"

var (
	postalLineRe   = regexp.MustCompile(`^(?:D-?\s*)?(\d{5})\s+(\S.*)$`)
	postalScanRe   = regexp.MustCompile(`(?:^|\s)\d{5}\s+\p{Lu}`)
	inlinePostalRe = regexp.MustCompile(`^(.+?)\s+((?:D-?\s*)?\d{5}\s+\S.*)$`)
	streetRe       = regexp.MustCompile(`^(.*?\S)\s+(\d+\s*[a-zA-Z]?(?:\s*[-/]\s*\d+\s*[a-zA-Z]?)?)$`)
	commaSplitRe   = regexp.MustCompile(`\s*[,;|·•]\s*`)
	bulletSplitRe  = regexp.MustCompile(`\s*[|·•]\s*`)
	parenSubRe     = regexp.MustCompile(`^(.+?)\s*\(([^)]+)\)$`)
	slashSubRe     = regexp.MustCompile(`^(.+?)\s*/\s*(.+)$`)
)

// metroCities are single-city states whose boroughs appear as "City-Borough".
var metroCities = []string{"Berlin", "Hamburg", "Bremen"}

const maxScanLen = 160

var addressChain = []strategy{
	{name: "address_block", run: func(doc *goquery.Document, pc PageContext) (facility.Fields, string) {
		block := doc.Find(addressSelectors).First()
		if block.Length() == 0 {
			return nil, "no address block"
		}
		if fields, ok := parseAddress(textLines(block), pc); ok {
			return fields, ""
		}
		return nil, "address block has no postal code line"
	}},
	{name: "postal_scan", run: func(doc *goquery.Document, pc PageContext) (facility.Fields, string) {
		cand := postalCandidate(doc)
		if cand == nil {
			return nil, "no element matching postal code and city"
		}
		lines := textLines(cand)
		if len(lines) == 1 && !strings.Contains(lines[0], ",") && !inlinePostalRe.MatchString(lines[0]) {
			// Postal line alone; the street usually sits in the previous sibling.
			if prev := cleanText(cand.Prev().Text()); prev != "" {
				lines = append([]string{prev}, lines...)
			}
		}
		if fields, ok := parseAddress(lines, pc); ok {
			return fields, ""
		}
		return nil, "postal candidate did not parse"
	}},
	{name: "verbatim", degraded: true, run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		block := doc.Find(addressSelectors + `, [class*="address"], [class*="adresse"]`).First()
		if block.Length() == 0 {
			return nil, "no address text to preserve"
		}
		return single(facility.FieldFullAddress, strings.Join(textLines(block), ", "), "address block empty")
	}},
}

// Address extracts street, house number, postal code, city and sub-district.
func Address(doc *goquery.Document, pc PageContext) facility.Fields {
	return runChain("address", doc, pc, addressChain)
}

// postalCandidate returns the smallest element whose text looks like "12345 City".
func postalCandidate(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestLen := maxScanLen + 1
	contentRoot(doc).Find("p, li, dd, td, span, div").Each(func(_ int, s *goquery.Selection) {
		text := cleanText(s.Text())
		if len(text) > maxScanLen || len(text) >= bestLen || !postalScanRe.MatchString(text) {
			return
		}
		best, bestLen = s, len(text)
	})
	return best
}

// parseAddress reports a degraded verbatim step when the text before the
// postal line was kept as full_address instead of street and house number.
func parseAddress(lines []string, pc PageContext) (facility.Fields, bool) {
	fields, ok := ParseAddressLines(lines)
	if ok && fields[facility.FieldStreet] == "" && fields[facility.FieldFullAddress] != "" {
		pc.report(Step{Extractor: "address", Strategy: "verbatim", Fired: true, Degraded: true, Reason: "no street and house number before postal code"})
	}
	return fields, ok
}

// ParseAddressLines parses address lines; a single line is split on commas,
// separators such as "·" or "|", or before the postal code. Lines before the
// postal line that hold no street and house number are kept verbatim as
// full_address. ok is false when no postal code line exists.
func ParseAddressLines(lines []string) (facility.Fields, bool) {
	if len(lines) == 1 {
		lines = splitFlat(lines[0])
	} else {
		lines = splitBullets(lines)
	}
	idx := -1
	for i, l := range lines {
		if postalLineRe.MatchString(l) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}

	fields := facility.Fields{}
	m := postalLineRe.FindStringSubmatch(lines[idx])
	fields.Set(facility.FieldPostalCode, m[1])
	city, sub := SplitCity(m[2])
	fields.Set(facility.FieldCity, city)
	fields.Set(facility.FieldSubDistrict, sub)

	for j := idx - 1; j >= 0; j-- {
		if sm := streetRe.FindStringSubmatch(lines[j]); sm != nil {
			fields.Set(facility.FieldStreet, sm[1])
			fields.Set(facility.FieldHouseNumber, strings.ReplaceAll(sm[2], " ", ""))
			return fields, true
		}
	}
	fields.Set(facility.FieldFullAddress, strings.Join(lines[:idx], ", "))
	return fields, true
}

func splitBullets(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		for _, part := range bulletSplitRe.Split(l, -1) {
			if part = cleanText(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func splitFlat(line string) []string {
	parts := commaSplitRe.Split(cleanText(line), -1)
	if len(parts) > 1 {
		return parts
	}
	if m := inlinePostalRe.FindStringSubmatch(parts[0]); m != nil {
		return []string{m[1], m[2]}
	}
	return parts
}

// SplitCity separates a sub-district from the city token: "Köln (Ehrenfeld)",
// "Köln / Ehrenfeld" and "Berlin-Mitte" all yield a sub-district.
func SplitCity(token string) (city, sub string) {
	token = cleanText(token)
	if m := parenSubRe.FindStringSubmatch(token); m != nil {
		return m[1], m[2]
	}
	if m := slashSubRe.FindStringSubmatch(token); m != nil {
		return m[1], m[2]
	}
	for _, metro := range metroCities {
		if token == metro {
			return metro, ""
		}
		if strings.HasPrefix(token, metro) {
			rest := strings.TrimLeft(token[len(metro):], " -–")
			if rest != "" && rest != token[len(metro):] {
				return metro, rest
			}
		}
	}
	return token, ""
}
