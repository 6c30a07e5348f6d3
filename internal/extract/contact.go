package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/facility-crawler/internal/facility"
)

var (
	phoneLabelRe   = regexp.MustCompile(`(?i)^(?:telefon|tel\.?|fon|phone|rufnummer)(?:\s*/\s*(?:tele)?fax\.?)?\s*:?\s*(.*)$`)
	faxLabelRe     = regexp.MustCompile(`(?i)^(?:telefax|fax)\s*:?\s*(.*)$`)
	emailLabelRe   = regexp.MustCompile(`(?i)^(?:e-?mail|mail)\s*:?\s*(.*)$`)
	websiteLabelRe = regexp.MustCompile(`(?i)^(?:website|webseite|homepage|internet|web)\s*:?\s*(.*)$`)
	phoneValueRe   = regexp.MustCompile(`^\+?[\d\s/().-]{5,}\d`)
	emailRe        = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	domainRe       = regexp.MustCompile(`(?i)^(?:https?://)?(?:www\.)?[a-z0-9-]+(?:\.[a-z0-9-]+)+(?:/\S*)?$`)

	atRe      = regexp.MustCompile(`(?i)\s*[\[({]\s*(?:at|ät)\s*[\])}]\s*|\s+at\s+`)
	dotRe     = regexp.MustCompile(`(?i)\s*[\[({]\s*(?:dot|punkt)\s*[\])}]\s*|\s+dot\s+`)
	phoneSepR = strings.NewReplacer("/", " ", "-", " ", "(", " ", ")", " ", ".", " ", "–", " ")
)

// nonFacilityHosts are never accepted as a facility website.
var nonFacilityHosts = newHostPatterns(
	"*.facebook.com", "*.instagram.com", "*.twitter.com", "*.x.com", "*.youtube.com",
	"*.linkedin.com", "*.xing.com", "*.tiktok.com", "*.pinterest.com", "wa.me",
	"*.google.com", "*.google.de", "goo.gl", "*.bing.com", "maps.apple.com",
	"*.openstreetmap.org", "*.duckduckgo.com", "*.yahoo.com",
)

// Contact extracts phone, fax, email and website, each with its own chain.
func Contact(doc *goquery.Document, pc PageContext) facility.Fields {
	out := facility.Fields{}
	out.Merge(runChain("contact.phone", doc, pc, phoneChain))
	out.Merge(runChain("contact.fax", doc, pc, faxChain))
	out.Merge(runChain("contact.email", doc, pc, emailChain))
	out.Merge(runChain("contact.website", doc, pc, websiteChain))
	return out
}

var phoneChain = []strategy{
	{name: "tel_anchor", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		return single(facility.FieldPhone, NormalizePhone(telAnchor(doc, false)), "no tel: anchor")
	}},
	{name: "label", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		return single(facility.FieldPhone, NormalizePhone(labelValue(doc, phoneLabelRe, phoneValueRe)), "no phone label")
	}},
}

var faxChain = []strategy{
	{name: "tel_anchor", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		return single(facility.FieldFax, NormalizePhone(telAnchor(doc, true)), "no fax tel: anchor")
	}},
	{name: "label", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		return single(facility.FieldFax, NormalizePhone(labelValue(doc, faxLabelRe, phoneValueRe)), "no fax label")
	}},
}

var emailChain = []strategy{
	{name: "mailto_anchor", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		var email string
		doc.Find(`a[href^="mailto:"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href, _ := s.Attr("href")
			addr := strings.TrimPrefix(href, "mailto:")
			if i := strings.IndexByte(addr, '?'); i >= 0 {
				addr = addr[:i]
			}
			if unescaped, err := url.PathUnescape(addr); err == nil {
				addr = unescaped
			}
			email = emailRe.FindString(DeobfuscateEmail(addr))
			return email == ""
		})
		return single(facility.FieldEmail, strings.ToLower(email), "no mailto: anchor")
	}},
	{name: "label", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		value := labelValue(doc, emailLabelRe, nil)
		return single(facility.FieldEmail, strings.ToLower(emailRe.FindString(DeobfuscateEmail(value))), "no email label")
	}},
	{name: "text_scan", run: func(doc *goquery.Document, pc PageContext) (facility.Fields, string) {
		for _, line := range textLines(contentRoot(doc)) {
			lower := strings.ToLower(line)
			if !strings.Contains(lower, "@") && !strings.Contains(lower, "at]") && !strings.Contains(lower, "at)") {
				continue
			}
			if email := emailRe.FindString(DeobfuscateEmail(line)); email != "" {
				return facility.Fields{facility.FieldEmail: strings.ToLower(email)}, ""
			}
		}
		return nil, "no email-like text"
	}},
}

var websiteChain = []strategy{
	{name: "labelled_anchor", run: func(doc *goquery.Document, pc PageContext) (facility.Fields, string) {
		var site string
		doc.Find(`a[href^="http"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href, _ := s.Attr("href")
			cls, _ := s.Attr("class")
			label := foldKey(s.Text() + " " + cls + " " + s.Parent().Text())
			if !strings.Contains(label, "website") && !strings.Contains(label, "homepage") &&
				!strings.Contains(label, "webseite") && !strings.Contains(label, "internet") {
				return true
			}
			site = acceptWebsite(href, pc.Host)
			return site == ""
		})
		return single(facility.FieldWebsite, site, "no labelled website link")
	}},
	{name: "external_anchor", run: func(doc *goquery.Document, pc PageContext) (facility.Fields, string) {
		var site string
		contentRoot(doc).Find(`a[href^="http"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if s.Closest("nav, footer, header, .footer, .navigation, .share, .social").Length() > 0 {
				return true
			}
			href, _ := s.Attr("href")
			site = acceptWebsite(href, pc.Host)
			return site == ""
		})
		return single(facility.FieldWebsite, site, "no external link in content")
	}},
	{name: "label", run: func(doc *goquery.Document, pc PageContext) (facility.Fields, string) {
		value := strings.ToLower(labelValue(doc, websiteLabelRe, domainRe))
		if value != "" && !strings.HasPrefix(value, "http") {
			value = "https://" + value
		}
		return single(facility.FieldWebsite, acceptWebsite(value, pc.Host), "no website label")
	}},
}

// telAnchor returns the first tel: number; wantFax selects anchors labelled fax.
func telAnchor(doc *goquery.Document, wantFax bool) string {
	var number string
	doc.Find(`a[href^="tel:"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		label := strings.ToLower(s.AttrOr("title", "") + " " + s.AttrOr("class", "") + " " +
			s.Parent().AttrOr("class", "") + " " + s.Text() + " " + precedingLabel(s))
		if strings.Contains(label, "fax") != wantFax {
			return true
		}
		href, _ := s.Attr("href")
		if unescaped, err := url.PathUnescape(strings.TrimPrefix(href, "tel:")); err == nil {
			number = unescaped
		}
		return number == ""
	})
	return number
}

// precedingLabel returns the short text run right before s inside its parent.
func precedingLabel(s *goquery.Selection) string {
	parent, own := s.Parent().Text(), s.Text()
	i := strings.Index(parent, own)
	if i <= 0 {
		return ""
	}
	before := []rune(strings.TrimSpace(parent[:i]))
	if len(before) > 12 {
		before = before[len(before)-12:]
	}
	return string(before)
}

// labelValue finds a "Label: value" line, or a label line followed by the
// value on the next line. valueRe, when set, must match the value.
func labelValue(doc *goquery.Document, labelRe, valueRe *regexp.Regexp) string {
	lines := textLines(contentRoot(doc))
	for i, line := range lines {
		m := labelRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		value := strings.TrimSpace(m[1])
		if value == "" && i+1 < len(lines) {
			value = lines[i+1]
		}
		if valueRe != nil {
			value = valueRe.FindString(value)
		}
		if value != "" {
			return value
		}
	}
	return ""
}

// NormalizePhone collapses separators to single spaces and rewrites the
// national trunk prefix: "030 / 12 34-56" → "+49 30 12 34 56".
func NormalizePhone(raw string) string {
	s := cleanText(raw)
	if s == "" {
		return ""
	}
	s = strings.Replace(s, "(0)", " ", 1)
	s = cleanText(phoneSepR.Replace(s))
	switch {
	case strings.HasPrefix(s, "+"):
	case strings.HasPrefix(s, "00"):
		s = "+" + strings.TrimPrefix(s, "00")
	case strings.HasPrefix(s, "0"):
		s = "+49 " + strings.TrimPrefix(s, "0")
	}
	if strings.HasPrefix(s, "+49") && !strings.HasPrefix(s, "+49 ") {
		s = "+49 " + strings.TrimPrefix(s, "+49")
	}
	return cleanText(s)
}

// DeobfuscateEmail rewrites "[at]", "(at)", " at ", "[dot]" and similar.
func DeobfuscateEmail(s string) string {
	s = atRe.ReplaceAllString(s, "@")
	return dotRe.ReplaceAllString(s, ".")
}

// acceptWebsite returns href when it points off-site to a non-blocklisted host.
func acceptWebsite(href, crawledHost string) string {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if crawledHost != "" && (host == crawledHost || strings.HasSuffix(host, "."+crawledHost)) {
		return ""
	}
	if nonFacilityHosts.Match(host) {
		return ""
	}
	u.Fragment = ""
	return u.String()
}
