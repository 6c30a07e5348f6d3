package facility

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	germanFold = strings.NewReplacer(
		"ä", "ae", "ö", "oe", "ü", "ue", "ß", "ss",
		"Ä", "ae", "Ö", "oe", "Ü", "ue", "ẞ", "ss",
	)
	nonWordRe = regexp.MustCompile(`[^a-z0-9\s-]+`)
	spaceRe   = regexp.MustCompile(`\s+`)
	hyphenRe  = regexp.MustCompile(`-{2,}`)
)

// FoldDiacritics strips combining marks after decomposing s.
func FoldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Slugify derives a URL-safe slug from a facility name. An empty result falls
// back to a timestamp slug.
func Slugify(name string, now time.Time) string {
	s := germanFold.Replace(name)
	s = strings.ToLower(FoldDiacritics(s))
	s = nonWordRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(strings.TrimSpace(s), "-")
	s = hyphenRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return fmt.Sprintf("facility-%d", now.UnixMilli())
	}
	return s
}
