package extract

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/facility-crawler/internal/facility"
)

type kv struct{ key, value string }

// vocabulary maps folded header words onto raw fields. A term matches a run
// of whole header words; a trailing "*" lets its last word match as a prefix.
// Order matters: "tragerart" must be checked before "trager" and "freie
// platze" before "platze".
var vocabulary = []struct {
	terms []string
	field facility.Field
}{
	{terms: []string{"tragerart*", "tragertyp*", "art des tragers", "operator type*"}, field: facility.FieldOperatorType},
	{terms: []string{"dachverband*", "spitzenverband*", "umbrella*"}, field: facility.FieldUmbrella},
	{terms: []string{"trager", "tragers", "operator", "betreiber*"}, field: facility.FieldOperator},
	{terms: []string{"frei", "freie", "freier", "freiplatz*", "verfugbare platze", "available places"}, field: facility.FieldPlacesAvailable},
	{terms: []string{"platze", "platz", "platzzahl*", "kapazitat*", "capacity", "places", "gesamtplatze", "betreuungsplatze"}, field: facility.FieldPlacesTotal},
	{terms: []string{"offnungszeit*", "oeffnungszeit*", "betreuungszeit*", "care time*", "opening hours"}, field: facility.FieldCareTimes},
	{terms: []string{"aufnahmealter", "altersgruppe*", "alter", "admission age", "age", "ages"}, field: facility.FieldAgeMin},
	{terms: []string{"padagogisches konzept", "padagogischer ansatz", "konzept", "padagogik", "pedagogical concept"}, field: facility.FieldConcept},
}

var (
	placesSplitRe = regexp.MustCompile(`^\s*(\d+)\s*/\s*(\d+)\s*$`)
	numberRe      = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
	upToRe        = regexp.MustCompile(`(?i)\b(?:bis|up to|max\.?)\s*\d`)
)

var tableChain = []strategy{
	{name: "key_value_table", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		var out facility.Fields
		doc.Find("table").EachWithBreak(func(_ int, t *goquery.Selection) bool {
			out = matchVocabulary(tableRows(t))
			return len(out) == 0
		})
		return out, "no table with known headers"
	}},
	{name: "definition_list", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		var out facility.Fields
		doc.Find("dl").EachWithBreak(func(_ int, dl *goquery.Selection) bool {
			out = matchVocabulary(definitionPairs(dl))
			return len(out) == 0
		})
		return out, "no definition list with known terms"
	}},
}

// Table extracts operator, capacity, care times, admission age and concept
// from the first key/value table whose headers match the vocabulary.
func Table(doc *goquery.Document, pc PageContext) facility.Fields {
	return runChain("table", doc, pc, tableChain)
}

func tableRows(t *goquery.Selection) []kv {
	var rows []kv
	t.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.ChildrenFiltered("th, td")
		if cells.Length() != 2 {
			return
		}
		rows = append(rows, kv{
			key:   cleanText(cells.Eq(0).Text()),
			value: strings.Join(textLines(cells.Eq(1)), "; "),
		})
	})
	return rows
}

func definitionPairs(dl *goquery.Selection) []kv {
	var rows []kv
	dl.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		dd := dt.NextFiltered("dd")
		if dd.Length() == 0 {
			return
		}
		rows = append(rows, kv{key: cleanText(dt.Text()), value: strings.Join(textLines(dd), "; ")})
	})
	return rows
}

func matchVocabulary(rows []kv) facility.Fields {
	out := facility.Fields{}
	matched := map[facility.Field]bool{}
	for _, row := range rows {
		field, ok := lookupField(row.key)
		if !ok || row.value == "" || matched[field] {
			continue
		}
		matched[field] = true
		switch field {
		case facility.FieldPlacesTotal:
			total, available := SplitPlaces(row.value)
			out.Set(facility.FieldPlacesTotal, total)
			if available != nil && !matched[facility.FieldPlacesAvailable] {
				out.Set(facility.FieldPlacesAvailable, *available)
			}
		case facility.FieldPlacesAvailable:
			// An explicit row wins over the "total / available" split.
			out.Set(facility.FieldPlacesAvailable, cleanText(row.value))
		case facility.FieldAgeMin:
			lo, hi := SplitAge(row.value)
			out.Set(facility.FieldAgeMin, lo)
			out.Set(facility.FieldAgeMax, hi)
		default:
			out.Set(field, row.value)
		}
	}
	return out
}

func lookupField(header string) (facility.Field, bool) {
	words := headerWords(header)
	if len(words) == 0 {
		return "", false
	}
	for _, entry := range vocabulary {
		for _, term := range entry.terms {
			if containsTerm(words, term) {
				return entry.field, true
			}
		}
	}
	return "", false
}

// headerWords folds header and splits it into letter/digit runs.
func headerWords(header string) []string {
	return strings.FieldsFunc(foldKey(header), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsTerm(words []string, term string) bool {
	prefix := strings.HasSuffix(term, "*")
	want := strings.Fields(strings.TrimSuffix(term, "*"))
	for start := 0; start+len(want) <= len(words); start++ {
		ok := true
		for i, w := range want {
			got := words[start+i]
			if got == w || (prefix && i == len(want)-1 && strings.HasPrefix(got, w)) {
				continue
			}
			ok = false
			break
		}
		if ok {
			return true
		}
	}
	return false
}

// SplitPlaces splits "25 / 3" into total and available. Without the separator
// the whole value is the total and available is nil (unknown).
func SplitPlaces(value string) (string, *string) {
	value = cleanText(value)
	if m := placesSplitRe.FindStringSubmatch(value); m != nil {
		available := m[2]
		return m[1], &available
	}
	return value, nil
}

// SplitAge reads "1 - 6 Jahre" as min 1 / max 6, "ab 2 Jahren" as min 2 and
// "bis 3 Jahre" as max 3.
func SplitAge(value string) (lo, hi string) {
	nums := numberRe.FindAllString(value, 2)
	switch len(nums) {
	case 0:
		return cleanText(value), ""
	case 1:
		if upToRe.MatchString(value) {
			return "", nums[0]
		}
		return nums[0], ""
	default:
		return nums[0], nums[1]
	}
}
