package crawler

import (
	"net/url"
	"strings"
)

// regionLabels maps URL slugs of the 16 German states to display labels.
// Aliases cover transliterations without the umlaut expansion.
var regionLabels = map[string]string{
	"baden-wuerttemberg":     "Baden-Württemberg",
	"baden-wurttemberg":      "Baden-Württemberg",
	"bayern":                 "Bayern",
	"berlin":                 "Berlin",
	"brandenburg":            "Brandenburg",
	"bremen":                 "Bremen",
	"hamburg":                "Hamburg",
	"hessen":                 "Hessen",
	"mecklenburg-vorpommern": "Mecklenburg-Vorpommern",
	"niedersachsen":          "Niedersachsen",
	"nordrhein-westfalen":    "Nordrhein-Westfalen",
	"rheinland-pfalz":        "Rheinland-Pfalz",
	"saarland":               "Saarland",
	"sachsen":                "Sachsen",
	"sachsen-anhalt":         "Sachsen-Anhalt",
	"schleswig-holstein":     "Schleswig-Holstein",
	"thueringen":             "Thüringen",
	"thuringen":              "Thüringen",
}

// ResolveRegion returns the state label for a district URL by matching its
// path segments against the region table.
func ResolveRegion(districtURL string) (string, bool) {
	u, err := url.Parse(districtURL)
	if err != nil {
		return "", false
	}
	for _, seg := range strings.Split(strings.ToLower(u.Path), "/") {
		if label, ok := regionLabels[seg]; ok {
			return label, true
		}
	}
	return "", false
}

// RegionLabel returns the display label for a region slug.
func RegionLabel(slug string) (string, bool) {
	label, ok := regionLabels[strings.ToLower(strings.TrimSpace(slug))]
	return label, ok
}
