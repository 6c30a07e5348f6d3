package extract

import (
	"regexp"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/facility-crawler/internal/facility"
)

var coordPairRe = regexp.MustCompile(`(-?\d{1,3}[.,]\d+)\s*[;,]\s*(-?\d{1,3}[.,]\d+)`)

var geoChain = []strategy{
	{name: "data_attributes", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		for _, pair := range [][2]string{{"data-lat", "data-lng"}, {"data-lat", "data-lon"}, {"data-latitude", "data-longitude"}} {
			s := doc.Find("[" + pair[0] + "][" + pair[1] + "]").First()
			if s.Length() == 0 {
				continue
			}
			return coords(s.AttrOr(pair[0], ""), s.AttrOr(pair[1], ""))
		}
		return nil, "no map element with coordinates"
	}},
	{name: "meta", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		for _, sel := range []string{`meta[name="geo.position"]`, `meta[name="ICBM"]`} {
			content, ok := doc.Find(sel).First().Attr("content")
			if !ok {
				continue
			}
			if m := coordPairRe.FindStringSubmatch(content); m != nil {
				return coords(m[1], m[2])
			}
		}
		return nil, "no geo meta"
	}},
	{name: "microdata", run: func(doc *goquery.Document, _ PageContext) (facility.Fields, string) {
		lat := doc.Find(`[itemprop=latitude]`).First()
		lng := doc.Find(`[itemprop=longitude]`).First()
		if lat.Length() == 0 || lng.Length() == 0 {
			return nil, "no geo microdata"
		}
		return coords(lat.AttrOr("content", lat.Text()), lng.AttrOr("content", lng.Text()))
	}},
}

// Geo extracts latitude and longitude when the page embeds them.
func Geo(doc *goquery.Document, pc PageContext) facility.Fields {
	return runChain("geo", doc, pc, geoChain)
}

func coords(lat, lng string) (facility.Fields, string) {
	out := facility.Fields{}
	out.Set(facility.FieldLatitude, lat)
	out.Set(facility.FieldLongitude, lng)
	if len(out) != 2 {
		return nil, "incomplete coordinates"
	}
	return out, ""
}
