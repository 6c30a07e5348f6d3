package facility

import (
	"strconv"
	"strings"
	"time"
)

var fieldColumns = map[Field]string{
	FieldStreet:          ColumnStreet,
	FieldHouseNumber:     ColumnHouseNumber,
	FieldPostalCode:      ColumnPostalCode,
	FieldCity:            ColumnCity,
	FieldSubDistrict:     ColumnSubDistrict,
	FieldFullAddress:     ColumnFullAddress,
	FieldPhone:           ColumnPhone,
	FieldFax:             ColumnFax,
	FieldEmail:           ColumnEmail,
	FieldWebsite:         ColumnWebsite,
	FieldOperator:        ColumnOperator,
	FieldOperatorType:    ColumnOperatorType,
	FieldUmbrella:        ColumnUmbrella,
	FieldPlacesTotal:     ColumnCapacityTotal,
	FieldPlacesAvailable: ColumnCapacityAvailable,
	FieldCareTimes:       ColumnCareTimes,
	FieldAgeMin:          ColumnAdmissionAgeMin,
	FieldAgeMax:          ColumnAdmissionAgeMax,
	FieldConcept:         ColumnPedagogicalConcept,
	FieldOpeningHours:    ColumnOpeningHours,
	FieldDescription:     ColumnDescription,
}

// Map projects a raw record plus crawl context onto the store schema. Empty
// values are dropped so an upsert never overwrites stored data with blanks.
func Map(raw RawRecord, regionLabel, districtLabel string, now time.Time) Record {
	rec := Record{}
	put := func(col, val string) {
		if val = strings.TrimSpace(val); val != "" {
			rec[col] = val
		}
	}

	name := strings.TrimSpace(raw.Name)
	put(ColumnSourceURL, raw.SourceURL)
	put(ColumnName, name)
	put(ColumnSlug, Slugify(name, now))
	put(ColumnRegion, regionLabel)
	put(ColumnDistrict, districtLabel)

	for field, col := range fieldColumns {
		if v, ok := raw.Get(field); ok {
			put(col, v)
		}
	}
	latRaw, _ := raw.Get(FieldLatitude)
	lngRaw, _ := raw.Get(FieldLongitude)
	if lat, ok := parseCoord(latRaw, 90); ok {
		if lng, ok := parseCoord(lngRaw, 180); ok {
			rec[ColumnLatitude] = lat
			rec[ColumnLongitude] = lng
		}
	}
	if !now.IsZero() {
		rec[ColumnLastCrawledAt] = now.UTC()
	}
	return rec
}

func parseCoord(s string, limit float64) (float64, bool) {
	s = strings.Replace(strings.TrimSpace(s), ",", ".", 1)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < -limit || f > limit {
		return 0, false
	}
	return f, true
}
