// Package facility holds the raw and normalized facility record shapes and the
// pure mapping between them.
package facility

import "strings"

// Field names a raw extractor output.
type Field string

// Raw field names produced by the extractors.
const (
	FieldName            Field = "name"
	FieldStreet          Field = "street"
	FieldHouseNumber     Field = "house_number"
	FieldPostalCode      Field = "postal_code"
	FieldCity            Field = "city"
	FieldSubDistrict     Field = "sub_district"
	FieldFullAddress     Field = "full_address"
	FieldPhone           Field = "phone"
	FieldFax             Field = "fax"
	FieldEmail           Field = "email"
	FieldWebsite         Field = "website"
	FieldOperator        Field = "operator"
	FieldOperatorType    Field = "operator_type"
	FieldUmbrella        Field = "umbrella"
	FieldPlacesTotal     Field = "places_total"
	FieldPlacesAvailable Field = "places_available"
	FieldCareTimes       Field = "care_times"
	FieldAgeMin          Field = "age_min"
	FieldAgeMax          Field = "age_max"
	FieldConcept         Field = "concept"
	FieldOpeningHours    Field = "opening_hours"
	FieldDescription     Field = "description"
	FieldLatitude        Field = "latitude"
	FieldLongitude       Field = "longitude"
)

// Fields is a partial field group. Absent keys mean unknown.
type Fields map[Field]string

// Set stores value trimmed; blank values are ignored.
func (f Fields) Set(field Field, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	f[field] = value
}

// Merge copies fields from other that are not already set.
func (f Fields) Merge(other Fields) {
	for k, v := range other {
		if _, ok := f[k]; ok {
			continue
		}
		f.Set(k, v)
	}
}

// RawRecord is the per-page extractor output. It only exists with a name.
type RawRecord struct {
	SourceURL string
	Name      string
	Fields    Fields
}

// Get returns a raw field value.
func (r RawRecord) Get(field Field) (string, bool) {
	v, ok := r.Fields[field]
	return v, ok
}

// Record is the normalized, schema-conformant projection handed to the upserter.
// It only carries keys from ColumnNames and never holds empty values.
type Record map[string]any

// Column names understood by the facility store.
const (
	ColumnSourceURL          = "source_url"
	ColumnName               = "name"
	ColumnSlug               = "slug"
	ColumnRegion             = "region"
	ColumnDistrict           = "district"
	ColumnStreet             = "street"
	ColumnHouseNumber        = "house_number"
	ColumnPostalCode         = "postal_code"
	ColumnCity               = "city"
	ColumnSubDistrict        = "sub_district"
	ColumnFullAddress        = "full_address"
	ColumnPhone              = "phone"
	ColumnFax                = "fax"
	ColumnEmail              = "email"
	ColumnWebsite            = "website"
	ColumnOperator           = "operator_name"
	ColumnOperatorType       = "operator_type"
	ColumnUmbrella           = "umbrella_association"
	ColumnCapacityTotal      = "capacity_total"
	ColumnCapacityAvailable  = "capacity_available"
	ColumnCareTimes          = "care_times"
	ColumnAdmissionAgeMin    = "admission_age_min"
	ColumnAdmissionAgeMax    = "admission_age_max"
	ColumnPedagogicalConcept = "pedagogical_concept"
	ColumnOpeningHours       = "opening_hours"
	ColumnDescription        = "description"
	ColumnLatitude           = "latitude"
	ColumnLongitude          = "longitude"
	ColumnLastCrawledAt      = "last_crawled_at"
)

// ColumnNames lists every recognised column in table order.
var ColumnNames = []string{
	ColumnSourceURL, ColumnName, ColumnSlug, ColumnRegion, ColumnDistrict,
	ColumnStreet, ColumnHouseNumber, ColumnPostalCode, ColumnCity, ColumnSubDistrict, ColumnFullAddress,
	ColumnPhone, ColumnFax, ColumnEmail, ColumnWebsite,
	ColumnOperator, ColumnOperatorType, ColumnUmbrella,
	ColumnCapacityTotal, ColumnCapacityAvailable, ColumnCareTimes,
	ColumnAdmissionAgeMin, ColumnAdmissionAgeMax, ColumnPedagogicalConcept,
	ColumnOpeningHours, ColumnDescription, ColumnLatitude, ColumnLongitude,
	ColumnLastCrawledAt,
}

var knownColumns = func() map[string]struct{} {
	m := make(map[string]struct{}, len(ColumnNames))
	for _, c := range ColumnNames {
		m[c] = struct{}{}
	}
	return m
}()

// IsColumn reports whether name is a recognised column.
func IsColumn(name string) bool {
	_, ok := knownColumns[name]
	return ok
}
