// Package search runs Power Search queries over the CRM corpus and turns
// their results into segments.
package search

import (
	"fmt"
	"strings"
	"time"

	"github.com/ignite/segment-engine/internal/segmentation"
)

// Record attributes that power search filters map onto.
const (
	FieldName           = "name"
	FieldDescription    = "description"
	FieldStatus         = "status"
	FieldCountry        = "country"
	FieldCompanyType    = "companyType"
	FieldClassification = "classification"
	FieldCategory       = "category"
	FieldVesselType     = "vesselType"
	FieldCreatedAt      = "createdAt"
)

// textFields are matched case-insensitively by free text in the executor.
var textFields = []string{FieldName, FieldDescription, "email", "domain", "city", FieldCountry}

// PrimaryEntityType is the entity type a segment built from q selects.
// Queries without an entity type filter search companies.
func PrimaryEntityType(q segmentation.PowerSearchQuery) segmentation.EntityType {
	for _, et := range q.Filters.EntityTypes {
		if et.Valid() {
			return et
		}
	}
	return segmentation.EntityCompany
}

// entityTypes lists the distinct valid entity types a query searches.
func entityTypes(q segmentation.PowerSearchQuery) []segmentation.EntityType {
	var out []segmentation.EntityType
	seen := make(map[segmentation.EntityType]bool)
	for _, et := range q.Filters.EntityTypes {
		if et.Valid() && !seen[et] {
			seen[et] = true
			out = append(out, et)
		}
	}
	if len(out) == 0 {
		out = append(out, segmentation.EntityCompany)
	}
	return out
}

// FilterCriteria derives the structured filters of q as an AND-joined
// criteria list. Free text is not included.
func FilterCriteria(q segmentation.PowerSearchQuery) []segmentation.SegmentCriteria {
	f := q.Filters
	var out []segmentation.SegmentCriteria
	add := func(field string, values []string) {
		values = nonEmpty(values)
		if len(values) == 0 {
			return
		}
		out = append(out, segmentation.SegmentCriteria{
			Field:    field,
			Operator: segmentation.OpIn,
			Value:    segmentation.Strings(values...),
		})
	}

	add(FieldStatus, f.Status)
	add(FieldCountry, f.Countries)
	add(FieldCompanyType, f.CompanyTypes)
	add(FieldClassification, f.Classifications)
	add(FieldCategory, f.Categories)
	add(FieldVesselType, f.VesselTypes)
	out = append(out, dateCriteria(f.DateRange)...)

	return joinWith(out, segmentation.LogicAnd)
}

// DeriveCriteria is the criteria list stored on a dynamic segment built
// from q: a name match for the free text followed by every filter, all
// AND-joined. It is the editable form of q; while the segment keeps its
// sourceQuery, membership comes from re-running q itself.
func DeriveCriteria(q segmentation.PowerSearchQuery) []segmentation.SegmentCriteria {
	var out []segmentation.SegmentCriteria
	if text := strings.TrimSpace(q.Query); text != "" {
		out = append(out, segmentation.SegmentCriteria{
			Field:    FieldName,
			Operator: segmentation.OpContains,
			Value:    segmentation.String(text),
		})
	}
	return joinWith(append(out, FilterCriteria(q)...), segmentation.LogicAnd)
}

// dateCriteria bounds createdAt (Unix seconds). Bounds are inclusive; an
// open end uses a strict comparison against the neighbouring second.
func dateCriteria(dr *segmentation.DateRange) []segmentation.SegmentCriteria {
	if dr.Empty() {
		return nil
	}
	switch {
	case dr.From != nil && dr.To != nil:
		return []segmentation.SegmentCriteria{{
			Field:    FieldCreatedAt,
			Operator: segmentation.OpBetween,
			Value:    segmentation.Numbers(float64(dr.From.Unix()), float64(dr.To.Unix())),
		}}
	case dr.From != nil:
		return []segmentation.SegmentCriteria{{
			Field:    FieldCreatedAt,
			Operator: segmentation.OpGreaterThan,
			Value:    segmentation.Number(float64(dr.From.Unix() - 1)),
		}}
	default:
		return []segmentation.SegmentCriteria{{
			Field:    FieldCreatedAt,
			Operator: segmentation.OpLessThan,
			Value:    segmentation.Number(float64(dr.To.Unix() + 1)),
		}}
	}
}

func joinWith(criteria []segmentation.SegmentCriteria, op segmentation.LogicOperator) []segmentation.SegmentCriteria {
	for i := range criteria {
		if i > 0 {
			criteria[i].LogicalOperator = op
		}
	}
	return criteria
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ==========================================
// NAMING
// ==========================================

// SuggestName derives a segment name from q: the free text if present,
// else the non-empty status, countries and companyTypes groups joined with
// " - ", else a dated default.
func SuggestName(q segmentation.PowerSearchQuery, now time.Time) string {
	if text := strings.TrimSpace(q.Query); text != "" {
		return text
	}

	var parts []string
	for _, group := range [][]string{q.Filters.Status, q.Filters.Countries, q.Filters.CompanyTypes} {
		if values := nonEmpty(group); len(values) > 0 {
			parts = append(parts, strings.Join(values, ", "))
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, " - ")
	}
	return "Search Results " + now.Format("2006-01-02")
}

// DescribeCriteria returns one human-readable line per non-empty part of q
// in declaration order.
func DescribeCriteria(q segmentation.PowerSearchQuery) []string {
	f := q.Filters
	var lines []string
	line := func(label string, values []string) {
		if values = nonEmpty(values); len(values) > 0 {
			lines = append(lines, fmt.Sprintf("%s: %s", label, strings.Join(values, ", ")))
		}
	}

	if text := strings.TrimSpace(q.Query); text != "" {
		lines = append(lines, fmt.Sprintf("Search: %q", text))
	}
	ets := make([]string, len(f.EntityTypes))
	for i, et := range f.EntityTypes {
		ets[i] = string(et)
	}
	line("Entity types", ets)
	line("Status", f.Status)
	line("Countries", f.Countries)
	line("Company types", f.CompanyTypes)
	line("Classifications", f.Classifications)
	line("Categories", f.Categories)
	line("Vessel types", f.VesselTypes)

	if dr := f.DateRange; !dr.Empty() {
		from, to := "any", "any"
		if dr.From != nil {
			from = dr.From.Format("2006-01-02")
		}
		if dr.To != nil {
			to = dr.To.Format("2006-01-02")
		}
		lines = append(lines, fmt.Sprintf("Created: %s to %s", from, to))
	}
	return lines
}
