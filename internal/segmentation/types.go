// Package segmentation provides rule-based audience segmentation for CRM
// entities: criteria evaluation, membership materialization and the
// segment lifecycle.
package segmentation

import (
	"time"

	"github.com/google/uuid"
)

// ==========================================
// OPERATORS
// ==========================================

// Operator represents a comparison operator
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpBetween     Operator = "between"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpIsNull      Operator = "is_null"
	OpIsNotNull   Operator = "is_not_null"
)

// OperatorMetadata contains info about an operator
type OperatorMetadata struct {
	Operator      Operator `json:"operator"`
	Label         string   `json:"label"`
	Description   string   `json:"description"`
	RequiresValue bool     `json:"requires_value"`
	RequiresList  bool     `json:"requires_list"` // in, not_in, between
	Numeric       bool     `json:"numeric"`
}

// GetOperatorMetadata returns metadata for all operators
func GetOperatorMetadata() []OperatorMetadata {
	return []OperatorMetadata{
		{OpEquals, "Equals", "Exact match", true, false, false},
		{OpNotEquals, "Does not equal", "Not an exact match", true, false, false},
		{OpContains, "Contains", "Contains the text", true, false, false},
		{OpNotContains, "Does not contain", "Does not contain the text", true, false, false},
		{OpGreaterThan, "Greater than", "Value is greater than", true, false, true},
		{OpLessThan, "Less than", "Value is less than", true, false, true},
		{OpBetween, "Between", "Value is between two numbers (inclusive)", true, true, true},
		{OpIn, "Is one of", "Value is one of the listed values", true, true, false},
		{OpNotIn, "Is not one of", "Value is none of the listed values", true, true, false},
		{OpIsNull, "Is empty", "Value is missing or empty", false, false, false},
		{OpIsNotNull, "Is not empty", "Value is present", false, false, false},
	}
}

func getOperatorMeta(op Operator) *OperatorMetadata {
	for _, meta := range GetOperatorMetadata() {
		if meta.Operator == op {
			return &meta
		}
	}
	return nil
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	return getOperatorMeta(op) != nil
}

// ==========================================
// LOGIC OPERATORS
// ==========================================

// LogicOperator for combining criteria
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// ==========================================
// ENUMERATIONS
// ==========================================

// EntityType names the CRM entity a segment selects from.
type EntityType string

const (
	EntityCompany EntityType = "company"
	EntityContact EntityType = "contact"
	EntityCourse  EntityType = "course"
	EntityFleet   EntityType = "fleet"
)

// EntityTypes lists every supported entity type in display order.
var EntityTypes = []EntityType{EntityCompany, EntityContact, EntityCourse, EntityFleet}

// Valid reports whether t is a supported entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityCompany, EntityContact, EntityCourse, EntityFleet:
		return true
	}
	return false
}

// Status is the lifecycle state of a segment.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusDraft || s == StatusActive || s == StatusInactive
}

// SegmentType distinguishes frozen membership from rematerialized membership.
type SegmentType string

const (
	// SegmentStatic membership is frozen at creation time.
	SegmentStatic SegmentType = "static"
	// SegmentDynamic membership is recomputed from criteria.
	SegmentDynamic SegmentType = "dynamic"
)

// ==========================================
// SEGMENT STRUCTURES
// ==========================================

// SegmentCriteria is a single field/operator/value test. LogicalOperator
// chains it to the running result of the criteria before it and is ignored
// on the first criterion.
type SegmentCriteria struct {
	ID              string        `json:"id"`
	Field           string        `json:"field"`
	Operator        Operator      `json:"operator"`
	Value           Value         `json:"value"`
	LogicalOperator LogicOperator `json:"logicalOperator,omitempty"`
}

// Segment is a named audience definition with its materialized membership.
type Segment struct {
	ID              uuid.UUID         `json:"id"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	EntityType      EntityType        `json:"entityType"`
	SegmentType     SegmentType       `json:"segmentType"`
	Criteria        []SegmentCriteria `json:"criteria"`
	Status          Status            `json:"status"`
	AutoRefresh     bool              `json:"autoRefresh"`
	RefreshInterval *int              `json:"refreshInterval,omitempty"` // hours
	LastRefreshAt   *time.Time        `json:"lastRefreshAt,omitempty"`
	MemberIDs       []string          `json:"memberIds"`
	ContactCount    int               `json:"contactCount"`
	EstimatedReach  int               `json:"estimatedReach"`
	Tags            []string          `json:"tags"`
	SourceQuery     *PowerSearchQuery `json:"sourceQuery,omitempty"`
	CreatedBy       string            `json:"createdBy"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	DeletedAt       *time.Time        `json:"deletedAt,omitempty"`
}

// Deleted reports whether the segment has been soft-deleted.
func (s *Segment) Deleted() bool {
	return s.DeletedAt != nil
}

// Schedulable reports whether the refresher should keep a timer for s.
func (s *Segment) Schedulable() bool {
	return !s.Deleted() &&
		s.Status == StatusActive &&
		s.SegmentType == SegmentDynamic &&
		s.AutoRefresh &&
		s.RefreshInterval != nil && *s.RefreshInterval >= 1
}

// Clone returns a deep copy so callers never share slices with a store.
func (s *Segment) Clone() *Segment {
	if s == nil {
		return nil
	}
	c := *s
	c.Criteria = cloneCriteria(s.Criteria)
	c.MemberIDs = append([]string(nil), s.MemberIDs...)
	c.Tags = append([]string(nil), s.Tags...)
	if s.RefreshInterval != nil {
		v := *s.RefreshInterval
		c.RefreshInterval = &v
	}
	if s.LastRefreshAt != nil {
		t := *s.LastRefreshAt
		c.LastRefreshAt = &t
	}
	if s.DeletedAt != nil {
		t := *s.DeletedAt
		c.DeletedAt = &t
	}
	if s.SourceQuery != nil {
		q := s.SourceQuery.Clone()
		c.SourceQuery = &q
	}
	return &c
}

func cloneCriteria(in []SegmentCriteria) []SegmentCriteria {
	if in == nil {
		return nil
	}
	out := make([]SegmentCriteria, len(in))
	for i, c := range in {
		c.Value = c.Value.clone()
		out[i] = c
	}
	return out
}

// Membership is a materialized membership snapshot. It is always replaced
// as a whole, never mutated in place.
type Membership struct {
	MemberIDs      []string  `json:"memberIds"`
	Count          int       `json:"contactCount"`
	MaterializedAt time.Time `json:"materializedAt"`
}

// SegmentPerformance carries engagement metrics owned by the campaign
// analytics collaborator. Read-only here.
type SegmentPerformance struct {
	SegmentID       uuid.UUID `json:"segmentId"`
	EmailsSent      int64     `json:"emailsSent"`
	EmailsOpened    int64     `json:"emailsOpened"`
	EmailsClicked   int64     `json:"emailsClicked"`
	Conversions     int64     `json:"conversions"`
	Revenue         float64   `json:"revenue"`
	EngagementScore float64   `json:"engagementScore"`
	ChurnRate       float64   `json:"churnRate"`
	GrowthRate      float64   `json:"growthRate"`
	LastCalculated  time.Time `json:"lastCalculated"`
}

// ==========================================
// POWER SEARCH
// ==========================================

// PowerSearchQuery is a transient search request. It is only persisted as
// the source of a dynamic segment or inside a saved search.
type PowerSearchQuery struct {
	Query      string           `json:"query"`
	Filters    SearchFilters    `json:"filters"`
	Sorting    SearchSorting    `json:"sorting"`
	Pagination SearchPagination `json:"pagination"`
}

// SearchFilters are the structured filter groups of a power search.
type SearchFilters struct {
	EntityTypes     []EntityType `json:"entityTypes,omitempty"`
	Countries       []string     `json:"countries,omitempty"`
	Status          []string     `json:"status,omitempty"`
	CompanyTypes    []string     `json:"companyTypes,omitempty"`
	Classifications []string     `json:"classifications,omitempty"`
	Categories      []string     `json:"categories,omitempty"`
	VesselTypes     []string     `json:"vesselTypes,omitempty"`
	DateRange       *DateRange   `json:"dateRange,omitempty"`
}

// DateRange bounds the createdAt attribute of matching records. Either end
// may be open.
type DateRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// Empty reports whether neither bound is set.
func (d *DateRange) Empty() bool {
	return d == nil || (d.From == nil && d.To == nil)
}

// SearchSorting orders search results.
type SearchSorting struct {
	Field     string `json:"field,omitempty"`
	Direction string `json:"direction,omitempty"` // asc or desc
}

// SearchPagination selects one page of search results.
type SearchPagination struct {
	Page  int `json:"page,omitempty"`
	Limit int `json:"limit,omitempty"`
}

// Clone returns a deep copy of q.
func (q PowerSearchQuery) Clone() PowerSearchQuery {
	c := q
	f := q.Filters
	c.Filters = SearchFilters{
		EntityTypes:     append([]EntityType(nil), f.EntityTypes...),
		Countries:       append([]string(nil), f.Countries...),
		Status:          append([]string(nil), f.Status...),
		CompanyTypes:    append([]string(nil), f.CompanyTypes...),
		Classifications: append([]string(nil), f.Classifications...),
		Categories:      append([]string(nil), f.Categories...),
		VesselTypes:     append([]string(nil), f.VesselTypes...),
	}
	if f.DateRange != nil {
		dr := *f.DateRange
		c.Filters.DateRange = &dr
	}
	return c
}
