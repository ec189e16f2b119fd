package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/segment-engine/internal/pkg/logger"
	"github.com/ignite/segment-engine/internal/segmentation"
)

const (
	// StaticMemberCap bounds the frozen membership of a static segment built
	// from a one-off search.
	StaticMemberCap = 100

	// DefaultDynamicRefreshHours is the refresh interval given to dynamic
	// segments built from a search.
	DefaultDynamicRefreshHours = 24
)

// SegmentPreview is the editable proposal shown before a search becomes a
// segment.
type SegmentPreview struct {
	Name                string                         `json:"name"`
	Description         string                         `json:"description"`
	CriteriaDescription []string                       `json:"criteriaDescription"`
	EntityType          segmentation.EntityType        `json:"entityType"`
	SegmentType         segmentation.SegmentType       `json:"segmentType"`
	Criteria            []segmentation.SegmentCriteria `json:"criteria"`
	MemberIDs           []string                       `json:"memberIds,omitempty"`
	ResultCount         int                            `json:"resultCount"`
	EstimatedReach      int                            `json:"estimatedReach"`
	Tags                []string                       `json:"tags"`
	AutoRefresh         bool                           `json:"autoRefresh"`
	RefreshInterval     *int                           `json:"refreshInterval,omitempty"`
	SourceQuery         *segmentation.PowerSearchQuery `json:"sourceQuery,omitempty"`
}

// CreateOptions carries who is creating the segment.
type CreateOptions struct {
	CreatedBy string
	// Draft creates the segment in draft status instead of active.
	Draft bool
}

// SegmentCreator is what the converter needs from the segment engine.
type SegmentCreator interface {
	Create(ctx context.Context, in segmentation.CreateSegmentInput) (*segmentation.Segment, error)
}

// Converter turns power search results into segments.
type Converter struct {
	segments   SegmentCreator
	authorizer segmentation.Authorizer
	staticCap  int
	now        func() time.Time
}

// NewConverter creates a converter writing through segments.
func NewConverter(segments SegmentCreator) *Converter {
	return &Converter{
		segments:   segments,
		authorizer: segmentation.AuthorizerFunc(func(context.Context) bool { return true }),
		staticCap:  StaticMemberCap,
		now:        time.Now,
	}
}

// SetAuthorizer installs the RBAC gate consulted before Create.
func (c *Converter) SetAuthorizer(a segmentation.Authorizer) { c.authorizer = a }

// SetStaticCap overrides the static membership cap.
func (c *Converter) SetStaticCap(n int) {
	if n > 0 {
		c.staticCap = n
	}
}

// Preview proposes a segment for q and its results. A static preview
// freezes the first ids of the result set; a dynamic preview keeps the
// query and its derived criteria instead.
func (c *Converter) Preview(q segmentation.PowerSearchQuery, results *Results, kind segmentation.SegmentType) SegmentPreview {
	if kind != segmentation.SegmentStatic {
		kind = segmentation.SegmentDynamic
	}
	entityType := PrimaryEntityType(q)

	var ids []string
	if results != nil {
		ids = results.IDs(entityType)
	}

	lines := DescribeCriteria(q)
	p := SegmentPreview{
		Name:                SuggestName(q, c.now()),
		Description:         strings.Join(lines, "; "),
		CriteriaDescription: lines,
		EntityType:          entityType,
		SegmentType:         kind,
		ResultCount:         len(ids),
		EstimatedReach:      len(ids),
		Tags:                []string{"power-search"},
	}
	if p.CriteriaDescription == nil {
		p.CriteriaDescription = []string{}
	}

	switch kind {
	case segmentation.SegmentStatic:
		p.MemberIDs = ids[:min(len(ids), c.staticCap)]
		p.Criteria = []segmentation.SegmentCriteria{}
	default:
		sq := q.Clone()
		sq.Pagination = segmentation.SearchPagination{}
		interval := DefaultDynamicRefreshHours
		p.Criteria = DeriveCriteria(q)
		p.SourceQuery = &sq
		p.AutoRefresh = true
		p.RefreshInterval = &interval
	}
	return p
}

// Create persists a possibly customized preview. It requires a name and a
// non-empty result set and honours the RBAC gate; on rejection nothing is
// written.
func (c *Converter) Create(ctx context.Context, p SegmentPreview, opts CreateOptions) (*segmentation.Segment, error) {
	if !c.authorizer.CanCreateSegments(ctx) {
		return nil, segmentation.ErrForbidden
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, segmentation.NewValidationError("name", "name is required")
	}
	if p.ResultCount == 0 {
		return nil, segmentation.NewValidationError("results", "cannot create a segment from an empty result set")
	}

	in := segmentation.CreateSegmentInput{
		Name:           p.Name,
		Description:    p.Description,
		EntityType:     p.EntityType,
		SegmentType:    p.SegmentType,
		Criteria:       p.Criteria,
		Status:         segmentation.StatusActive,
		Tags:           p.Tags,
		CreatedBy:      opts.CreatedBy,
		EstimatedReach: p.EstimatedReach,
	}
	if opts.Draft {
		in.Status = segmentation.StatusDraft
	}

	switch p.SegmentType {
	case segmentation.SegmentStatic:
		if len(p.MemberIDs) > c.staticCap {
			p.MemberIDs = p.MemberIDs[:c.staticCap]
		}
		in.MemberIDs = p.MemberIDs
	case segmentation.SegmentDynamic:
		if p.SourceQuery == nil {
			return nil, segmentation.NewValidationError("sourceQuery", "a dynamic segment needs its search query")
		}
		in.SourceQuery = p.SourceQuery
		in.AutoRefresh = p.AutoRefresh
		in.RefreshInterval = p.RefreshInterval
	default:
		return nil, segmentation.NewValidationError("segmentType", "must be static or dynamic, got %q", p.SegmentType)
	}

	seg, err := c.segments.Create(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create segment from search: %w", err)
	}

	logger.Info("segment created from search",
		"segment_id", seg.ID,
		"segment_type", seg.SegmentType,
		"result_count", p.ResultCount,
		"member_count", seg.ContactCount,
	)
	return seg, nil
}
