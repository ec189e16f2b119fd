package segmentation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows Repository.List. Zero values match everything.
type ListFilter struct {
	Status     Status
	EntityType EntityType
	// Search matches name, description and tags, case-insensitively.
	Search         string
	AutoRefresh    *bool
	IncludeDeleted bool
}

// SegmentPatch is a partial update. Nil fields are left untouched.
//
// Membership, when set, replaces memberIds and contactCount wholesale and
// stamps lastRefreshAt with its MaterializedAt.
type SegmentPatch struct {
	Name            *string
	Description     *string
	Tags            *[]string
	Criteria        *[]SegmentCriteria
	Status          *Status
	AutoRefresh     *bool
	RefreshInterval **int
	EstimatedReach  *int
	Membership      *Membership
}

// MetadataOnly reports whether the patch touches neither criteria nor
// membership.
func (p SegmentPatch) MetadataOnly() bool {
	return p.Criteria == nil && p.Membership == nil
}

// Repository owns segment records. Implementations return deep copies so
// callers can never mutate stored state.
type Repository interface {
	Create(ctx context.Context, seg *Segment) error
	Get(ctx context.Context, id uuid.UUID) (*Segment, error)
	List(ctx context.Context, filter ListFilter) ([]*Segment, error)
	Update(ctx context.Context, id uuid.UUID, patch SegmentPatch) (*Segment, error)
	// Delete is a soft delete: the segment becomes inactive and leaves the
	// active set.
	Delete(ctx context.Context, id uuid.UUID) error
	// HardDelete removes the record. Admin only.
	HardDelete(ctx context.Context, id uuid.UUID) error
}

// applyPatch mutates seg in place. Stores call it on their private copy.
func applyPatch(seg *Segment, patch SegmentPatch, now time.Time) {
	if patch.Name != nil {
		seg.Name = *patch.Name
	}
	if patch.Description != nil {
		seg.Description = *patch.Description
	}
	if patch.Tags != nil {
		seg.Tags = append([]string{}, (*patch.Tags)...)
	}
	if patch.Criteria != nil {
		// Hand-edited criteria detach the segment from its search.
		seg.Criteria = cloneCriteria(*patch.Criteria)
		seg.SourceQuery = nil
	}
	if patch.Status != nil {
		seg.Status = *patch.Status
	}
	if patch.AutoRefresh != nil {
		seg.AutoRefresh = *patch.AutoRefresh
	}
	if patch.RefreshInterval != nil {
		if *patch.RefreshInterval == nil {
			seg.RefreshInterval = nil
		} else {
			v := **patch.RefreshInterval
			seg.RefreshInterval = &v
		}
	}
	if patch.EstimatedReach != nil {
		seg.EstimatedReach = *patch.EstimatedReach
	}
	if m := patch.Membership; m != nil {
		seg.MemberIDs = append([]string{}, m.MemberIDs...)
		seg.ContactCount = len(seg.MemberIDs)
		at := m.MaterializedAt
		seg.LastRefreshAt = &at
	}
	seg.UpdatedAt = now
}
