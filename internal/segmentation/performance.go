package segmentation

import (
	"context"

	"github.com/google/uuid"
)

// PerformanceAggregator supplies engagement metrics for a segment. It is
// owned by the campaign analytics subsystem; the engine only reads it and
// never writes performance during a refresh.
type PerformanceAggregator interface {
	SegmentPerformance(ctx context.Context, segmentID uuid.UUID) (*SegmentPerformance, error)
}

// NoPerformance is used when no analytics collaborator is wired. It
// reports zeroed metrics.
type NoPerformance struct{}

// SegmentPerformance returns an all-zero record for segmentID.
func (NoPerformance) SegmentPerformance(_ context.Context, segmentID uuid.UUID) (*SegmentPerformance, error) {
	return &SegmentPerformance{SegmentID: segmentID}, nil
}
