package segmentation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/segment-engine/internal/pkg/logger"
)

const (
	// DefaultMaterializeWorkers is the number of partitions scanned in parallel.
	DefaultMaterializeWorkers = 4
	// DefaultPartitionSize is how many records one worker evaluates between
	// cancellation checks.
	DefaultPartitionSize = 1000
)

// CorpusProvider supplies the full candidate set for an entity type. It is
// read-only from the engine's point of view.
type CorpusProvider interface {
	Records(ctx context.Context, entityType EntityType) ([]Record, error)
}

// RecordMatcher decides whether one record belongs to a membership. An error
// excludes the record and is counted as an evaluation error.
type RecordMatcher func(Record) (bool, error)

// MaterializerConfig tunes the corpus scan.
type MaterializerConfig struct {
	Workers       int
	PartitionSize int
}

// MaterializeRequest describes one materialization.
type MaterializeRequest struct {
	EntityType EntityType
	Criteria   []SegmentCriteria
	// Status of the owning segment. Only drafts should have empty criteria.
	Status Status
	// SortField optionally orders members by a record attribute with the
	// entity id as tiebreak. Empty keeps corpus order.
	SortField string
	SortDesc  bool
	// Match replaces Criteria as the membership test when set. Segments
	// built from a search use it to re-run that search.
	Match RecordMatcher
}

// MaterializeResult is the matched membership plus run diagnostics.
type MaterializeResult struct {
	MemberIDs []string `json:"memberIds"`
	Count     int      `json:"contactCount"`
	Scanned   int      `json:"scanned"`
	// EvaluationErrors counts records excluded by an evaluation error. The
	// combiner stops at the first error and skips trailing AND criteria
	// once the result is false, so errors in criteria it never reaches are
	// not counted and the total depends on criterion order.
	EvaluationErrors int           `json:"evaluationErrors"`
	QueryHash        string        `json:"queryHash"`
	Duration         time.Duration `json:"duration"`
}

// Materializer applies a criteria list across a corpus.
type Materializer struct {
	corpus        CorpusProvider
	workers       int
	partitionSize int
}

// NewMaterializer creates a materializer reading from corpus.
func NewMaterializer(corpus CorpusProvider, cfg MaterializerConfig) *Materializer {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultMaterializeWorkers
	}
	if cfg.PartitionSize <= 0 {
		cfg.PartitionSize = DefaultPartitionSize
	}
	return &Materializer{
		corpus:        corpus,
		workers:       cfg.Workers,
		partitionSize: cfg.PartitionSize,
	}
}

type partitionResult struct {
	matched []int
	errors  int
}

// Materialize evaluates req.Criteria (or req.Match) against every candidate
// of req.EntityType and returns the deduplicated matching ids.
//
// Without a matcher, empty criteria always yield an empty membership, never
// "match everything". Rejecting them on non-draft segments is the caller's
// job.
func (m *Materializer) Materialize(ctx context.Context, req MaterializeRequest) (*MaterializeResult, error) {
	start := time.Now()

	if !req.EntityType.Valid() {
		return nil, invalid("entityType", "unsupported entity type %q", req.EntityType)
	}
	if req.Match == nil && len(req.Criteria) == 0 {
		if req.Status != StatusDraft {
			logger.Warn("materializing non-draft segment without criteria",
				"entity_type", req.EntityType,
				"status", statusOrActive(req.Status),
			)
		}
		return &MaterializeResult{
			MemberIDs: []string{},
			QueryHash: HashCriteria(req.EntityType, nil),
			Duration:  time.Since(start),
		}, nil
	}
	if err := ValidateCriteria(req.Criteria); err != nil {
		return nil, err
	}

	match := req.Match
	if match == nil {
		criteria := req.Criteria
		match = func(r Record) (bool, error) { return Combine(criteria, r) }
	}

	records, err := m.corpus.Records(ctx, req.EntityType)
	if err != nil {
		return nil, fmt.Errorf("load %s corpus: %w: %w", req.EntityType, ErrCorpusUnavailable, err)
	}

	partitions := (len(records) + m.partitionSize - 1) / m.partitionSize
	results := make([]partitionResult, partitions)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for p := 0; p < partitions; p++ {
		lo := p * m.partitionSize
		hi := min(lo+m.partitionSize, len(records))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var res partitionResult
			for i := lo; i < hi; i++ {
				ok, err := match(records[i])
				if err != nil {
					res.errors++
					continue
				}
				if ok {
					res.matched = append(res.matched, i)
				}
			}
			results[p] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("materialize %s: %w", req.EntityType, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("materialize %s: %w", req.EntityType, err)
	}

	// Partitions are merged in corpus order; duplicates keep the first hit.
	seen := make(map[string]struct{})
	matched := make([]int, 0)
	evalErrors := 0
	for _, res := range results {
		evalErrors += res.errors
		for _, idx := range res.matched {
			id := records[idx].ID
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			matched = append(matched, idx)
		}
	}

	if req.SortField != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			a, b := records[matched[i]], records[matched[j]]
			c := CompareFields(a, b, req.SortField)
			if c == 0 {
				c = strings.Compare(a.ID, b.ID)
			}
			if req.SortDesc {
				return c > 0
			}
			return c < 0
		})
	}

	ids := make([]string, len(matched))
	for i, idx := range matched {
		ids[i] = records[idx].ID
	}

	return &MaterializeResult{
		MemberIDs:        ids,
		Count:            len(ids),
		Scanned:          len(records),
		EvaluationErrors: evalErrors,
		QueryHash:        HashCriteria(req.EntityType, req.Criteria),
		Duration:         time.Since(start),
	}, nil
}

func statusOrActive(s Status) Status {
	if s == "" {
		return StatusActive
	}
	return s
}
