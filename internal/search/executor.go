package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ignite/segment-engine/internal/pkg/logger"
	"github.com/ignite/segment-engine/internal/segmentation"
)

const (
	// DefaultPageSize is used when a query carries no pagination limit.
	DefaultPageSize = 25
	// MaxPageSize caps one page of search results.
	MaxPageSize = 200
)

// Hit is one matching entity.
type Hit struct {
	EntityType segmentation.EntityType `json:"entityType"`
	Record     segmentation.Record     `json:"record"`
}

// Results holds every hit of a query plus the requested page as a view.
// Hits is never paginated so converters see the whole result set.
type Results struct {
	Query            segmentation.PowerSearchQuery `json:"query"`
	Hits             []Hit                         `json:"-"`
	Items            []Hit                         `json:"items"`
	Total            int                           `json:"total"`
	Page             int                           `json:"page"`
	Limit            int                           `json:"limit"`
	TotalPages       int                           `json:"totalPages"`
	EvaluationErrors int                           `json:"evaluationErrors"`
	TookMs           int64                         `json:"tookMs"`
}

// IDs returns the record ids of every hit of entityType in result order.
func (r *Results) IDs(entityType segmentation.EntityType) []string {
	ids := make([]string, 0, len(r.Hits))
	seen := make(map[string]struct{}, len(r.Hits))
	for _, h := range r.Hits {
		if h.EntityType != entityType {
			continue
		}
		if _, dup := seen[h.Record.ID]; dup {
			continue
		}
		seen[h.Record.ID] = struct{}{}
		ids = append(ids, h.Record.ID)
	}
	return ids
}

// Executor runs power search queries against a corpus provider.
type Executor struct {
	corpus segmentation.CorpusProvider
}

// NewExecutor creates an executor reading from corpus.
func NewExecutor(corpus segmentation.CorpusProvider) *Executor {
	return &Executor{corpus: corpus}
}

var _ segmentation.QueryEvaluator = (*Executor)(nil)

// Search evaluates q against every entity type it names. Structured
// filters go through the criteria evaluator; free text is a
// case-insensitive substring match over the common text attributes.
func (x *Executor) Search(ctx context.Context, q segmentation.PowerSearchQuery) (*Results, error) {
	start := time.Now()

	match, err := compileQuery(q)
	if err != nil {
		return nil, err
	}

	res := &Results{Query: q}
	for _, et := range entityTypes(q) {
		records, err := x.corpus.Records(ctx, et)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w: %w", et, segmentation.ErrCorpusUnavailable, err)
		}

		var hits []Hit
		for i, rec := range records {
			if i%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			ok, err := match(rec)
			if err != nil {
				res.EvaluationErrors++
				continue
			}
			if !ok {
				continue
			}
			hits = append(hits, Hit{EntityType: et, Record: rec})
		}
		sortHits(hits, q.Sorting)
		res.Hits = append(res.Hits, hits...)
	}

	res.Total = len(res.Hits)
	res.Page, res.Limit = pageParams(q.Pagination)
	res.TotalPages = (res.Total + res.Limit - 1) / res.Limit
	if res.TotalPages < 1 {
		res.TotalPages = 1
	}
	lo := min((res.Page-1)*res.Limit, res.Total)
	hi := min(lo+res.Limit, res.Total)
	res.Items = append([]Hit{}, res.Hits[lo:hi]...)
	res.TookMs = time.Since(start).Milliseconds()

	logger.Debug("power search executed",
		"query", q.Query,
		"total", res.Total,
		"evaluation_errors", res.EvaluationErrors,
		"took_ms", res.TookMs,
	)
	return res, nil
}

// CompileQuery returns the per-record test Search applies for q. The engine
// uses it to rematerialize segments built from a search.
func (x *Executor) CompileQuery(q segmentation.PowerSearchQuery) (segmentation.RecordMatcher, error) {
	return compileQuery(q)
}

// compileQuery matches free text case-insensitively over the text fields,
// then the structured filters through the criteria evaluator.
func compileQuery(q segmentation.PowerSearchQuery) (segmentation.RecordMatcher, error) {
	criteria := FilterCriteria(q)
	if err := segmentation.ValidateCriteria(criteria); err != nil {
		return nil, err
	}
	text := strings.ToLower(strings.TrimSpace(q.Query))

	return func(rec segmentation.Record) (bool, error) {
		if text != "" && !matchesText(rec, text) {
			return false, nil
		}
		if len(criteria) == 0 {
			return true, nil
		}
		return segmentation.Combine(criteria, rec)
	}, nil
}

func matchesText(rec segmentation.Record, text string) bool {
	for _, field := range textFields {
		v, ok := rec.Fields[field]
		if !ok || v == nil {
			continue
		}
		if strings.Contains(strings.ToLower(fmt.Sprint(v)), text) {
			return true
		}
	}
	return false
}

// sortHits orders hits by sorting.Field with the id as tiebreak. Without a
// field corpus order is kept.
func sortHits(hits []Hit, sorting segmentation.SearchSorting) {
	if sorting.Field == "" {
		return
	}
	desc := strings.EqualFold(sorting.Direction, "desc")
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i].Record, hits[j].Record
		c := segmentation.CompareFields(a, b, sorting.Field)
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func pageParams(p segmentation.SearchPagination) (page, limit int) {
	page, limit = p.Page, p.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}
