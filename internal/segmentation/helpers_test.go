package segmentation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// staticCorpus serves fixed records per entity type. When gate is set,
// Records blocks on it until released or the context ends.
type staticCorpus struct {
	mu      sync.Mutex
	records map[EntityType][]Record
	err     error
	gate    chan struct{}
	entered chan struct{}
	calls   atomic.Int32
}

func newStaticCorpus(companies ...Record) *staticCorpus {
	return &staticCorpus{records: map[EntityType][]Record{EntityCompany: companies}}
}

func (c *staticCorpus) Records(ctx context.Context, et EntityType) ([]Record, error) {
	c.calls.Add(1)
	c.mu.Lock()
	gate, entered, err := c.gate, c.entered, c.err
	recs := append([]Record(nil), c.records[et]...)
	c.mu.Unlock()

	if gate != nil {
		if entered != nil {
			select {
			case entered <- struct{}{}:
			default:
			}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *staticCorpus) set(recs ...Record) {
	c.mu.Lock()
	c.records[EntityCompany] = recs
	c.mu.Unlock()
}

func (c *staticCorpus) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// block makes subsequent calls wait until the returned release func runs.
func (c *staticCorpus) block() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	in := make(chan struct{}, 1)
	c.mu.Lock()
	c.gate, c.entered = gate, in
	c.mu.Unlock()
	var once sync.Once
	return in, func() {
		once.Do(func() {
			c.mu.Lock()
			c.gate, c.entered = nil, nil
			c.mu.Unlock()
			close(gate)
		})
	}
}

var errCorpusDown = errors.New("corpus down")

func company(id, status, country string) Record {
	return Record{ID: id, Fields: map[string]any{
		"name":    "Company " + id,
		"status":  status,
		"country": country,
	}}
}

// nordicCorpus holds 5 companies, exactly two of which are Active and in
// Denmark or Norway.
func nordicCorpus() *staticCorpus {
	return newStaticCorpus(
		company("c1", "Active", "Denmark"),
		company("c2", "Inactive", "Norway"),
		company("c3", "Active", "Germany"),
		company("c4", "Active", "Norway"),
		company("c5", "Pending", "Denmark"),
	)
}

func nordicCriteria() []SegmentCriteria {
	return []SegmentCriteria{
		{Field: "status", Operator: OpEquals, Value: String("Active")},
		{Field: "country", Operator: OpIn, Value: Strings("Denmark", "Norway"), LogicalOperator: LogicAnd},
	}
}

func manyCompanies(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{ID: fmt.Sprintf("co-%04d", i), Fields: map[string]any{
			"name":    fmt.Sprintf("Company %d", i),
			"status":  "Active",
			"country": "Germany",
			"size":    i,
		}}
	}
	return out
}

type recordingSchedule struct {
	mu       sync.Mutex
	synced   []uuid.UUID
	disarmed []uuid.UUID
}

func (s *recordingSchedule) Sync(seg *Segment) {
	s.mu.Lock()
	s.synced = append(s.synced, seg.ID)
	s.mu.Unlock()
}

func (s *recordingSchedule) Disarm(id uuid.UUID) {
	s.mu.Lock()
	s.disarmed = append(s.disarmed, id)
	s.mu.Unlock()
}

func (s *recordingSchedule) wasDisarmed(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.disarmed {
		if d == id {
			return true
		}
	}
	return false
}

type recordingPublisher struct {
	mu        sync.Mutex
	published map[uuid.UUID]int
	err       error
}

func (p *recordingPublisher) PublishMembership(_ context.Context, seg *Segment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		p.published = make(map[uuid.UUID]int)
	}
	p.published[seg.ID]++
	return p.err
}

func (p *recordingPublisher) count(id uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[id]
}
