package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/segment-engine/internal/segmentation"
)

// =============================================================================
// SEGMENT REFRESHER TESTS
// =============================================================================

type switchCorpus struct {
	mu      sync.Mutex
	records []segmentation.Record
	err     error
	gate    chan struct{}
	calls   atomic.Int32
}

func (c *switchCorpus) Records(ctx context.Context, _ segmentation.EntityType) ([]segmentation.Record, error) {
	c.calls.Add(1)
	c.mu.Lock()
	recs, err, gate := c.records, c.err, c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return recs, err
}

func (c *switchCorpus) set(err error, recs ...segmentation.Record) {
	c.mu.Lock()
	c.records, c.err = recs, err
	c.mu.Unlock()
}

func rec(id, status string) segmentation.Record {
	return segmentation.Record{ID: id, Fields: map[string]any{"status": status}}
}

const testUnit = 20 * time.Millisecond

func setupRefresher(t *testing.T, corpus *switchCorpus) (*segmentation.Engine, *SegmentRefresher) {
	t.Helper()
	engine := segmentation.NewEngine(
		segmentation.NewMemoryStore(),
		segmentation.NewMaterializer(corpus, segmentation.MaterializerConfig{}),
	)
	refresher := NewSegmentRefresher(engine)
	refresher.SetIntervalUnit(testUnit)
	refresher.SetResyncInterval(time.Hour)
	engine.SetScheduleHook(refresher)
	t.Cleanup(refresher.Stop)
	return engine, refresher
}

func activeSegment(t *testing.T, engine *segmentation.Engine, interval int) *segmentation.Segment {
	t.Helper()
	seg, err := engine.Create(context.Background(), segmentation.CreateSegmentInput{
		Name:       "Actives",
		EntityType: segmentation.EntityCompany,
		Criteria: []segmentation.SegmentCriteria{
			{Field: "status", Operator: segmentation.OpEquals, Value: segmentation.String("Active")},
		},
		AutoRefresh:     true,
		RefreshInterval: &interval,
	})
	require.NoError(t, err)
	return seg
}

func TestSegmentRefresher_StartStop(t *testing.T) {
	_, refresher := setupRefresher(t, &switchCorpus{})

	require.NoError(t, refresher.Start())
	assert.Error(t, refresher.Start(), "double Start should fail")

	refresher.Stop()
	refresher.Stop()
}

func TestSegmentRefresher_RefreshesOnInterval(t *testing.T) {
	corpus := &switchCorpus{}
	corpus.set(nil, rec("a", "Active"))
	engine, refresher := setupRefresher(t, corpus)
	require.NoError(t, refresher.Start())

	seg := activeSegment(t, engine, 1)
	assert.Equal(t, []string{"a"}, seg.MemberIDs)

	_, armed := refresher.State(seg.ID)
	require.True(t, armed)

	corpus.set(nil, rec("a", "Active"), rec("b", "Active"))

	require.Eventually(t, func() bool {
		got, err := engine.Get(context.Background(), seg.ID)
		return err == nil && got.ContactCount == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, refresher.GetStats().Refreshed, int64(1))

	// Re-armed relative to the new lastRefreshAt.
	next, ok := refresher.NextRun(seg.ID)
	require.True(t, ok)
	assert.True(t, next.After(*seg.LastRefreshAt))
}

func TestSegmentRefresher_FailureKeepsMembershipAndRetries(t *testing.T) {
	corpus := &switchCorpus{}
	corpus.set(nil, rec("a", "Active"))
	engine, refresher := setupRefresher(t, corpus)
	require.NoError(t, refresher.Start())

	seg := activeSegment(t, engine, 1)
	corpus.set(errors.New("corpus offline"))

	require.Eventually(t, func() bool {
		return refresher.GetStats().Failed >= 2
	}, 2*time.Second, 5*time.Millisecond, "failures retry on the regular interval")

	got, err := engine.Get(context.Background(), seg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.MemberIDs)
	assert.NotEmpty(t, refresher.LastError(seg.ID))

	corpus.set(nil, rec("a", "Active"), rec("b", "Active"))
	require.Eventually(t, func() bool {
		got, err := engine.Get(context.Background(), seg.ID)
		return err == nil && got.ContactCount == 2
	}, 2*time.Second, 5*time.Millisecond, "recovers on the next tick")
}

func TestSegmentRefresher_OnlySchedulableSegmentsAreArmed(t *testing.T) {
	corpus := &switchCorpus{}
	corpus.set(nil, rec("a", "Active"))
	engine, refresher := setupRefresher(t, corpus)
	require.NoError(t, refresher.Start())

	manual, err := engine.Create(context.Background(), segmentation.CreateSegmentInput{
		Name:       "Manual",
		EntityType: segmentation.EntityCompany,
		Criteria: []segmentation.SegmentCriteria{
			{Field: "status", Operator: segmentation.OpEquals, Value: segmentation.String("Active")},
		},
	})
	require.NoError(t, err)
	_, armed := refresher.State(manual.ID)
	assert.False(t, armed, "autoRefresh off")

	static, err := engine.Create(context.Background(), segmentation.CreateSegmentInput{
		Name:        "Frozen",
		EntityType:  segmentation.EntityCompany,
		SegmentType: segmentation.SegmentStatic,
		MemberIDs:   []string{"a"},
	})
	require.NoError(t, err)
	_, armed = refresher.State(static.ID)
	assert.False(t, armed, "static")

	auto := activeSegment(t, engine, 1000)
	_, armed = refresher.State(auto.ID)
	assert.True(t, armed)

	_, err = engine.Deactivate(context.Background(), auto.ID)
	require.NoError(t, err)
	_, armed = refresher.State(auto.ID)
	assert.False(t, armed, "deactivated")

	_, err = engine.Activate(context.Background(), auto.ID)
	require.NoError(t, err)
	_, armed = refresher.State(auto.ID)
	assert.True(t, armed, "re-activated")
}

func TestSegmentRefresher_DeleteDisarmsAndCancels(t *testing.T) {
	corpus := &switchCorpus{}
	corpus.set(nil, rec("a", "Active"))
	engine, refresher := setupRefresher(t, corpus)
	require.NoError(t, refresher.Start())

	seg := activeSegment(t, engine, 1)

	// Hold the next scheduled refresh inside the corpus read.
	gate := make(chan struct{})
	corpus.mu.Lock()
	corpus.gate = gate
	corpus.mu.Unlock()
	defer close(gate)

	require.Eventually(t, func() bool {
		state, _ := refresher.State(seg.ID)
		return state == RefreshRefreshing
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, engine.Dispatch(context.Background(), segmentation.DeleteSegment{ID: seg.ID}))

	_, armed := refresher.State(seg.ID)
	assert.False(t, armed)
	assert.False(t, engine.IsRefreshing(seg.ID))

	// Resync must not bring it back.
	refresher.resync()
	_, armed = refresher.State(seg.ID)
	assert.False(t, armed)
}

func TestSegmentRefresher_ConflictIsDropped(t *testing.T) {
	corpus := &switchCorpus{}
	corpus.set(nil, rec("a", "Active"))
	engine, refresher := setupRefresher(t, corpus)

	seg := activeSegment(t, engine, 1)

	// A manual refresh holds the segment when the timer fires.
	gate := make(chan struct{})
	corpus.mu.Lock()
	corpus.gate = gate
	corpus.mu.Unlock()

	manualDone := make(chan error, 1)
	go func() {
		_, err := engine.Refresh(context.Background(), seg.ID, segmentation.TriggerManual)
		manualDone <- err
	}()
	require.Eventually(t, func() bool { return engine.IsRefreshing(seg.ID) }, time.Second, time.Millisecond)

	require.NoError(t, refresher.Start())
	require.Eventually(t, func() bool {
		return refresher.GetStats().Dropped >= 1
	}, 2*time.Second, 5*time.Millisecond)

	corpus.mu.Lock()
	corpus.gate = nil
	corpus.mu.Unlock()
	close(gate)
	require.NoError(t, <-manualDone)

	state, armed := refresher.State(seg.ID)
	assert.True(t, armed, "still scheduled after a dropped trigger")
	assert.NotEqual(t, RefreshFailed, state)
}

func TestSegmentRefresher_DueFromCreatedAt(t *testing.T) {
	refresher := NewSegmentRefresher(nil)
	refresher.SetIntervalUnit(time.Hour)
	refresher.running = true
	refresher.ctx, refresher.cancel = context.WithCancel(context.Background())
	defer refresher.Stop()

	created := time.Now().Add(-30 * time.Minute)
	interval := 2
	seg := &segmentation.Segment{
		ID:              uuid.New(),
		Status:          segmentation.StatusActive,
		SegmentType:     segmentation.SegmentDynamic,
		AutoRefresh:     true,
		RefreshInterval: &interval,
		CreatedAt:       created,
	}
	refresher.Sync(seg)

	next, ok := refresher.NextRun(seg.ID)
	require.True(t, ok)
	assert.True(t, next.Equal(created.Add(2*time.Hour)))

	last := time.Now().Add(-10 * time.Minute)
	seg.LastRefreshAt = &last
	refresher.Sync(seg)
	next, _ = refresher.NextRun(seg.ID)
	assert.True(t, next.Equal(last.Add(2*time.Hour)))
}
