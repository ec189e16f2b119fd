package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/segment-engine/internal/pkg/logger"
	"github.com/ignite/segment-engine/internal/segmentation"
)

// =============================================================================
// SEGMENT REFRESHER
// =============================================================================
// Keeps one timer per auto-refreshing dynamic segment. A timer fires
// refreshInterval units after the segment's lastRefreshAt (or createdAt),
// runs a refresh through the engine and re-arms itself. Failures keep the
// previous membership and retry on the same interval.
//
// State per segment: idle -> refreshing -> idle, or
// idle -> refreshing -> failed -> (next tick) refreshing.

const (
	// DefaultRefreshIntervalUnit converts a segment's refreshInterval to a
	// duration.
	DefaultRefreshIntervalUnit = time.Hour

	// DefaultResyncInterval is how often the timer set is reconciled with
	// the repository.
	DefaultResyncInterval = 5 * time.Minute
)

// RefreshState is the scheduler's view of one segment.
type RefreshState string

const (
	RefreshIdle       RefreshState = "idle"
	RefreshRefreshing RefreshState = "refreshing"
	RefreshFailed     RefreshState = "failed"
)

// SegmentEngine is what the refresher needs from the segment engine.
type SegmentEngine interface {
	List(ctx context.Context, filter segmentation.ListFilter) ([]*segmentation.Segment, error)
	Refresh(ctx context.Context, id uuid.UUID, trigger segmentation.Trigger) (*segmentation.RefreshResult, error)
}

type refreshEntry struct {
	timer      *time.Timer
	generation uint64
	state      RefreshState
	interval   time.Duration
	nextRun    time.Time
	lastError  string
}

// RefresherStats is a snapshot of refresher counters.
type RefresherStats struct {
	Armed     int   `json:"armed"`
	Refreshed int64 `json:"refreshed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// SegmentRefresher drives periodic re-materialization of dynamic segments.
type SegmentRefresher struct {
	engine         SegmentEngine
	intervalUnit   time.Duration
	resyncInterval time.Duration
	now            func() time.Time

	entries  map[uuid.UUID]*refreshEntry
	disarmed map[uuid.UUID]struct{}
	nextGen  uint64

	// Stats
	refreshed int64
	failed    int64
	dropped   int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewSegmentRefresher creates a refresher over engine.
func NewSegmentRefresher(engine SegmentEngine) *SegmentRefresher {
	return &SegmentRefresher{
		engine:         engine,
		intervalUnit:   DefaultRefreshIntervalUnit,
		resyncInterval: DefaultResyncInterval,
		now:            time.Now,
		entries:        make(map[uuid.UUID]*refreshEntry),
		disarmed:       make(map[uuid.UUID]struct{}),
	}
}

// SetIntervalUnit changes the unit of refreshInterval. Production uses hours.
func (r *SegmentRefresher) SetIntervalUnit(d time.Duration) {
	if d > 0 {
		r.intervalUnit = d
	}
}

// SetResyncInterval changes how often the timer set is reconciled.
func (r *SegmentRefresher) SetResyncInterval(d time.Duration) {
	if d > 0 {
		r.resyncInterval = d
	}
}

// Start arms timers for every schedulable segment and begins resyncing.
func (r *SegmentRefresher) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("segment refresher already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	logger.Info("segment refresher starting",
		"interval_unit", r.intervalUnit,
		"resync_interval", r.resyncInterval,
	)

	r.resync()

	r.wg.Add(1)
	go r.resyncLoop()

	return nil
}

// Stop cancels in-flight refreshes, drops every timer and waits for
// outstanding work.
func (r *SegmentRefresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	for id, e := range r.entries {
		e.timer.Stop()
		delete(r.entries, id)
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	logger.Info("segment refresher stopped",
		"refreshed", atomic.LoadInt64(&r.refreshed),
		"failed", atomic.LoadInt64(&r.failed),
		"dropped", atomic.LoadInt64(&r.dropped),
	)
}

func (r *SegmentRefresher) resyncLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.resyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.resync()
		}
	}
}

// resync arms new schedulable segments and drops timers for segments that
// no longer qualify. Segments disarmed by the engine stay disarmed until
// the engine syncs them again.
func (r *SegmentRefresher) resync() {
	ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
	defer cancel()

	enabled := true
	segs, err := r.engine.List(ctx, segmentation.ListFilter{
		Status:      segmentation.StatusActive,
		AutoRefresh: &enabled,
	})
	if err != nil {
		logger.Error("segment refresher resync failed", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}

	live := make(map[uuid.UUID]struct{}, len(segs))
	for _, seg := range segs {
		if !seg.Schedulable() {
			continue
		}
		if _, off := r.disarmed[seg.ID]; off {
			continue
		}
		live[seg.ID] = struct{}{}
		r.armLocked(seg, false)
	}
	for id, e := range r.entries {
		if _, ok := live[id]; !ok && e.state != RefreshRefreshing {
			e.timer.Stop()
			delete(r.entries, id)
		}
	}
}

// Sync arms, re-arms or drops the timer for seg. It clears a previous
// Disarm.
func (r *SegmentRefresher) Sync(seg *segmentation.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.disarmed, seg.ID)
	if !seg.Schedulable() {
		r.dropLocked(seg.ID)
		return
	}
	if !r.running {
		return
	}
	r.armLocked(seg, true)
}

// Disarm drops the timer for id and keeps resync from re-arming it until
// the next Sync. A refresh already in flight finishes without re-arming.
func (r *SegmentRefresher) Disarm(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.disarmed[id] = struct{}{}
	r.dropLocked(id)
}

func (r *SegmentRefresher) dropLocked(id uuid.UUID) {
	if e, ok := r.entries[id]; ok {
		e.timer.Stop()
		delete(r.entries, id)
	}
}

// armLocked schedules seg relative to its last refresh. With force set an
// idle timer is replaced even if its due time is unchanged.
func (r *SegmentRefresher) armLocked(seg *segmentation.Segment, force bool) {
	interval := time.Duration(*seg.RefreshInterval) * r.intervalUnit
	base := seg.CreatedAt
	if seg.LastRefreshAt != nil {
		base = *seg.LastRefreshAt
	}
	due := base.Add(interval)

	e, ok := r.entries[seg.ID]
	if ok {
		e.interval = interval
		if e.state == RefreshRefreshing {
			// Re-armed when the running refresh completes.
			return
		}
		if !force && e.nextRun.Equal(due) {
			return
		}
		e.timer.Stop()
	} else {
		e = &refreshEntry{state: RefreshIdle, interval: interval}
		r.entries[seg.ID] = e
	}
	r.scheduleLocked(seg.ID, e, due)
}

func (r *SegmentRefresher) scheduleLocked(id uuid.UUID, e *refreshEntry, due time.Time) {
	r.nextGen++
	gen := r.nextGen
	e.generation = gen
	e.nextRun = due

	delay := due.Sub(r.now())
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() { r.fire(id, gen) })
}

func (r *SegmentRefresher) fire(id uuid.UUID, gen uint64) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.generation != gen || !r.running {
		r.mu.Unlock()
		return
	}
	if e.state == RefreshRefreshing {
		atomic.AddInt64(&r.dropped, 1)
		r.mu.Unlock()
		return
	}
	e.state = RefreshRefreshing
	r.wg.Add(1)
	ctx := r.ctx
	r.mu.Unlock()

	defer r.wg.Done()

	res, err := r.engine.Refresh(ctx, id, segmentation.TriggerScheduled)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok = r.entries[id]
	if !ok || e.generation != gen || !r.running {
		// Disarmed or stopped while refreshing.
		return
	}

	switch {
	case err == nil:
		atomic.AddInt64(&r.refreshed, 1)
		e.state = RefreshIdle
		e.lastError = ""
		if !res.Segment.Schedulable() {
			r.dropLocked(id)
			return
		}
		r.armLocked(res.Segment, true)

	case segmentation.IsConflict(err):
		atomic.AddInt64(&r.dropped, 1)
		e.state = RefreshIdle
		r.scheduleLocked(id, e, r.now().Add(e.interval))

	case errors.Is(err, segmentation.ErrNotFound), errors.Is(err, segmentation.ErrValidation):
		logger.Info("segment no longer refreshable", "segment_id", id, "reason", err)
		r.dropLocked(id)

	default:
		atomic.AddInt64(&r.failed, 1)
		e.state = RefreshFailed
		e.lastError = err.Error()
		logger.Warn("scheduled segment refresh failed",
			"segment_id", id,
			"retry_in", e.interval,
			"error", err,
		)
		r.scheduleLocked(id, e, r.now().Add(e.interval))
	}
}

// State reports the scheduler state of id and whether a timer exists.
func (r *SegmentRefresher) State(id uuid.UUID) (RefreshState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

// NextRun returns when the timer for id fires next.
func (r *SegmentRefresher) NextRun(id uuid.UUID) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.nextRun, true
}

// LastError returns the error of the most recent failed refresh of id.
func (r *SegmentRefresher) LastError(id uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.lastError
	}
	return ""
}

// GetStats returns refresher counters.
func (r *SegmentRefresher) GetStats() RefresherStats {
	r.mu.Lock()
	armed := len(r.entries)
	r.mu.Unlock()
	return RefresherStats{
		Armed:     armed,
		Refreshed: atomic.LoadInt64(&r.refreshed),
		Failed:    atomic.LoadInt64(&r.failed),
		Dropped:   atomic.LoadInt64(&r.dropped),
	}
}
