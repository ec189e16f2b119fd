package segmentation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/segment-engine/internal/pkg/logger"
)

// Trigger names what started a materialization.
type Trigger string

const (
	TriggerCreate    Trigger = "create"
	TriggerUpdate    Trigger = "update"
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// Authorizer is the RBAC gate consulted before any segment is created.
type Authorizer interface {
	CanCreateSegments(ctx context.Context) bool
}

// AuthorizerFunc adapts a plain function to Authorizer.
type AuthorizerFunc func(ctx context.Context) bool

func (f AuthorizerFunc) CanCreateSegments(ctx context.Context) bool { return f(ctx) }

// MembershipPublisher receives every freshly materialized membership, for
// the campaign and export subsystems.
type MembershipPublisher interface {
	PublishMembership(ctx context.Context, seg *Segment) error
}

// ScheduleHook lets the engine keep the refresh scheduler in step with
// lifecycle changes.
type ScheduleHook interface {
	// Sync arms, re-arms or disarms the timer for seg based on its settings.
	Sync(seg *Segment)
	// Disarm drops the timer and forbids re-arming until the next Sync.
	Disarm(id uuid.UUID)
}

// Locker is a cross-process lock around one segment refresh.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockFactory returns a fresh lock for a segment id.
type LockFactory func(segmentID uuid.UUID) Locker

// QueryEvaluator compiles a persisted search query into the matcher the
// search itself uses, so a segment built from a search keeps returning what
// that search returns.
type QueryEvaluator interface {
	CompileQuery(q PowerSearchQuery) (RecordMatcher, error)
}

type nopSchedule struct{}

func (nopSchedule) Sync(*Segment)    {}
func (nopSchedule) Disarm(uuid.UUID) {}

// CreateSegmentInput is the payload for Engine.Create.
type CreateSegmentInput struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	EntityType      EntityType        `json:"entityType"`
	SegmentType     SegmentType       `json:"segmentType"`
	Criteria        []SegmentCriteria `json:"criteria"`
	Status          Status            `json:"status"`
	AutoRefresh     bool              `json:"autoRefresh"`
	RefreshInterval *int              `json:"refreshInterval,omitempty"`
	Tags            []string          `json:"tags"`
	CreatedBy       string            `json:"createdBy"`
	// MemberIDs is the frozen membership of a static segment.
	MemberIDs      []string          `json:"memberIds,omitempty"`
	EstimatedReach int               `json:"estimatedReach,omitempty"`
	SourceQuery    *PowerSearchQuery `json:"sourceQuery,omitempty"`
}

// RefreshResult is a refreshed segment plus the diagnostics of its run.
type RefreshResult struct {
	Segment         *Segment           `json:"segment"`
	Materialization *MaterializeResult `json:"materialization"`
}

// MembersPage is a paginated view over a segment's membership.
type MembersPage struct {
	SegmentID  uuid.UUID `json:"segmentId"`
	MemberIDs  []string  `json:"memberIds"`
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	Limit      int       `json:"limit"`
	TotalPages int       `json:"totalPages"`
}

type refreshRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine owns the segment lifecycle: validation, materialization on create
// and criteria change, refresh single flight, and cancellation on delete.
type Engine struct {
	repo         Repository
	materializer *Materializer
	authorizer   Authorizer
	publisher    MembershipPublisher
	schedule     ScheduleHook
	performance  PerformanceAggregator
	newLock      LockFactory
	queries      QueryEvaluator
	now          func() time.Time

	mu       sync.Mutex
	inflight map[uuid.UUID]*refreshRun
}

// NewEngine creates a segment engine over repo. Every collaborator other
// than the repository and materializer is optional.
func NewEngine(repo Repository, materializer *Materializer) *Engine {
	return &Engine{
		repo:         repo,
		materializer: materializer,
		authorizer:   AuthorizerFunc(func(context.Context) bool { return true }),
		schedule:     nopSchedule{},
		performance:  NoPerformance{},
		now:          time.Now,
		inflight:     make(map[uuid.UUID]*refreshRun),
	}
}

// SetAuthorizer installs the RBAC gate.
func (e *Engine) SetAuthorizer(a Authorizer) { e.authorizer = a }

// SetPublisher installs the membership publisher.
func (e *Engine) SetPublisher(p MembershipPublisher) { e.publisher = p }

// SetScheduleHook connects the refresh scheduler.
func (e *Engine) SetScheduleHook(h ScheduleHook) { e.schedule = h }

// SetPerformanceAggregator connects the analytics collaborator.
func (e *Engine) SetPerformanceAggregator(p PerformanceAggregator) { e.performance = p }

// SetLockFactory enables a cross-process lock around refreshes.
func (e *Engine) SetLockFactory(f LockFactory) { e.newLock = f }

// SetQueryEvaluator makes segments carrying a sourceQuery materialize by
// re-running that query instead of their derived criteria.
func (e *Engine) SetQueryEvaluator(q QueryEvaluator) { e.queries = q }

// materializeRequest builds the request for seg. Without a source query or
// an evaluator the criteria list is the membership test.
func (e *Engine) materializeRequest(seg *Segment) (MaterializeRequest, error) {
	req := MaterializeRequest{
		EntityType: seg.EntityType,
		Criteria:   seg.Criteria,
		Status:     seg.Status,
	}
	if seg.SourceQuery == nil || e.queries == nil {
		return req, nil
	}
	match, err := e.queries.CompileQuery(*seg.SourceQuery)
	if err != nil {
		return req, err
	}
	req.Match = match
	req.SortField = seg.SourceQuery.Sorting.Field
	req.SortDesc = strings.EqualFold(seg.SourceQuery.Sorting.Direction, "desc")
	return req, nil
}

// Repository returns the underlying repository.
func (e *Engine) Repository() Repository { return e.repo }

// ==========================================
// SINGLE FLIGHT
// ==========================================

// begin claims the per-segment slot. When wait is false a busy slot yields
// a ConflictError; otherwise the current holder is cancelled and awaited.
func (e *Engine) begin(ctx context.Context, id uuid.UUID, wait bool) (context.Context, func(), error) {
	for {
		e.mu.Lock()
		run, busy := e.inflight[id]
		if !busy {
			runCtx, cancel := context.WithCancel(ctx)
			run = &refreshRun{cancel: cancel, done: make(chan struct{})}
			e.inflight[id] = run
			e.mu.Unlock()

			release := func() {
				e.mu.Lock()
				if e.inflight[id] == run {
					delete(e.inflight, id)
				}
				e.mu.Unlock()
				cancel()
				close(run.done)
			}
			return runCtx, release, nil
		}
		if !wait {
			e.mu.Unlock()
			return nil, nil, &ConflictError{SegmentID: id}
		}
		run.cancel()
		e.mu.Unlock()

		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// IsRefreshing reports whether a materialization of id is in flight.
func (e *Engine) IsRefreshing(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, busy := e.inflight[id]
	return busy
}

// ==========================================
// SEGMENT LIFECYCLE
// ==========================================

// Create validates and persists a new segment. Non-draft dynamic segments
// are materialized before anything is written, so a failed materialization
// leaves no trace.
func (e *Engine) Create(ctx context.Context, in CreateSegmentInput) (*Segment, error) {
	if !e.authorizer.CanCreateSegments(ctx) {
		return nil, ErrForbidden
	}

	seg, err := e.prepare(in)
	if err != nil {
		return nil, err
	}

	if seg.SegmentType == SegmentDynamic && seg.Status != StatusDraft {
		req, err := e.materializeRequest(seg)
		if err != nil {
			return nil, err
		}
		res, err := e.materializer.Materialize(ctx, req)
		observeMaterialization(string(TriggerCreate), seg.EntityType, res, err)
		if err != nil {
			return nil, fmt.Errorf("materialize new segment: %w", err)
		}
		now := e.now()
		seg.MemberIDs = res.MemberIDs
		seg.LastRefreshAt = &now
		if seg.EstimatedReach == 0 {
			seg.EstimatedReach = res.Count
		}
	}

	if err := e.repo.Create(ctx, seg); err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}

	logger.Info("segment created",
		"segment_id", seg.ID,
		"name", seg.Name,
		"entity_type", seg.EntityType,
		"segment_type", seg.SegmentType,
		"status", seg.Status,
		"contact_count", seg.ContactCount,
	)

	if seg.LastRefreshAt != nil {
		e.publish(ctx, seg)
	}
	e.schedule.Sync(seg.Clone())
	return seg.Clone(), nil
}

func (e *Engine) prepare(in CreateSegmentInput) (*Segment, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, invalid("name", "name is required")
	}
	if !in.EntityType.Valid() {
		return nil, invalid("entityType", "unsupported entity type %q", in.EntityType)
	}

	segType := in.SegmentType
	if segType == "" {
		segType = SegmentDynamic
	}
	if segType != SegmentDynamic && segType != SegmentStatic {
		return nil, invalid("segmentType", "must be static or dynamic, got %q", segType)
	}

	status := in.Status
	if status == "" {
		status = StatusActive
	}
	if status != StatusDraft && status != StatusActive {
		return nil, invalid("status", "new segments must be draft or active, got %q", status)
	}

	criteria := normalizeCriteria(in.Criteria)
	if err := ValidateCriteria(criteria); err != nil {
		return nil, err
	}

	seg := &Segment{
		Name:           name,
		Description:    strings.TrimSpace(in.Description),
		EntityType:     in.EntityType,
		SegmentType:    segType,
		Criteria:       criteria,
		Status:         status,
		AutoRefresh:    in.AutoRefresh,
		Tags:           dedupe(in.Tags),
		CreatedBy:      in.CreatedBy,
		EstimatedReach: in.EstimatedReach,
		MemberIDs:      []string{},
	}
	if seg.Criteria == nil {
		seg.Criteria = []SegmentCriteria{}
	}
	if in.SourceQuery != nil {
		q := in.SourceQuery.Clone()
		seg.SourceQuery = &q
	}
	if in.RefreshInterval != nil {
		v := *in.RefreshInterval
		seg.RefreshInterval = &v
	}
	if err := checkRefreshSettings(seg); err != nil {
		return nil, err
	}

	switch segType {
	case SegmentStatic:
		seg.MemberIDs = dedupe(in.MemberIDs)
		if status != StatusDraft && len(seg.MemberIDs) == 0 {
			return nil, invalid("memberIds", "a static segment needs at least one member")
		}
		if len(seg.MemberIDs) > 0 {
			now := e.now()
			seg.LastRefreshAt = &now
		}
		if seg.EstimatedReach == 0 {
			seg.EstimatedReach = len(seg.MemberIDs)
		}
	case SegmentDynamic:
		if status != StatusDraft && len(criteria) == 0 {
			return nil, invalid("criteria", "at least one criterion is required unless the segment is a draft")
		}
	}
	return seg, nil
}

// checkRefreshSettings enforces refreshInterval >= 1 exactly when
// autoRefresh is set, and clears a stale interval otherwise.
func checkRefreshSettings(seg *Segment) error {
	if !seg.AutoRefresh {
		seg.RefreshInterval = nil
		return nil
	}
	if seg.SegmentType == SegmentStatic {
		return invalid("autoRefresh", "static segments are never refreshed")
	}
	if seg.RefreshInterval == nil || *seg.RefreshInterval < 1 {
		return invalid("refreshInterval", "must be at least 1 hour when autoRefresh is set")
	}
	return nil
}

// Get returns a live segment. Soft-deleted segments are not found.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*Segment, error) {
	seg, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if seg.Deleted() {
		return nil, ErrNotFound
	}
	return seg, nil
}

// List returns segments matching filter.
func (e *Engine) List(ctx context.Context, filter ListFilter) ([]*Segment, error) {
	return e.repo.List(ctx, filter)
}

// Update applies a partial update. Replacing the criteria of an active
// dynamic segment, or activating one, re-materializes before the write;
// metadata-only patches never touch membership.
func (e *Engine) Update(ctx context.Context, id uuid.UUID, patch SegmentPatch) (*Segment, error) {
	patch.Membership = nil
	if err := normalizePatch(&patch); err != nil {
		return nil, err
	}
	if patch.Status != nil && *patch.Status == StatusInactive {
		e.schedule.Disarm(id)
	}

	if patch.Criteria != nil || patch.Status != nil {
		runCtx, release, err := e.begin(ctx, id, true)
		if err != nil {
			return nil, err
		}
		defer release()
		ctx = runCtx
	}

	current, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := current.Clone()
	applyPatch(merged, patch, e.now())
	if err := checkRefreshSettings(merged); err != nil {
		return nil, err
	}
	if !merged.AutoRefresh && current.RefreshInterval != nil {
		var none *int
		patch.RefreshInterval = &none
	}
	if merged.SegmentType == SegmentDynamic && merged.Status != StatusDraft && len(merged.Criteria) == 0 {
		return nil, invalid("criteria", "at least one criterion is required unless the segment is a draft")
	}

	rematerialize := merged.SegmentType == SegmentDynamic &&
		merged.Status == StatusActive &&
		(patch.Criteria != nil || current.Status != StatusActive)
	if rematerialize {
		req, err := e.materializeRequest(merged)
		if err != nil {
			return nil, err
		}
		res, err := e.materializer.Materialize(ctx, req)
		observeMaterialization(string(TriggerUpdate), merged.EntityType, res, err)
		if err != nil {
			return nil, fmt.Errorf("materialize updated segment: %w", err)
		}
		patch.Membership = &Membership{
			MemberIDs:      res.MemberIDs,
			Count:          res.Count,
			MaterializedAt: e.now(),
		}
	}

	updated, err := e.repo.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}

	logger.Info("segment updated",
		"segment_id", id,
		"status", updated.Status,
		"rematerialized", rematerialize,
		"contact_count", updated.ContactCount,
	)

	if patch.Membership != nil {
		e.publish(ctx, updated)
	}
	if updated.Status == StatusInactive {
		e.schedule.Disarm(id)
	} else {
		e.schedule.Sync(updated.Clone())
	}
	return updated, nil
}

func normalizePatch(patch *SegmentPatch) error {
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return invalid("name", "name is required")
		}
		patch.Name = &name
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return invalid("status", "unknown status %q", *patch.Status)
	}
	if patch.Criteria != nil {
		criteria := normalizeCriteria(*patch.Criteria)
		if criteria == nil {
			criteria = []SegmentCriteria{}
		}
		if err := ValidateCriteria(criteria); err != nil {
			return err
		}
		patch.Criteria = &criteria
	}
	if patch.Tags != nil {
		tags := dedupe(*patch.Tags)
		patch.Tags = &tags
	}
	return nil
}

// Activate moves a segment to active, materializing it if needed.
func (e *Engine) Activate(ctx context.Context, id uuid.UUID) (*Segment, error) {
	status := StatusActive
	return e.Update(ctx, id, SegmentPatch{Status: &status})
}

// Deactivate cancels any in-flight refresh, disarms the timer and marks the
// segment inactive. Membership is kept.
func (e *Engine) Deactivate(ctx context.Context, id uuid.UUID) (*Segment, error) {
	status := StatusInactive
	return e.Update(ctx, id, SegmentPatch{Status: &status})
}

// Delete cancels any in-flight or scheduled refresh, then soft-deletes.
func (e *Engine) Delete(ctx context.Context, id uuid.UUID) error {
	e.schedule.Disarm(id)

	_, release, err := e.begin(ctx, id, true)
	if err != nil {
		return err
	}
	defer release()

	if err := e.repo.Delete(ctx, id); err != nil {
		return err
	}
	logger.Info("segment deleted", "segment_id", id)
	return nil
}

// Purge permanently removes a segment. Admin only; callers gate it.
func (e *Engine) Purge(ctx context.Context, id uuid.UUID) error {
	e.schedule.Disarm(id)

	_, release, err := e.begin(ctx, id, true)
	if err != nil {
		return err
	}
	defer release()

	if err := e.repo.HardDelete(ctx, id); err != nil {
		return err
	}
	logger.Warn("segment purged", "segment_id", id)
	return nil
}

// Duplicate creates a draft copy of a segment. Static copies keep the
// frozen membership; dynamic copies start empty.
func (e *Engine) Duplicate(ctx context.Context, id uuid.UUID, createdBy string) (*Segment, error) {
	src, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	in := CreateSegmentInput{
		Name:        src.Name + " (Copy)",
		Description: src.Description,
		EntityType:  src.EntityType,
		SegmentType: src.SegmentType,
		Criteria:    src.Criteria,
		Status:      StatusDraft,
		Tags:        src.Tags,
		CreatedBy:   createdBy,
		SourceQuery: src.SourceQuery,
	}
	for i := range in.Criteria {
		in.Criteria[i].ID = ""
	}
	if src.SegmentType == SegmentStatic {
		in.MemberIDs = src.MemberIDs
	}
	return e.Create(ctx, in)
}

// ==========================================
// REFRESH
// ==========================================

// Refresh re-materializes a segment. A refresh already in flight for the
// same id yields a ConflictError; callers treat it as a no-op. Corpus
// failures come back as *RefreshFailure and the previous membership stays.
func (e *Engine) Refresh(ctx context.Context, id uuid.UUID, trigger Trigger) (*RefreshResult, error) {
	runCtx, release, err := e.begin(ctx, id, false)
	if err != nil {
		refreshConflictsTotal.Inc()
		logger.Debug("segment refresh dropped", "segment_id", id, "trigger", trigger)
		return nil, err
	}
	defer release()

	refreshesInFlight.Inc()
	defer refreshesInFlight.Dec()

	if e.newLock != nil {
		lock := e.newLock(id)
		ok, err := lock.Acquire(runCtx)
		if err != nil {
			return nil, &RefreshFailure{SegmentID: id, Err: fmt.Errorf("acquire refresh lock: %w", err)}
		}
		if !ok {
			refreshConflictsTotal.Inc()
			return nil, &ConflictError{SegmentID: id}
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				logger.Warn("release refresh lock", "segment_id", id, "error", err)
			}
		}()
	}

	seg, err := e.Get(runCtx, id)
	if err != nil {
		return nil, err
	}
	if seg.SegmentType == SegmentStatic {
		return nil, invalid("segmentType", "static segments are frozen and never refreshed")
	}
	if seg.Status == StatusInactive {
		return nil, invalid("status", "inactive segments are not refreshed")
	}

	req, err := e.materializeRequest(seg)
	if err != nil {
		return nil, err
	}
	res, err := e.materializer.Materialize(runCtx, req)
	observeMaterialization(string(trigger), seg.EntityType, res, err)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return nil, err
		}
		logger.Error("segment refresh failed", "segment_id", id, "trigger", trigger, "error", err)
		return nil, &RefreshFailure{SegmentID: id, Err: err}
	}
	if err := runCtx.Err(); err != nil {
		return nil, &RefreshFailure{SegmentID: id, Err: err}
	}

	patch := SegmentPatch{Membership: &Membership{
		MemberIDs:      res.MemberIDs,
		Count:          res.Count,
		MaterializedAt: e.now(),
	}}
	if seg.Status == StatusDraft && len(seg.Criteria) > 0 {
		active := StatusActive
		patch.Status = &active
	}

	updated, err := e.repo.Update(runCtx, id, patch)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &RefreshFailure{SegmentID: id, Err: fmt.Errorf("store membership: %w", err)}
	}

	logger.Info("segment refreshed",
		"segment_id", id,
		"trigger", trigger,
		"contact_count", updated.ContactCount,
		"scanned", res.Scanned,
		"evaluation_errors", res.EvaluationErrors,
		"duration_ms", res.Duration.Milliseconds(),
	)

	e.publish(runCtx, updated)
	if patch.Status != nil {
		e.schedule.Sync(updated.Clone())
	}
	return &RefreshResult{Segment: updated, Materialization: res}, nil
}

func (e *Engine) publish(ctx context.Context, seg *Segment) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishMembership(ctx, seg); err != nil {
		logger.Warn("publish segment membership", "segment_id", seg.ID, "error", err)
	}
}

// ==========================================
// VIEWS
// ==========================================

// Members returns one page of a segment's membership. page is 1-based.
func (e *Engine) Members(ctx context.Context, id uuid.UUID, page, limit int) (*MembersPage, error) {
	seg, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	total := len(seg.MemberIDs)
	lo := min((page-1)*limit, total)
	hi := min(lo+limit, total)
	return &MembersPage{
		SegmentID:  id,
		MemberIDs:  append([]string{}, seg.MemberIDs[lo:hi]...),
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}

// Performance returns engagement metrics for a live segment.
func (e *Engine) Performance(ctx context.Context, id uuid.UUID) (*SegmentPerformance, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.performance.SegmentPerformance(ctx, id)
}

// ==========================================
// COMMANDS
// ==========================================

// Command is a lifecycle request decoupled from any transport. Timers, HTTP
// handlers and tests dispatch the same values.
type Command interface {
	SegmentID() uuid.UUID
}

// RefreshSegment asks for a re-materialization.
type RefreshSegment struct {
	ID      uuid.UUID
	Trigger Trigger
}

// DeleteSegment asks for a soft delete.
type DeleteSegment struct {
	ID uuid.UUID
}

// DeactivateSegment asks for deactivation.
type DeactivateSegment struct {
	ID uuid.UUID
}

// SegmentID implements Command.
func (c RefreshSegment) SegmentID() uuid.UUID { return c.ID }

// SegmentID implements Command.
func (c DeleteSegment) SegmentID() uuid.UUID { return c.ID }

// SegmentID implements Command.
func (c DeactivateSegment) SegmentID() uuid.UUID { return c.ID }

// Dispatch executes a command. A refresh that loses the single-flight race
// is not an error.
func (e *Engine) Dispatch(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case RefreshSegment:
		trigger := c.Trigger
		if trigger == "" {
			trigger = TriggerManual
		}
		_, err := e.Refresh(ctx, c.ID, trigger)
		if IsConflict(err) {
			return nil
		}
		return err
	case DeleteSegment:
		return e.Delete(ctx, c.ID)
	case DeactivateSegment:
		_, err := e.Deactivate(ctx, c.ID)
		return err
	default:
		return fmt.Errorf("unknown segment command %T", cmd)
	}
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
