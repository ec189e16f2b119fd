package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/segment-engine/internal/pkg/httputil"
	"github.com/ignite/segment-engine/internal/segmentation"
	"github.com/ignite/segment-engine/internal/storage"
	"github.com/ignite/segment-engine/internal/worker"
)

// MembershipReader returns the last published membership of a segment.
type MembershipReader interface {
	GetMembership(ctx context.Context, id uuid.UUID) (*storage.MembershipDocument, error)
}

// ScheduleInspector exposes the refresh scheduler's view of one segment.
type ScheduleInspector interface {
	State(id uuid.UUID) (worker.RefreshState, bool)
	NextRun(id uuid.UUID) (time.Time, bool)
	LastError(id uuid.UUID) string
}

// SegmentationAPI handles segment endpoints.
type SegmentationAPI struct {
	engine      *segmentation.Engine
	memberships MembershipReader
	schedule    ScheduleInspector
}

// NewSegmentationAPI creates a new segmentation API handler. memberships
// and schedule may be nil.
func NewSegmentationAPI(engine *segmentation.Engine, memberships MembershipReader, schedule ScheduleInspector) *SegmentationAPI {
	return &SegmentationAPI{engine: engine, memberships: memberships, schedule: schedule}
}

// RegisterRoutes registers segment routes under /v2.
func (api *SegmentationAPI) RegisterRoutes(r chi.Router) {
	r.Route("/v2/segments", func(r chi.Router) {
		r.Get("/", api.ListSegments)
		r.Post("/", api.CreateSegment)

		r.Route("/{segmentID}", func(r chi.Router) {
			r.Get("/", api.GetSegment)
			r.Put("/", api.UpdateSegment)
			r.Delete("/", api.DeleteSegment)
			r.Post("/refresh", api.RefreshSegment)
			r.Post("/activate", api.ActivateSegment)
			r.Post("/deactivate", api.DeactivateSegment)
			r.Post("/duplicate", api.DuplicateSegment)
			r.Get("/members", api.GetSegmentMembers)
			r.Get("/membership", api.GetPublishedMembership)
			r.Get("/performance", api.GetSegmentPerformance)
		})
	})

	r.Get("/v2/operators", api.ListOperators)
}

func segmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "segmentID"))
	if err != nil {
		httputil.ErrorWithCode(w, http.StatusBadRequest, codeValidation, "invalid segment id", nil)
		return uuid.Nil, false
	}
	return id, true
}

// ==========================================
// SEGMENT HANDLERS
// ==========================================

// SegmentSchedule is the scheduler state attached to a segment response.
type SegmentSchedule struct {
	State     worker.RefreshState `json:"state"`
	NextRun   *time.Time          `json:"nextRun,omitempty"`
	LastError string              `json:"lastError,omitempty"`
}

// SegmentResponse is a segment plus its refresh schedule.
type SegmentResponse struct {
	*segmentation.Segment
	Refreshing bool             `json:"refreshing"`
	Schedule   *SegmentSchedule `json:"schedule,omitempty"`
}

func (api *SegmentationAPI) describe(seg *segmentation.Segment) SegmentResponse {
	resp := SegmentResponse{Segment: seg, Refreshing: api.engine.IsRefreshing(seg.ID)}
	if api.schedule == nil {
		return resp
	}
	if state, ok := api.schedule.State(seg.ID); ok {
		s := &SegmentSchedule{State: state, LastError: api.schedule.LastError(seg.ID)}
		if next, ok := api.schedule.NextRun(seg.ID); ok {
			s.NextRun = &next
		}
		resp.Schedule = s
	}
	return resp
}

// ListSegments returns segments matching the query filters.
//
//	GET /v2/segments?status&entityType&search&autoRefresh&includeDeleted&page&limit
func (api *SegmentationAPI) ListSegments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := segmentation.ListFilter{
		Status:     segmentation.Status(q.Get("status")),
		EntityType: segmentation.EntityType(q.Get("entityType")),
		Search:     q.Get("search"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		httputil.ErrorWithCode(w, http.StatusBadRequest, codeValidation, "unknown status "+string(filter.Status), nil)
		return
	}
	if filter.EntityType != "" && !filter.EntityType.Valid() {
		httputil.ErrorWithCode(w, http.StatusBadRequest, codeValidation, "unknown entity type "+string(filter.EntityType), nil)
		return
	}
	if q.Has("autoRefresh") {
		v, err := httputil.QueryBool(r, "autoRefresh")
		if err != nil {
			httputil.ErrorWithCode(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
			return
		}
		filter.AutoRefresh = &v
	}
	includeDeleted, err := httputil.QueryBool(r, "includeDeleted")
	if err != nil {
		httputil.ErrorWithCode(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	filter.IncludeDeleted = includeDeleted

	segments, err := api.engine.List(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, paginate(segments, ParsePagination(r, 50, 200)))
}

// CreateSegment creates a segment. Dynamic segments are materialized
// before the response is written.
//
//	POST /v2/segments
func (api *SegmentationAPI) CreateSegment(w http.ResponseWriter, r *http.Request) {
	var in segmentation.CreateSegmentInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	if in.CreatedBy == "" {
		in.CreatedBy = actor(r.Context())
	}

	seg, err := api.engine.Create(r.Context(), in)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.Created(w, api.describe(seg))
}

// GetSegment returns a segment with its schedule.
//
//	GET /v2/segments/{segmentID}
func (api *SegmentationAPI) GetSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := segmentID(w, r)
	if !ok {
		return
	}
	seg, err := api.engine.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, api.describe(seg))
}

// UpdateSegmentRequest is a partial update. Absent fields are unchanged;
// "refreshInterval": null clears the interval.
type UpdateSegmentRequest struct {
	Name            *string                         `json:"name"`
	Description     *string                         `json:"description"`
	Tags            *[]string                       `json:"tags"`
	Criteria        *[]segmentation.SegmentCriteria `json:"criteria"`
	Status          *segmentation.Status            `json:"status"`
	AutoRefresh     *bool                           `json:"autoRefresh"`
	RefreshInterval optionalInt                     `json:"refreshInterval"`
}

// optionalInt tells an absent field from an explicit null.
type optionalInt struct {
	Set   bool
	Value *int
}

func (o *optionalInt) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

func (req UpdateSegmentRequest) patch() segmentation.SegmentPatch {
	p := segmentation.SegmentPatch{
		Name:        req.Name,
		Description: req.Description,
		Tags:        req.Tags,
		Criteria:    req.Criteria,
		Status:      req.Status,
		AutoRefresh: req.AutoRefresh,
	}
	if req.RefreshInterval.Set {
		v := req.RefreshInterval.Value
		p.RefreshInterval = &v
	}
	return p
}

// UpdateSegment applies a partial update. A criteria change rematerializes.
//
//	PUT /v2/segments/{segmentID}
func (api *SegmentationAPI) UpdateSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := segmentID(w, r)
	if !ok {
		return
	}
	var req UpdateSegmentRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	seg, err := api.engine.Update(r.Context(), id, req.patch())
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, api.describe(seg))
}

// DeleteSegment soft-deletes a segment. Admins may pass hard=true to purge
// the record.
//
//	DELETE /v2/segments/{segmentID}?hard=true
func (api *SegmentationAPI) DeleteSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := segmentID(w, r)
	if !ok {
		return
	}
	hard, err := httputil.QueryBool(r, "hard")
	if err != nil {
		httputil.ErrorWithCode(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}

	if hard {
		if !isAdmin(r.Context()) {
			httputil.ErrorWithCode(w, http.StatusForbidden, codeForbidden, "only admins can purge segments", nil)
			return
		}
		err = api.engine.Purge(r.Context(), id)
	} else {
		err = api.engine.Dispatch(r.Context(), segmentation.DeleteSegment{ID: id})
	}
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.NoContent(w)
}

// RefreshSegment rematerializes a dynamic segment now.
//
//	POST /v2/segments/{segmentID}/refresh
func (api *SegmentationAPI) RefreshSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := segmentID(w, r)
	if !ok {
		return
	}
	res, err := api.engine.Refresh(r.Context(), id, segmentation.TriggerManual)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"segment":         api.describe(res.Segment),
		"materialization": res.Materialization,
	})
}

// ActivateSegment moves a segment to active.
//
//	POST /v2/segments/{segmentID}/activate
func (api *SegmentationAPI) ActivateSegment(w http.ResponseWriter, r *http.Request) {
	api.transition(w, r, api.engine.Activate)
}

// DeactivateSegment cancels refreshes and moves a segment to inactive.
//
//	POST /v2/segments/{segmentID}/deactivate
func (api *SegmentationAPI) DeactivateSegment(w http.ResponseWriter, r *http.Request) {
	api.transition(w, r, api.engine.Deactivate)
}

func (api *SegmentationAPI) transition(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, uuid.UUID) (*segmentation.Segment, error)) {
	id, ok := segmentID(w, r)
	if !ok {
		return
	}
	seg, err := fn(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, api.describe(seg))
}

// DuplicateSegment creates a draft copy.
//
//	POST /v2/segments/{segmentID}/duplicate
func (api *SegmentationAPI) DuplicateSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := segmentID(w, r)
	if !ok {
		return
	}
	seg, err := api.engine.Duplicate(r.Context(), id, actor(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.Created(w, api.describe(seg))
}

// GetSegmentMembers pages through the current membership.
//
//	GET /v2/segments/{segmentID}/members?page&limit
func (api *SegmentationAPI) GetSegmentMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := segmentID(w, r)
	if !ok {
		return
	}
	page, err := httputil.QueryInt(r, "page", 1)
	if err != nil {
		httputil.ErrorWithCode(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 50)
	if err != nil {
		httputil.ErrorWithCode(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}

	members, err := api.engine.Members(r.Context(), id, page, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, members)
}

// GetPublishedMembership returns the membership document handed to the
// campaign and export subsystems.
//
//	GET /v2/segments/{segmentID}/membership
func (api *SegmentationAPI) GetPublishedMembership(w http.ResponseWriter, r *http.Request) {
	id, ok := segmentID(w, r)
	if !ok {
		return
	}
	if api.memberships == nil {
		httputil.ErrorWithCode(w, http.StatusNotFound, codeNotFound, "membership publication is disabled", nil)
		return
	}
	if _, err := api.engine.Get(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	doc, err := api.memberships.GetMembership(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, doc)
}

// GetSegmentPerformance returns engagement metrics from the analytics
// collaborator.
//
//	GET /v2/segments/{segmentID}/performance
func (api *SegmentationAPI) GetSegmentPerformance(w http.ResponseWriter, r *http.Request) {
	id, ok := segmentID(w, r)
	if !ok {
		return
	}
	perf, err := api.engine.Performance(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, perf)
}

// ListOperators returns criterion operator metadata for the segment builder.
//
//	GET /v2/operators
func (api *SegmentationAPI) ListOperators(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"operators":   segmentation.GetOperatorMetadata(),
		"entityTypes": segmentation.EntityTypes,
		"logic":       []segmentation.LogicOperator{segmentation.LogicAnd, segmentation.LogicOr},
	})
}
