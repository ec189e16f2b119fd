package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/segment-engine/internal/config"
	"github.com/ignite/segment-engine/internal/corpus"
	"github.com/ignite/segment-engine/internal/pkg/httputil"
	"github.com/ignite/segment-engine/internal/search"
	"github.com/ignite/segment-engine/internal/segmentation"
	"github.com/ignite/segment-engine/internal/storage"
)

type testEnv struct {
	t      *testing.T
	corpus *corpus.Memory
	engine *segmentation.Engine
	saved  *search.MemorySavedSearchStore
	store  *storage.Storage
	router http.Handler
}

func company(id, name, status, country string) segmentation.Record {
	return segmentation.Record{ID: id, Fields: map[string]any{
		"name":    name,
		"status":  status,
		"country": country,
	}}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	c := corpus.NewMemory()
	c.Replace(segmentation.EntityCompany, []segmentation.Record{
		company("c1", "Maersk Line", "Active", "Denmark"),
		company("c2", "Hapag-Lloyd", "Active", "Germany"),
		company("c3", "Wallenius", "Inactive", "Norway"),
		company("c4", "Rickmers", "Active", "Germany"),
	})

	store, err := storage.New(config.StorageConfig{Type: "local", LocalPath: t.TempDir()})
	require.NoError(t, err)

	engine := segmentation.NewEngine(segmentation.NewMemoryStore(),
		segmentation.NewMaterializer(c, segmentation.MaterializerConfig{Workers: 2, PartitionSize: 2}))
	engine.SetPublisher(store)
	engine.SetAuthorizer(NewRoleAuthorizer("admin", "marketer"))

	saved := search.NewMemorySavedSearchStore()
	executor := search.NewExecutor(c)
	engine.SetQueryEvaluator(executor)
	converter := search.NewConverter(engine)

	router := SetupRoutes(RouteConfig{
		Segments: NewSegmentationAPI(engine, store, nil),
		Search:   NewSearchAPI(executor, converter, saved),
		Health:   NewHealthChecker(nil, nil, nil),
	})
	return &testEnv{t: t, corpus: c, engine: engine, saved: saved, store: store, router: router}
}

type caller struct {
	id, role string
}

var (
	marketer = caller{"u-1", "marketer"}
	viewer   = caller{"u-2", "viewer"}
	admin    = caller{"u-3", "admin"}
)

func (e *testEnv) do(who caller, method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(e.t, err)
			rdr = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if who.id != "" {
		req.Header.Set(HeaderUserID, who.id)
		req.Header.Set(HeaderUserRole, who.role)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func germanyCriteria() []map[string]any {
	return []map[string]any{
		{"field": "status", "operator": "equals", "value": "Active"},
		{"field": "country", "operator": "equals", "value": "Germany", "logicalOperator": "AND"},
	}
}

func (e *testEnv) createGermany(who caller) segmentation.Segment {
	e.t.Helper()
	rec := e.do(who, http.MethodPost, "/api/v2/segments", map[string]any{
		"name":            "German actives",
		"entityType":      "company",
		"segmentType":     "dynamic",
		"criteria":        germanyCriteria(),
		"autoRefresh":     true,
		"refreshInterval": 6,
	})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[segmentation.Segment](e.t, rec)
}

// =============================================================================
// SEGMENTS
// =============================================================================

func TestCreateSegment_Materializes(t *testing.T) {
	env := newTestEnv(t)
	seg := env.createGermany(marketer)

	assert.Equal(t, []string{"c2", "c4"}, seg.MemberIDs)
	assert.Equal(t, 2, seg.ContactCount)
	assert.Equal(t, "u-1", seg.CreatedBy)
	assert.Equal(t, segmentation.StatusActive, seg.Status)

	rec := env.do(marketer, http.MethodGet, "/api/v2/segments/"+seg.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Equal(t, "German actives", got["name"])
	assert.Equal(t, false, got["refreshing"])

	rec = env.do(marketer, http.MethodGet, "/api/v2/segments/"+seg.ID.String()+"/membership", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode[storage.MembershipDocument](t, rec)
	assert.Equal(t, []string{"c2", "c4"}, doc.MemberIDs)
}

func TestCreateSegment_Validation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(marketer, http.MethodPost, "/api/v2/segments", map[string]any{
		"name":        "No criteria",
		"entityType":  "company",
		"segmentType": "dynamic",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[httputil.ErrorResponse](t, rec)
	assert.Equal(t, codeValidation, body.Code)
	assert.Equal(t, "criteria", body.Details.(map[string]any)["field"])

	rec = env.do(marketer, http.MethodPost, "/api/v2/segments", map[string]any{
		"name":       "Bad op",
		"entityType": "company",
		"criteria":   []map[string]any{{"field": "status", "operator": "like", "value": "x"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(marketer, http.MethodPost, "/api/v2/segments", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	list := decode[PaginatedResponse](t, env.do(marketer, http.MethodGet, "/api/v2/segments", nil))
	assert.Zero(t, list.Pagination.Total)
}

func TestCreateSegment_Forbidden(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(viewer, http.MethodPost, "/api/v2/segments", map[string]any{
		"name":       "Nope",
		"entityType": "company",
		"criteria":   germanyCriteria(),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, codeForbidden, decode[httputil.ErrorResponse](t, rec).Code)
}

func TestListSegments_FiltersAndPages(t *testing.T) {
	env := newTestEnv(t)
	for i := range 3 {
		rec := env.do(marketer, http.MethodPost, "/api/v2/segments", map[string]any{
			"name":       fmt.Sprintf("Draft %d", i),
			"entityType": "company",
			"status":     "draft",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	env.createGermany(marketer)

	list := decode[PaginatedResponse](t, env.do(marketer, http.MethodGet, "/api/v2/segments?status=draft&limit=2", nil))
	assert.Equal(t, 3, list.Pagination.Total)
	assert.Equal(t, 2, list.Pagination.TotalPages)
	assert.True(t, list.Pagination.HasMore)
	assert.Len(t, list.Data, 2)

	list = decode[PaginatedResponse](t, env.do(marketer, http.MethodGet, "/api/v2/segments?autoRefresh=true", nil))
	assert.Equal(t, 1, list.Pagination.Total)

	rec := env.do(marketer, http.MethodGet, "/api/v2/segments?status=archived", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(marketer, http.MethodGet, "/api/v2/segments?autoRefresh=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateSegment(t *testing.T) {
	env := newTestEnv(t)
	seg := env.createGermany(marketer)
	path := "/api/v2/segments/" + seg.ID.String()

	rec := env.do(marketer, http.MethodPut, path, map[string]any{"name": "Renamed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[segmentation.Segment](t, rec)
	assert.Equal(t, "Renamed", got.Name)
	require.NotNil(t, got.RefreshInterval)
	assert.Equal(t, 6, *got.RefreshInterval)

	rec = env.do(marketer, http.MethodPut, path, `{"autoRefresh":false,"refreshInterval":null}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decode[segmentation.Segment](t, rec)
	assert.False(t, got.AutoRefresh)
	assert.Nil(t, got.RefreshInterval)

	rec = env.do(marketer, http.MethodPut, path, map[string]any{
		"criteria": []map[string]any{{"field": "country", "operator": "equals", "value": "Denmark"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"c1"}, decode[segmentation.Segment](t, rec).MemberIDs)

	rec = env.do(marketer, http.MethodPut, path, `{"refreshInterval":"six"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshSegment(t *testing.T) {
	env := newTestEnv(t)
	seg := env.createGermany(marketer)

	env.corpus.Add(segmentation.EntityCompany, company("c9", "Hamburg Süd", "Active", "Germany"))

	rec := env.do(marketer, http.MethodPost, "/api/v2/segments/"+seg.ID.String()+"/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]json.RawMessage](t, rec)

	var refreshed segmentation.Segment
	require.NoError(t, json.Unmarshal(body["segment"], &refreshed))
	assert.Equal(t, 3, refreshed.ContactCount)

	var mat segmentation.MaterializeResult
	require.NoError(t, json.Unmarshal(body["materialization"], &mat))
	assert.Equal(t, 5, mat.Scanned)
}

func TestRefreshSegment_StaticRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(marketer, http.MethodPost, "/api/v2/segments", map[string]any{
		"name":        "Frozen",
		"entityType":  "company",
		"segmentType": "static",
		"memberIds":   []string{"c1", "c3"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	seg := decode[segmentation.Segment](t, rec)

	rec = env.do(marketer, http.MethodPost, "/api/v2/segments/"+seg.ID.String()+"/refresh", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t)
	seg := env.createGermany(marketer)
	base := "/api/v2/segments/" + seg.ID.String()

	rec := env.do(marketer, http.MethodPost, base+"/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, segmentation.StatusInactive, decode[segmentation.Segment](t, rec).Status)

	rec = env.do(marketer, http.MethodPost, base+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, segmentation.StatusActive, decode[segmentation.Segment](t, rec).Status)

	rec = env.do(marketer, http.MethodPost, base+"/duplicate", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dup := decode[segmentation.Segment](t, rec)
	assert.Equal(t, "German actives (Copy)", dup.Name)
	assert.Equal(t, segmentation.StatusDraft, dup.Status)

	rec = env.do(marketer, http.MethodGet, base+"/members?page=2&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	members := decode[segmentation.MembersPage](t, rec)
	assert.Equal(t, []string{"c4"}, members.MemberIDs)
	assert.Equal(t, 2, members.Total)

	rec = env.do(marketer, http.MethodGet, base+"/members?page=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(marketer, http.MethodGet, base+"/performance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, seg.ID, decode[segmentation.SegmentPerformance](t, rec).SegmentID)
}

func TestDeleteSegment(t *testing.T) {
	env := newTestEnv(t)
	seg := env.createGermany(marketer)
	path := "/api/v2/segments/" + seg.ID.String()

	assert.Equal(t, http.StatusForbidden, env.do(marketer, http.MethodDelete, path+"?hard=true", nil).Code)

	assert.Equal(t, http.StatusNoContent, env.do(marketer, http.MethodDelete, path, nil).Code)
	rec := env.do(marketer, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeNotFound, decode[httputil.ErrorResponse](t, rec).Code)

	list := decode[PaginatedResponse](t, env.do(marketer, http.MethodGet, "/api/v2/segments?includeDeleted=true", nil))
	assert.Equal(t, 1, list.Pagination.Total)

	assert.Equal(t, http.StatusNoContent, env.do(admin, http.MethodDelete, path+"?hard=true", nil).Code)
	list = decode[PaginatedResponse](t, env.do(marketer, http.MethodGet, "/api/v2/segments?includeDeleted=true", nil))
	assert.Zero(t, list.Pagination.Total)
}

func TestSegmentRoutes_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(marketer, http.MethodGet, "/api/v2/segments/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v2/segments", bytes.NewBufferString(`name=x`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestListOperators(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(viewer, http.MethodGet, "/api/v2/operators", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Operators   []segmentation.OperatorMetadata `json:"operators"`
		EntityTypes []segmentation.EntityType       `json:"entityTypes"`
	}](t, rec)
	assert.Len(t, body.Operators, 11)
	assert.Equal(t, segmentation.EntityTypes, body.EntityTypes)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.createGermany(marketer)

	rec := env.do(caller{}, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
