package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/segment-engine/internal/search"
	"github.com/ignite/segment-engine/internal/segmentation"
)

func activeGermany() map[string]any {
	return map[string]any{
		"filters": map[string]any{
			"status":    []string{"Active"},
			"countries": []string{"Germany"},
		},
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(viewer, http.MethodPost, "/api/v2/search", map[string]any{
		"query":      "maersk",
		"pagination": map[string]any{"limit": 10},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[search.Results](t, rec)
	assert.Equal(t, 1, res.Total)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "c1", res.Items[0].Record.ID)

	rec = env.do(viewer, http.MethodPost, "/api/v2/search", map[string]any{
		"sorting": map[string]any{"field": "name", "direction": "desc"},
		"filters": map[string]any{"status": []string{"Active"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[search.Results](t, rec)
	require.Len(t, res.Items, 3)
	assert.Equal(t, "c4", res.Items[0].Record.ID)
}

func TestPreviewSegment(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(viewer, http.MethodPost, "/api/v2/search/preview", map[string]any{
		"query":       activeGermany(),
		"segmentType": "static",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decode[search.SegmentPreview](t, rec)
	assert.Equal(t, "Active - Germany", p.Name)
	assert.Equal(t, []string{"c2", "c4"}, p.MemberIDs)
	assert.Equal(t, 2, p.EstimatedReach)

	list := decode[PaginatedResponse](t, env.do(viewer, http.MethodGet, "/api/v2/segments", nil))
	assert.Zero(t, list.Pagination.Total)

	rec = env.do(viewer, http.MethodPost, "/api/v2/search/preview", map[string]any{
		"query":       activeGermany(),
		"segmentType": "hybrid",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSegmentFromSearch(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(marketer, http.MethodPost, "/api/v2/search/segments", map[string]any{
		"query":           activeGermany(),
		"segmentType":     "dynamic",
		"name":            "DE carriers",
		"refreshInterval": 12,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	seg := decode[segmentation.Segment](t, rec)
	assert.Equal(t, "DE carriers", seg.Name)
	assert.Equal(t, []string{"c2", "c4"}, seg.MemberIDs)
	assert.True(t, seg.AutoRefresh)
	require.NotNil(t, seg.RefreshInterval)
	assert.Equal(t, 12, *seg.RefreshInterval)
	require.NotNil(t, seg.SourceQuery)
	assert.Equal(t, "u-1", seg.CreatedBy)
	assert.Contains(t, seg.Tags, "power-search")

	rec = env.do(viewer, http.MethodPost, "/api/v2/search/segments", map[string]any{
		"query": activeGermany(),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(marketer, http.MethodPost, "/api/v2/search/segments", map[string]any{
		"query": map[string]any{"query": "no such carrier"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(marketer, http.MethodPost, "/api/v2/search/segments", map[string]any{
		"query": activeGermany(),
		"name":  "   ",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	list := decode[PaginatedResponse](t, env.do(viewer, http.MethodGet, "/api/v2/segments", nil))
	assert.Equal(t, 1, list.Pagination.Total)
}

// =============================================================================
// SAVED SEARCHES
// =============================================================================

func TestSavedSearchLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(marketer, http.MethodPost, "/api/v2/saved-searches", map[string]any{
		"title":    "German actives",
		"query":    activeGermany(),
		"category": "prospecting",
		"owner":    "someone-else",
		"runCount": 99,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	saved := decode[search.SavedSearch](t, rec)
	assert.Equal(t, "u-1", saved.Owner)
	assert.Zero(t, saved.RunCount)
	path := "/api/v2/saved-searches/" + saved.ID.String()

	rec = env.do(marketer, http.MethodPost, path+"/star", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[search.SavedSearch](t, rec).IsStarred)

	rec = env.do(marketer, http.MethodPost, path+"/run?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[struct {
		SavedSearch search.SavedSearch `json:"savedSearch"`
		Results     search.Results     `json:"results"`
	}](t, rec)
	assert.Equal(t, 1, run.SavedSearch.RunCount)
	assert.NotNil(t, run.SavedSearch.LastRunAt)
	assert.Equal(t, 2, run.Results.Total)
	assert.Len(t, run.Results.Items, 1)

	rec = env.do(marketer, http.MethodPut, path, map[string]any{"title": "DE actives", "isPublic": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DE actives", decode[search.SavedSearch](t, rec).Title)

	list := decode[PaginatedResponse](t, env.do(marketer, http.MethodGet, "/api/v2/saved-searches?starred=true", nil))
	assert.Equal(t, 1, list.Pagination.Total)
	list = decode[PaginatedResponse](t, env.do(marketer, http.MethodGet, "/api/v2/saved-searches?category=other", nil))
	assert.Zero(t, list.Pagination.Total)

	assert.Equal(t, http.StatusNoContent, env.do(marketer, http.MethodDelete, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(marketer, http.MethodGet, path, nil).Code)
}

func TestSavedSearchVisibility(t *testing.T) {
	env := newTestEnv(t)

	create := func(title string, public bool) string {
		rec := env.do(marketer, http.MethodPost, "/api/v2/saved-searches", map[string]any{
			"title":    title,
			"query":    activeGermany(),
			"isPublic": public,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		return "/api/v2/saved-searches/" + decode[search.SavedSearch](t, rec).ID.String()
	}
	private := create("Mine", false)
	public := create("Shared", true)

	assert.Equal(t, http.StatusNotFound, env.do(viewer, http.MethodGet, private, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(viewer, http.MethodGet, public, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(viewer, http.MethodPost, public+"/run", nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(viewer, http.MethodDelete, public, nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(viewer, http.MethodPost, public+"/star", nil).Code)

	list := decode[PaginatedResponse](t, env.do(viewer, http.MethodGet, "/api/v2/saved-searches", nil))
	assert.Equal(t, 1, list.Pagination.Total)
	list = decode[PaginatedResponse](t, env.do(viewer, http.MethodGet, "/api/v2/saved-searches?includePublic=false", nil))
	assert.Zero(t, list.Pagination.Total)

	rec := env.do(marketer, http.MethodPost, "/api/v2/saved-searches", map[string]any{"title": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, http.StatusBadRequest, env.do(marketer, http.MethodGet, "/api/v2/saved-searches/xyz", nil).Code)
}
