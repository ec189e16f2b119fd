package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/segment-engine/internal/pkg/httputil"
	"github.com/ignite/segment-engine/internal/search"
	"github.com/ignite/segment-engine/internal/segmentation"
)

// SearchAPI handles power search, search-to-segment conversion and saved
// searches.
type SearchAPI struct {
	executor  *search.Executor
	converter *search.Converter
	saved     search.SavedSearchStore
}

// NewSearchAPI creates a new search API handler.
func NewSearchAPI(executor *search.Executor, converter *search.Converter, saved search.SavedSearchStore) *SearchAPI {
	return &SearchAPI{executor: executor, converter: converter, saved: saved}
}

// RegisterRoutes registers search routes under /v2.
func (api *SearchAPI) RegisterRoutes(r chi.Router) {
	r.Route("/v2/search", func(r chi.Router) {
		r.Post("/", api.Search)
		r.Post("/preview", api.PreviewSegment)
		r.Post("/segments", api.CreateSegment)
	})

	r.Route("/v2/saved-searches", func(r chi.Router) {
		r.Get("/", api.ListSavedSearches)
		r.Post("/", api.CreateSavedSearch)

		r.Route("/{searchID}", func(r chi.Router) {
			r.Get("/", api.GetSavedSearch)
			r.Put("/", api.UpdateSavedSearch)
			r.Delete("/", api.DeleteSavedSearch)
			r.Post("/star", api.ToggleStar)
			r.Post("/run", api.RunSavedSearch)
		})
	})
}

// Search runs a power search and returns one page of hits.
//
//	POST /v2/search
func (api *SearchAPI) Search(w http.ResponseWriter, r *http.Request) {
	var q segmentation.PowerSearchQuery
	if !httputil.Decode(w, r, &q) {
		return
	}
	res, err := api.executor.Search(r.Context(), q)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, res)
}

// ==========================================
// SEARCH TO SEGMENT
// ==========================================

// ConvertRequest names the query to convert and how. The optional fields
// customize the proposed segment.
type ConvertRequest struct {
	Query       segmentation.PowerSearchQuery `json:"query"`
	SegmentType segmentation.SegmentType      `json:"segmentType"`
	Draft       bool                          `json:"draft"`

	Name            *string   `json:"name,omitempty"`
	Description     *string   `json:"description,omitempty"`
	Tags            *[]string `json:"tags,omitempty"`
	AutoRefresh     *bool     `json:"autoRefresh,omitempty"`
	RefreshInterval *int      `json:"refreshInterval,omitempty"`
}

func (req ConvertRequest) customize(p *search.SegmentPreview) {
	if req.Name != nil {
		p.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.Tags != nil {
		p.Tags = append([]string{}, (*req.Tags)...)
	}
	if p.SegmentType != segmentation.SegmentDynamic {
		return
	}
	if req.AutoRefresh != nil {
		p.AutoRefresh = *req.AutoRefresh
	}
	if req.RefreshInterval != nil {
		v := *req.RefreshInterval
		p.RefreshInterval = &v
	}
}

func (api *SearchAPI) preview(w http.ResponseWriter, r *http.Request) (ConvertRequest, *search.SegmentPreview, bool) {
	var req ConvertRequest
	if !httputil.Decode(w, r, &req) {
		return req, nil, false
	}
	if req.SegmentType == "" {
		req.SegmentType = segmentation.SegmentDynamic
	}
	if req.SegmentType != segmentation.SegmentStatic && req.SegmentType != segmentation.SegmentDynamic {
		httputil.ErrorWithCode(w, http.StatusBadRequest, codeValidation,
			"segmentType must be static or dynamic", nil)
		return req, nil, false
	}

	res, err := api.executor.Search(r.Context(), req.Query)
	if err != nil {
		respondError(w, err)
		return req, nil, false
	}
	p := api.converter.Preview(req.Query, res, req.SegmentType)
	req.customize(&p)
	return req, &p, true
}

// PreviewSegment proposes a segment for a query without writing anything.
//
//	POST /v2/search/preview
func (api *SearchAPI) PreviewSegment(w http.ResponseWriter, r *http.Request) {
	_, p, ok := api.preview(w, r)
	if !ok {
		return
	}
	httputil.OK(w, p)
}

// CreateSegment runs the query again and persists the (customized) preview.
//
//	POST /v2/search/segments
func (api *SearchAPI) CreateSegment(w http.ResponseWriter, r *http.Request) {
	req, p, ok := api.preview(w, r)
	if !ok {
		return
	}
	seg, err := api.converter.Create(r.Context(), *p, search.CreateOptions{
		CreatedBy: actor(r.Context()),
		Draft:     req.Draft,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.Created(w, seg)
}

// ==========================================
// SAVED SEARCHES
// ==========================================

func searchID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "searchID"))
	if err != nil {
		httputil.ErrorWithCode(w, http.StatusBadRequest, codeValidation, "invalid saved search id", nil)
		return uuid.Nil, false
	}
	return id, true
}

// ListSavedSearches lists the caller's saved searches plus public ones
// unless includePublic=false.
//
//	GET /v2/saved-searches?starred&category&search&includePublic&page&limit
func (api *SearchAPI) ListSavedSearches(w http.ResponseWriter, r *http.Request) {
	starred, err := httputil.QueryBool(r, "starred")
	if err != nil {
		httputil.ErrorWithCode(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	includePublic := true
	if r.URL.Query().Has("includePublic") {
		if includePublic, err = httputil.QueryBool(r, "includePublic"); err != nil {
			httputil.ErrorWithCode(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
			return
		}
	}

	list, err := api.saved.List(r.Context(), search.SavedSearchFilter{
		Owner:         actor(r.Context()),
		IncludePublic: includePublic,
		StarredOnly:   starred,
		Category:      r.URL.Query().Get("category"),
		Search:        r.URL.Query().Get("search"),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, paginate(list, ParsePagination(r, 50, 200)))
}

// CreateSavedSearch bookmarks a query for the caller.
//
//	POST /v2/saved-searches
func (api *SearchAPI) CreateSavedSearch(w http.ResponseWriter, r *http.Request) {
	var s search.SavedSearch
	if !httputil.Decode(w, r, &s) {
		return
	}
	s.ID = uuid.Nil
	s.Owner = actor(r.Context())
	s.RunCount, s.LastRunAt = 0, nil

	if err := api.saved.Save(r.Context(), &s); err != nil {
		respondError(w, err)
		return
	}
	httputil.Created(w, s)
}

// loadVisible fetches a saved search the caller may see.
func (api *SearchAPI) loadVisible(w http.ResponseWriter, r *http.Request) (*search.SavedSearch, bool) {
	id, ok := searchID(w, r)
	if !ok {
		return nil, false
	}
	s, err := api.saved.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return nil, false
	}
	if s.Owner != actor(r.Context()) && !s.IsPublic {
		respondError(w, search.ErrSavedSearchNotFound)
		return nil, false
	}
	return s, true
}

// loadOwned fetches a saved search the caller owns.
func (api *SearchAPI) loadOwned(w http.ResponseWriter, r *http.Request) (*search.SavedSearch, bool) {
	s, ok := api.loadVisible(w, r)
	if !ok {
		return nil, false
	}
	if s.Owner != actor(r.Context()) {
		httputil.ErrorWithCode(w, http.StatusForbidden, codeForbidden, "only the owner can change a saved search", nil)
		return nil, false
	}
	return s, true
}

// GetSavedSearch returns one saved search.
//
//	GET /v2/saved-searches/{searchID}
func (api *SearchAPI) GetSavedSearch(w http.ResponseWriter, r *http.Request) {
	s, ok := api.loadVisible(w, r)
	if !ok {
		return
	}
	httputil.OK(w, s)
}

// UpdateSavedSearch applies a partial update.
//
//	PUT /v2/saved-searches/{searchID}
func (api *SearchAPI) UpdateSavedSearch(w http.ResponseWriter, r *http.Request) {
	s, ok := api.loadOwned(w, r)
	if !ok {
		return
	}
	var patch search.SavedSearchPatch
	if !httputil.Decode(w, r, &patch) {
		return
	}
	updated, err := api.saved.Update(r.Context(), s.ID, patch)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, updated)
}

// DeleteSavedSearch removes a saved search.
//
//	DELETE /v2/saved-searches/{searchID}
func (api *SearchAPI) DeleteSavedSearch(w http.ResponseWriter, r *http.Request) {
	s, ok := api.loadOwned(w, r)
	if !ok {
		return
	}
	if err := api.saved.Delete(r.Context(), s.ID); err != nil {
		respondError(w, err)
		return
	}
	httputil.NoContent(w)
}

// ToggleStar flips the starred flag.
//
//	POST /v2/saved-searches/{searchID}/star
func (api *SearchAPI) ToggleStar(w http.ResponseWriter, r *http.Request) {
	s, ok := api.loadOwned(w, r)
	if !ok {
		return
	}
	updated, err := api.saved.ToggleStar(r.Context(), s.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, updated)
}

// RunSavedSearch executes the stored query and records the run. Optional
// page and limit query params override the stored pagination.
//
//	POST /v2/saved-searches/{searchID}/run?page&limit
func (api *SearchAPI) RunSavedSearch(w http.ResponseWriter, r *http.Request) {
	s, ok := api.loadVisible(w, r)
	if !ok {
		return
	}
	q := s.Query.Clone()
	page, err := httputil.QueryInt(r, "page", q.Pagination.Page)
	if err != nil {
		httputil.ErrorWithCode(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	limit, err := httputil.QueryInt(r, "limit", q.Pagination.Limit)
	if err != nil {
		httputil.ErrorWithCode(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	q.Pagination = segmentation.SearchPagination{Page: page, Limit: limit}

	res, err := api.executor.Search(r.Context(), q)
	if err != nil {
		respondError(w, err)
		return
	}
	updated, err := api.saved.MarkRun(r.Context(), s.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"savedSearch": updated,
		"results":     res,
	})
}
