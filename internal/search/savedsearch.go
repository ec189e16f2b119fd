package search

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/segment-engine/internal/segmentation"
)

// ErrSavedSearchNotFound is returned for unknown saved search ids.
var ErrSavedSearchNotFound = errors.New("saved search not found")

// SavedSearch bookmarks search parameters. Unlike a segment it stores no
// results.
type SavedSearch struct {
	ID          uuid.UUID                     `json:"id"`
	Title       string                        `json:"title"`
	Description string                        `json:"description,omitempty"`
	Query       segmentation.PowerSearchQuery `json:"query"`
	IsPublic    bool                          `json:"isPublic"`
	IsStarred   bool                          `json:"isStarred"`
	Category    string                        `json:"category,omitempty"`
	Tags        []string                      `json:"tags"`
	Owner       string                        `json:"owner"`
	CreatedAt   time.Time                     `json:"createdAt"`
	UpdatedAt   time.Time                     `json:"updatedAt"`
	LastRunAt   *time.Time                    `json:"lastRunAt,omitempty"`
	RunCount    int                           `json:"runCount"`
}

func (s *SavedSearch) clone() *SavedSearch {
	c := *s
	c.Query = s.Query.Clone()
	c.Tags = append([]string{}, s.Tags...)
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		c.LastRunAt = &t
	}
	return &c
}

// SavedSearchFilter narrows List. An empty Owner lists every search.
type SavedSearchFilter struct {
	Owner string
	// IncludePublic adds other owners' public searches to Owner's own.
	IncludePublic bool
	StarredOnly   bool
	Category      string
	Search        string
}

// SavedSearchPatch is a partial update; nil fields are left unchanged.
type SavedSearchPatch struct {
	Title       *string                        `json:"title,omitempty"`
	Description *string                        `json:"description,omitempty"`
	Query       *segmentation.PowerSearchQuery `json:"query,omitempty"`
	IsPublic    *bool                          `json:"isPublic,omitempty"`
	Category    *string                        `json:"category,omitempty"`
	Tags        *[]string                      `json:"tags,omitempty"`
}

// SavedSearchStore persists saved searches.
type SavedSearchStore interface {
	Save(ctx context.Context, s *SavedSearch) error
	Get(ctx context.Context, id uuid.UUID) (*SavedSearch, error)
	List(ctx context.Context, filter SavedSearchFilter) ([]*SavedSearch, error)
	Update(ctx context.Context, id uuid.UUID, patch SavedSearchPatch) (*SavedSearch, error)
	ToggleStar(ctx context.Context, id uuid.UUID) (*SavedSearch, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// MarkRun bumps the run counter and stamps lastRunAt.
	MarkRun(ctx context.Context, id uuid.UUID) (*SavedSearch, error)
}

// ValidateSavedSearch checks the fields every store requires.
func ValidateSavedSearch(s *SavedSearch) error {
	s.Title = strings.TrimSpace(s.Title)
	if s.Title == "" {
		return segmentation.NewValidationError("title", "title is required")
	}
	if strings.TrimSpace(s.Owner) == "" {
		return segmentation.NewValidationError("owner", "owner is required")
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}
	return nil
}

func applySavedSearchPatch(s *SavedSearch, patch SavedSearchPatch, now time.Time) error {
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return segmentation.NewValidationError("title", "title is required")
		}
		s.Title = title
	}
	if patch.Description != nil {
		s.Description = *patch.Description
	}
	if patch.Query != nil {
		s.Query = patch.Query.Clone()
	}
	if patch.IsPublic != nil {
		s.IsPublic = *patch.IsPublic
	}
	if patch.Category != nil {
		s.Category = *patch.Category
	}
	if patch.Tags != nil {
		s.Tags = append([]string{}, (*patch.Tags)...)
	}
	s.UpdatedAt = now
	return nil
}

func matchesSavedSearch(s *SavedSearch, f SavedSearchFilter) bool {
	if f.Owner != "" && s.Owner != f.Owner && !(f.IncludePublic && s.IsPublic) {
		return false
	}
	if f.StarredOnly && !s.IsStarred {
		return false
	}
	if f.Category != "" && !strings.EqualFold(s.Category, f.Category) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		hay := strings.ToLower(s.Title + " " + s.Description + " " + s.Query.Query + " " + strings.Join(s.Tags, " "))
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}

// ==========================================
// IN-MEMORY STORE
// ==========================================

// MemorySavedSearchStore keeps saved searches in process memory.
type MemorySavedSearchStore struct {
	mu       sync.RWMutex
	searches map[uuid.UUID]*SavedSearch
	now      func() time.Time
}

// NewMemorySavedSearchStore creates an empty store.
func NewMemorySavedSearchStore() *MemorySavedSearchStore {
	return &MemorySavedSearchStore{
		searches: make(map[uuid.UUID]*SavedSearch),
		now:      time.Now,
	}
}

func (m *MemorySavedSearchStore) Save(_ context.Context, s *SavedSearch) error {
	if err := ValidateSavedSearch(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt, s.UpdatedAt = now, now
	m.searches[s.ID] = s.clone()
	return nil
}

func (m *MemorySavedSearchStore) Get(_ context.Context, id uuid.UUID) (*SavedSearch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.searches[id]
	if !ok {
		return nil, ErrSavedSearchNotFound
	}
	return s.clone(), nil
}

// List returns matching searches, starred first, then most recently updated.
func (m *MemorySavedSearchStore) List(_ context.Context, filter SavedSearchFilter) ([]*SavedSearch, error) {
	m.mu.RLock()
	out := make([]*SavedSearch, 0, len(m.searches))
	for _, s := range m.searches {
		if matchesSavedSearch(s, filter) {
			out = append(out, s.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsStarred != out[j].IsStarred {
			return out[i].IsStarred
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *MemorySavedSearchStore) Update(_ context.Context, id uuid.UUID, patch SavedSearchPatch) (*SavedSearch, error) {
	return m.mutate(id, func(s *SavedSearch, now time.Time) error {
		return applySavedSearchPatch(s, patch, now)
	})
}

func (m *MemorySavedSearchStore) ToggleStar(_ context.Context, id uuid.UUID) (*SavedSearch, error) {
	return m.mutate(id, func(s *SavedSearch, now time.Time) error {
		s.IsStarred = !s.IsStarred
		s.UpdatedAt = now
		return nil
	})
}

func (m *MemorySavedSearchStore) MarkRun(_ context.Context, id uuid.UUID) (*SavedSearch, error) {
	return m.mutate(id, func(s *SavedSearch, now time.Time) error {
		s.RunCount++
		s.LastRunAt = &now
		return nil
	})
}

func (m *MemorySavedSearchStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.searches[id]; !ok {
		return ErrSavedSearchNotFound
	}
	delete(m.searches, id)
	return nil
}

// mutate applies fn to a copy and swaps it in only when fn succeeds.
func (m *MemorySavedSearchStore) mutate(id uuid.UUID, fn func(*SavedSearch, time.Time) error) (*SavedSearch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.searches[id]
	if !ok {
		return nil, ErrSavedSearchNotFound
	}
	next := cur.clone()
	if err := fn(next, m.now()); err != nil {
		return nil, err
	}
	m.searches[id] = next
	return next.clone(), nil
}
