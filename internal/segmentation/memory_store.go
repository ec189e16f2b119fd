package segmentation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Repository. Every write swaps in a fresh
// copy of the segment, so readers never observe a half-written membership.
type MemoryStore struct {
	mu       sync.RWMutex
	segments map[uuid.UUID]*Segment
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory repository.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		segments: make(map[uuid.UUID]*Segment),
		now:      time.Now,
	}
}

// Create stores a copy of seg, assigning an id and timestamps when missing.
func (s *MemoryStore) Create(ctx context.Context, seg *Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seg.ID == uuid.Nil {
		seg.ID = uuid.New()
	}
	if _, exists := s.segments[seg.ID]; exists {
		return invalid("id", "segment %s already exists", seg.ID)
	}
	now := s.now()
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = now
	}
	seg.UpdatedAt = now
	seg.ContactCount = len(seg.MemberIDs)
	if seg.MemberIDs == nil {
		seg.MemberIDs = []string{}
	}
	if seg.Tags == nil {
		seg.Tags = []string{}
	}

	s.segments[seg.ID] = seg.Clone()
	return nil
}

// Get returns a copy of the segment, including soft-deleted ones.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seg, ok := s.segments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return seg.Clone(), nil
}

// List returns matching segments ordered by name, then id.
func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		if matchesFilter(seg, filter) {
			out = append(out, seg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// Update applies patch to a copy and swaps it in.
func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, patch SegmentPatch) (*Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.segments[id]
	if !ok || current.Deleted() {
		return nil, ErrNotFound
	}
	next := current.Clone()
	applyPatch(next, patch, s.now())
	s.segments[id] = next
	return next.Clone(), nil
}

// Delete soft-deletes the segment.
func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.segments[id]
	if !ok || current.Deleted() {
		return ErrNotFound
	}
	next := current.Clone()
	now := s.now()
	next.Status = StatusInactive
	next.DeletedAt = &now
	next.UpdatedAt = now
	s.segments[id] = next
	return nil
}

// HardDelete removes the segment entirely.
func (s *MemoryStore) HardDelete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.segments[id]; !ok {
		return ErrNotFound
	}
	delete(s.segments, id)
	return nil
}

func matchesFilter(seg *Segment, f ListFilter) bool {
	if seg.Deleted() && !f.IncludeDeleted {
		return false
	}
	if f.Status != "" && seg.Status != f.Status {
		return false
	}
	if f.EntityType != "" && seg.EntityType != f.EntityType {
		return false
	}
	if f.AutoRefresh != nil && seg.AutoRefresh != *f.AutoRefresh {
		return false
	}
	if term := strings.ToLower(strings.TrimSpace(f.Search)); term != "" {
		if strings.Contains(strings.ToLower(seg.Name), term) ||
			strings.Contains(strings.ToLower(seg.Description), term) {
			return true
		}
		for _, tag := range seg.Tags {
			if strings.Contains(strings.ToLower(tag), term) {
				return true
			}
		}
		return false
	}
	return true
}
