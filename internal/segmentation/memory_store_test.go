package segmentation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	seg := &Segment{
		Name:        "Nordic",
		EntityType:  EntityCompany,
		SegmentType: SegmentDynamic,
		Status:      StatusActive,
		Criteria:    nordicCriteria(),
		MemberIDs:   []string{"c1", "c4"},
		Tags:        []string{"shipping"},
	}
	require.NoError(t, store.Create(ctx, seg))
	require.NotEqual(t, uuid.Nil, seg.ID)
	assert.Equal(t, 2, seg.ContactCount)

	got, err := store.Get(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, "Nordic", got.Name)

	// Returned copies are detached from stored state.
	got.MemberIDs[0] = "tampered"
	got.Criteria[0].Value = String("tampered")
	again, _ := store.Get(ctx, seg.ID)
	assert.Equal(t, "c1", again.MemberIDs[0])
	assert.Equal(t, "Active", again.Criteria[0].Value.Str)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	name := "Nordic Active"
	updated, err := store.Update(ctx, seg.ID, SegmentPatch{
		Name:       &name,
		Membership: &Membership{MemberIDs: []string{"c1"}, Count: 1, MaterializedAt: at},
	})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Equal(t, []string{"c1"}, updated.MemberIDs)
	assert.Equal(t, 1, updated.ContactCount)
	require.NotNil(t, updated.LastRefreshAt)
	assert.True(t, at.Equal(*updated.LastRefreshAt))

	require.NoError(t, store.Delete(ctx, seg.ID))
	deleted, err := store.Get(ctx, seg.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted())
	assert.Equal(t, StatusInactive, deleted.Status)

	_, err = store.Update(ctx, seg.ID, SegmentPatch{Name: &name})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, seg.ID), ErrNotFound)

	require.NoError(t, store.HardDelete(ctx, seg.ID))
	_, err = store.Get(ctx, seg.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_List(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	yes := true

	mk := func(name string, status Status, et EntityType, auto bool, tags ...string) *Segment {
		seg := &Segment{Name: name, Status: status, EntityType: et, SegmentType: SegmentDynamic, AutoRefresh: auto, Tags: tags}
		require.NoError(t, store.Create(ctx, seg))
		return seg
	}
	mk("Beta", StatusActive, EntityCompany, true, "vip")
	mk("Alpha", StatusDraft, EntityContact, false)
	gone := mk("Gamma", StatusActive, EntityCompany, false)
	require.NoError(t, store.Delete(ctx, gone.ID))

	names := func(segs []*Segment) []string {
		out := make([]string, len(segs))
		for i, s := range segs {
			out[i] = s.Name
		}
		return out
	}

	all, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha", "Beta"}, names(all))

	withDeleted, _ := store.List(ctx, ListFilter{IncludeDeleted: true})
	assert.Equal(t, []string{"Alpha", "Beta", "Gamma"}, names(withDeleted))

	active, _ := store.List(ctx, ListFilter{Status: StatusActive})
	assert.Equal(t, []string{"Beta"}, names(active))

	contacts, _ := store.List(ctx, ListFilter{EntityType: EntityContact})
	assert.Equal(t, []string{"Alpha"}, names(contacts))

	auto, _ := store.List(ctx, ListFilter{AutoRefresh: &yes})
	assert.Equal(t, []string{"Beta"}, names(auto))

	byTag, _ := store.List(ctx, ListFilter{Search: "VIP"})
	assert.Equal(t, []string{"Beta"}, names(byTag))
}
