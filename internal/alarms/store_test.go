package alarms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/alarmsync/internal/model"
	"github.com/g960059/alarmsync/internal/testutil"
)

func standupDraft() model.Draft {
	return model.Draft{
		Kind:     model.KindNormal,
		Title:    "Standup",
		Schedule: &model.Schedule{Time: "09:00", Days: []model.Weekday{"mon", "tue", "wed", "thu", "fri"}},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(testutil.NewDocStore(t, nil), Options{})
}

func nextBatch(t *testing.T, st *Stream) model.Batch {
	t.Helper()
	select {
	case b, ok := <-st.Batches():
		require.True(t, ok, "stream closed")
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for batch")
	}
	return model.Batch{}
}

func TestSignedOutStoreIsEmptyAndReadOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.List(ctx)
	require.NoError(t, err)
	defer st.Close()
	b := nextBatch(t, st)
	assert.Empty(t, b.Snapshot)
	assert.Empty(t, b.Changes)
	select {
	case <-st.Done():
		t.Fatal("signed-out stream must stay open")
	case <-time.After(50 * time.Millisecond):
	}

	recs, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = s.Create(ctx, standupDraft())
	assert.True(t, model.IsKind(err, model.KindPermission))
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
}

func TestCreateAssignsIdentityAndDefaults(t *testing.T) {
	s := newTestStore(t)
	s.Rescope("u1")
	ctx := context.Background()

	rec, err := s.Create(ctx, standupDraft())
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "u1", rec.OwnerID)
	assert.True(t, rec.Enabled)
	assert.Equal(t, model.PriorityMedium, rec.Priority)
	assert.Equal(t, model.DefaultNormalBody, rec.Body)
	assert.Equal(t, model.IconAlarm, rec.Icon)
	assert.False(t, rec.CreatedAt.IsZero())

	_, err = s.Create(ctx, model.Draft{Kind: model.KindMail, Mail: &model.MailFilter{}})
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestUpdateAndToggleKeepIdentity(t *testing.T) {
	s := newTestStore(t)
	s.Rescope("u1")
	ctx := context.Background()

	rec, err := s.Create(ctx, standupDraft())
	require.NoError(t, err)

	draft := standupDraft()
	draft.Schedule = &model.Schedule{Time: "10:15"}
	updated, err := s.Update(ctx, rec.ID, draft)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, updated.ID)
	assert.Equal(t, rec.OwnerID, updated.OwnerID)
	assert.True(t, rec.CreatedAt.Equal(updated.CreatedAt))
	assert.True(t, updated.Enabled, "unset enabled is preserved")
	assert.Equal(t, "10:15", updated.Schedule.Time)

	off, err := s.SetEnabled(ctx, rec.ID, false)
	require.NoError(t, err)
	assert.False(t, off.Enabled)
	assert.Equal(t, updated.Schedule, off.Schedule)
	assert.Equal(t, updated.Title, off.Title)
}

func TestWritesClassifyFailures(t *testing.T) {
	s := newTestStore(t)
	s.Rescope("u1")
	ctx := context.Background()
	rec, err := s.Create(ctx, standupDraft())
	require.NoError(t, err)

	_, err = s.SetEnabled(ctx, "missing", false)
	assert.True(t, model.IsKind(err, model.KindConflict))
	assert.ErrorIs(t, err, model.ErrNotFound)

	err = s.Delete(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	s.Rescope("u2")
	_, err = s.Update(ctx, rec.ID, standupDraft())
	assert.True(t, model.IsKind(err, model.KindPermission))
	assert.Error(t, s.Delete(ctx, rec.ID))

	s.Rescope("u1")
	require.NoError(t, s.Delete(ctx, rec.ID))
	_, err = s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStreamDeliversSnapshotThenChanges(t *testing.T) {
	s := newTestStore(t)
	s.Rescope("u1")
	ctx := context.Background()

	first, err := s.Create(ctx, standupDraft())
	require.NoError(t, err)

	st, err := s.List(ctx)
	require.NoError(t, err)
	defer st.Close()

	b := nextBatch(t, st)
	assert.Equal(t, int64(1), b.Seq)
	assert.Equal(t, "u1", b.OwnerID)
	require.Len(t, b.Changes, 1)
	assert.Nil(t, b.Changes[0].Previous)
	assert.Equal(t, first.ID, b.Changes[0].Current.ID)

	_, err = s.SetEnabled(ctx, first.ID, false)
	require.NoError(t, err)
	b = nextBatch(t, st)
	require.Len(t, b.Changes, 1)
	assert.True(t, b.Changes[0].Previous.Enabled)
	assert.False(t, b.Changes[0].Current.Enabled)

	require.NoError(t, s.Delete(ctx, first.ID))
	b = nextBatch(t, st)
	require.Len(t, b.Changes, 1)
	assert.Nil(t, b.Changes[0].Current)
	assert.Equal(t, first.ID, b.Changes[0].Previous.ID)
	assert.Empty(t, b.Snapshot)
}

func TestRescopeClosesOtherOwnersStreams(t *testing.T) {
	s := newTestStore(t)
	s.Rescope("u1")
	ctx := context.Background()
	_, err := s.Create(ctx, standupDraft())
	require.NoError(t, err)

	st, err := s.List(ctx)
	require.NoError(t, err)
	nextBatch(t, st)

	s.Rescope("u2")
	select {
	case <-st.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("stream of previous owner still open")
	}

	other, err := s.List(ctx)
	require.NoError(t, err)
	defer other.Close()
	b := nextBatch(t, other)
	assert.Equal(t, "u2", b.OwnerID)
	assert.Empty(t, b.Snapshot)
	assert.Empty(t, b.Changes)
}

func TestStreamResyncPollsWithoutNotifier(t *testing.T) {
	backend := testutil.NewDocStore(t, nil)
	s := NewStore(quietBackend{Backend: backend}, Options{Resync: 20 * time.Millisecond})
	s.Rescope("u1")
	ctx := context.Background()

	st, err := s.List(ctx)
	require.NoError(t, err)
	defer st.Close()
	nextBatch(t, st)

	rec, err := s.Create(ctx, standupDraft())
	require.NoError(t, err)
	b := nextBatch(t, st)
	require.Len(t, b.Changes, 1)
	assert.Equal(t, rec.ID, b.Changes[0].Current.ID)
}

// quietBackend drops change signals so only the resync poll observes writes.
type quietBackend struct{ Backend }

func (quietBackend) Changes(context.Context, string) (<-chan struct{}, func(), error) {
	return nil, func() {}, nil
}

func TestDiffOrdersCreatesUpdatesThenDeletes(t *testing.T) {
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	a := model.AlarmRecord{ID: "a", Enabled: true, UpdatedAt: at}
	b := model.AlarmRecord{ID: "b", Enabled: true, UpdatedAt: at}
	c := model.AlarmRecord{ID: "c", Enabled: true, UpdatedAt: at}
	known := map[string]model.AlarmRecord{"a": a, "b": b, "z": {ID: "z"}}

	bOff := b
	bOff.Enabled = false
	changes := diff(known, []model.AlarmRecord{a, bOff, c})
	require.Len(t, changes, 3)
	assert.Equal(t, "b", changes[0].ID())
	assert.NotNil(t, changes[0].Previous)
	assert.Equal(t, "c", changes[1].ID())
	assert.Nil(t, changes[1].Previous)
	assert.Equal(t, "z", changes[2].ID())
	assert.Nil(t, changes[2].Current)

	assert.Empty(t, diff(map[string]model.AlarmRecord{"a": a}, []model.AlarmRecord{a}))
}

func TestClassify(t *testing.T) {
	err := classify("list alarms", context.DeadlineExceeded)
	assert.True(t, model.IsKind(err, model.KindTransient))

	raw := errors.New("boom")
	err = classify("list alarms", raw)
	assert.ErrorIs(t, err, raw)
	_, ok := model.KindOf(err)
	assert.False(t, ok)
}
