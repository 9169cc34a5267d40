package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/alarmsync/internal/alarms"
	"github.com/g960059/alarmsync/internal/config"
	"github.com/g960059/alarmsync/internal/device"
	"github.com/g960059/alarmsync/internal/model"
	"github.com/g960059/alarmsync/internal/reconcile"
	"github.com/g960059/alarmsync/internal/testutil"
)

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

type fakeAuth struct {
	states chan model.AuthState
}

func newFakeAuth() *fakeAuth { return &fakeAuth{states: make(chan model.AuthState, 8)} }

func (f *fakeAuth) State() model.AuthState { return model.AuthState{Status: model.AuthLoading} }

func (f *fakeAuth) Watch(context.Context) <-chan model.AuthState { return f.states }

func signedIn(uid string) model.AuthState {
	return model.AuthState{Status: model.AuthAuthenticated, Profile: &model.Profile{ID: uid, Email: uid + "@example.com"}}
}

type harness struct {
	auth  *fakeAuth
	store *alarms.Store
	rec   *reconcile.Reconciler
	fake  *testutil.FakeAdapter
	mgr   *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	fake := testutil.NewFakeAdapter()
	rec, err := reconcile.NewReconciler(fake, cfg, nil)
	require.NoError(t, err)
	store := alarms.NewStore(testutil.NewDocStore(t, nil), alarms.Options{})
	auth := newFakeAuth()
	h := &harness{auth: auth, store: store, rec: rec, fake: fake, mgr: NewManager(auth, store, rec, Options{})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.mgr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func standupDraft() model.Draft {
	return model.Draft{
		Kind:     model.KindNormal,
		Title:    "Standup",
		Schedule: &model.Schedule{Time: "09:00", Days: []model.Weekday{"mon", "tue", "wed", "thu", "fri"}},
	}
}

func (h *harness) keyCount() int { return len(h.fake.Keys()) }

func TestStandupLifecycleThroughSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.Rescope("u1")
	rec, err := h.store.Create(ctx, standupDraft())
	require.NoError(t, err)

	h.auth.states <- signedIn("u1")
	require.Eventually(t, func() bool { return h.keyCount() == 5 }, waitFor, tick)
	it, ok := h.fake.Trigger(rec.ID + "@mon")
	require.True(t, ok)
	assert.Equal(t, "Standup", it.Payload.Title)
	before := it.FireAtMs

	_, err = h.store.SetEnabled(ctx, rec.ID, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.keyCount() == 0 }, waitFor, tick)

	_, err = h.store.SetEnabled(ctx, rec.ID, true)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.keyCount() == 5 }, waitFor, tick)
	it, _ = h.fake.Trigger(rec.ID + "@mon")
	assert.Equal(t, before, it.FireAtMs)

	require.NoError(t, h.store.Delete(ctx, rec.ID))
	require.Eventually(t, func() bool { return h.keyCount() == 0 }, waitFor, tick)
}

func TestSignOutKeepsTriggersAndReloginAdoptsThem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.Rescope("u1")
	rec, err := h.store.Create(ctx, standupDraft())
	require.NoError(t, err)

	h.auth.states <- signedIn("u1")
	require.Eventually(t, func() bool { return h.rec.Tracked(rec.ID) && h.keyCount() == 5 }, waitFor, tick)

	h.auth.states <- model.AuthState{Status: model.AuthGuest}
	require.Eventually(t, func() bool {
		_, ok := h.mgr.Owner()
		return !ok && !h.rec.Tracked(rec.ID)
	}, waitFor, tick)
	assert.Equal(t, 5, h.keyCount(), "sign-out leaves triggers installed")
	_, authed := h.store.Owner()
	assert.False(t, authed)

	h.fake.ResetCalls()
	h.auth.states <- signedIn("u1")
	require.Eventually(t, func() bool { return h.rec.Tracked(rec.ID) }, waitFor, tick)
	_, err = h.mgr.Sweep(ctx)
	require.NoError(t, err)
	schedules, cancels := h.fake.Calls()
	assert.Zero(t, schedules, "rebuilt bookkeeping adopts existing triggers")
	assert.Zero(t, cancels)
	assert.Equal(t, 5, h.keyCount())
}

func TestSwitchingUsersDoesNotLeakRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.Rescope("u1")
	rec, err := h.store.Create(ctx, standupDraft())
	require.NoError(t, err)
	h.auth.states <- signedIn("u1")
	require.Eventually(t, func() bool { return h.keyCount() == 5 }, waitFor, tick)

	h.auth.states <- signedIn("u2")
	require.Eventually(t, func() bool {
		owner, _ := h.mgr.Owner()
		return owner == "u2"
	}, waitFor, tick)
	recs, err := h.store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
	_, err = h.store.Get(ctx, rec.ID)
	assert.True(t, model.IsKind(err, model.KindPermission))
}

func TestFiredOneShotIsDisabledRemotely(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.Rescope("u1")
	rec, err := h.store.Create(ctx, model.Draft{Kind: model.KindNormal, Title: "Dentist", Schedule: &model.Schedule{Time: "07:30"}})
	require.NoError(t, err)
	h.auth.states <- signedIn("u1")
	require.Eventually(t, func() bool { return h.keyCount() == 1 }, waitFor, tick)

	events := h.mgr.Subscribe(ctx)
	h.fake.Drop(rec.ID)
	out := h.mgr.HandleFired(ctx, device.Fired{Key: rec.ID, FiredAt: time.Now()})
	require.NoError(t, out.Err)
	assert.Equal(t, reconcile.ActionNeedsNext, out.Action)

	require.Eventually(t, func() bool {
		got, err := h.store.Get(ctx, rec.ID)
		return err == nil && !got.Enabled
	}, waitFor, tick)
	assert.Zero(t, h.keyCount())

	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-events:
			if ev.Type != EventFired {
				continue
			}
			require.NotNil(t, ev.Fired)
			assert.Equal(t, rec.ID, ev.Fired.Key)
			return
		case <-deadline:
			t.Fatal("no fired event")
		}
	}
}

func TestOneShotFiredWhileSignedOutIsRetiredAtLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.Rescope("u1")
	rec, err := h.store.Create(ctx, model.Draft{Kind: model.KindNormal, Title: "Dentist", Schedule: &model.Schedule{Time: "07:30"}})
	require.NoError(t, err)
	h.auth.states <- signedIn("u1")
	require.Eventually(t, func() bool { return h.keyCount() == 1 }, waitFor, tick)
	it, ok := h.fake.Trigger(rec.ID)
	require.True(t, ok)

	h.auth.states <- model.AuthState{Status: model.AuthGuest}
	require.Eventually(t, func() bool {
		_, ok := h.mgr.Owner()
		return !ok
	}, waitFor, tick)

	h.fake.Drop(rec.ID)
	out := h.mgr.HandleFired(ctx, device.Fired{Key: rec.ID, FireAtMs: it.FireAtMs, FiredAt: time.Now(), Title: it.Payload.Title})
	assert.Equal(t, reconcile.ActionNeedsNext, out.Action)

	h.fake.ResetCalls()
	h.auth.states <- signedIn("u1")
	require.Eventually(t, func() bool {
		owner, _ := h.mgr.Owner()
		return owner == "u1"
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		got, err := h.store.Get(ctx, rec.ID)
		return err == nil && !got.Enabled
	}, waitFor, tick)
	schedules, _ := h.fake.Calls()
	assert.Zero(t, schedules, "a spent one-shot is not rescheduled for tomorrow")
	assert.Zero(t, h.keyCount())
}

func TestSweepRequiresSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Sweep(context.Background())
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
}
