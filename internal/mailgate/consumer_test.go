package mailgate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/alarmsync/internal/config"
	"github.com/g960059/alarmsync/internal/model"
	"github.com/g960059/alarmsync/internal/reconcile"
	"github.com/g960059/alarmsync/internal/testutil"
)

const testStream = "alarmsync:mail-matches"

type recordingReleaser struct {
	mu      sync.Mutex
	matches []model.MailMatch
	err     error
}

func (r *recordingReleaser) ReleaseMail(_ context.Context, match model.MailMatch) reconcile.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches = append(r.matches, match)
	return reconcile.Outcome{AlarmID: match.AlarmID, Action: reconcile.ActionRelease, Err: r.err}
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func newConsumer(rdb *redis.Client, rel Releaser) *Consumer {
	return New(rdb, rel, Options{Stream: testStream, Group: "alarmsync", Consumer: "test", Block: -1})
}

func pending(t *testing.T, rdb *redis.Client) int64 {
	t.Helper()
	p, err := rdb.XPending(context.Background(), testStream, "alarmsync").Result()
	require.NoError(t, err)
	return p.Count
}

func TestPollReleasesAndAcks(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	rel := &recordingReleaser{}
	c := newConsumer(rdb, rel)
	require.NoError(t, c.Ensure(ctx))
	require.NoError(t, c.Ensure(ctx), "existing group is fine")

	received := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	id, err := Publish(ctx, rdb, testStream, model.MailMatch{AlarmID: "m1", OwnerID: "u1", Sender: "alerts@example.com", Subject: "outage", ReceivedAt: received})
	require.NoError(t, err)

	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, rel.matches, 1)
	got := rel.matches[0]
	assert.Equal(t, id, got.EventID)
	assert.Equal(t, "m1", got.AlarmID)
	assert.Equal(t, "outage", got.Subject)
	assert.True(t, received.Equal(got.ReceivedAt))
	assert.Zero(t, pending(t, rdb))

	n, err = c.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTransientReleaseStaysPending(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	rel := &recordingReleaser{err: model.NewError(model.KindTransient, "schedule", errors.New("timeout"))}
	c := newConsumer(rdb, rel)
	require.NoError(t, c.Ensure(ctx))
	_, err := Publish(ctx, rdb, testStream, model.MailMatch{AlarmID: "m1", Subject: "outage"})
	require.NoError(t, err)

	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(1), pending(t, rdb))
}

func TestMalformedAndRejectedEntriesAreAcked(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	rel := &recordingReleaser{err: model.NewError(model.KindPermission, "release mail", errors.New("owner mismatch"))}
	c := newConsumer(rdb, rel)
	require.NoError(t, c.Ensure(ctx))

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{Stream: testStream, Values: map[string]any{"subject": "no alarm id"}}).Err())
	_, err := Publish(ctx, rdb, testStream, model.MailMatch{AlarmID: "m1", OwnerID: "u2", Subject: "outage"})
	require.NoError(t, err)

	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, rel.matches, 1)
	assert.Zero(t, pending(t, rdb))
}

func TestConsumerDrivesReconcilerRelease(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	fake := testutil.NewFakeAdapter()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	r, err := reconcile.NewReconciler(fake, cfg, nil)
	require.NoError(t, err)

	mail := model.AlarmRecord{
		ID: "m1", OwnerID: "u1", Kind: model.KindMail, Priority: model.PriorityHigh,
		Mail: &model.MailFilter{Subject: "outage"}, Enabled: true, Title: "outage", Sound: "default",
	}
	require.NoError(t, r.Reconcile(ctx, nil, &mail).Err)

	c := newConsumer(rdb, r)
	require.NoError(t, c.Ensure(ctx))
	_, err = Publish(ctx, rdb, testStream, model.MailMatch{AlarmID: "m1", OwnerID: "u1", Subject: "Prod outage"})
	require.NoError(t, err)
	_, err = Publish(ctx, rdb, testStream, model.MailMatch{AlarmID: "m1", OwnerID: "u1", Subject: "newsletter"})
	require.NoError(t, err)

	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"m1@mail"}, fake.Keys())
}

func TestDecodeRejectsBadTimestamp(t *testing.T) {
	_, err := Decode(redis.XMessage{ID: "1-0", Values: map[string]any{"alarm_id": "m1", "received_at": "yesterday"}})
	assert.ErrorIs(t, err, model.ErrInvalid)
}
