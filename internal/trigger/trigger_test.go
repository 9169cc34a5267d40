package trigger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/alarmsync/internal/model"
)

type memModule struct {
	exact    bool
	exactErr error
	alarms   map[string]FullScreenAlarm
}

func newMemModule(exact bool) *memModule {
	return &memModule{exact: exact, alarms: map[string]FullScreenAlarm{}}
}

func (m *memModule) CanScheduleExactAlarms(context.Context) (bool, error) {
	return m.exact, m.exactErr
}

func (m *memModule) SetFullScreenAlarm(_ context.Context, alarm FullScreenAlarm) error {
	m.alarms[alarm.Key] = alarm
	return nil
}

func (m *memModule) CancelAlarm(_ context.Context, key string) error {
	if _, ok := m.alarms[key]; !ok {
		return ErrNoSuchTrigger
	}
	delete(m.alarms, key)
	return nil
}

func (m *memModule) ListAlarms(context.Context) ([]FullScreenAlarm, error) {
	out := make([]FullScreenAlarm, 0, len(m.alarms))
	for _, a := range m.alarms {
		out = append(out, a)
	}
	return out, nil
}

type memCenter struct {
	perms     Permissions
	category  *Category
	requested *Permissions
	pending   map[string]NotificationRequest
	addErr    error
}

func newMemCenter(perms Permissions) *memCenter {
	return &memCenter{perms: perms, pending: map[string]NotificationRequest{}}
}

func (c *memCenter) Permissions(context.Context) (Permissions, error) { return c.perms, nil }

func (c *memCenter) RequestPermissions(_ context.Context, want Permissions) (Permissions, error) {
	c.requested = &want
	return c.perms, nil
}

func (c *memCenter) SetCategory(_ context.Context, category Category) error {
	c.category = &category
	return nil
}

func (c *memCenter) Add(_ context.Context, req NotificationRequest) error {
	if c.addErr != nil {
		return c.addErr
	}
	c.pending[req.Key] = req
	return nil
}

func (c *memCenter) Remove(_ context.Context, key string) error {
	if _, ok := c.pending[key]; !ok {
		return ErrNoSuchTrigger
	}
	delete(c.pending, key)
	return nil
}

func (c *memCenter) Pending(context.Context) ([]NotificationRequest, error) {
	out := make([]NotificationRequest, 0, len(c.pending))
	for _, r := range c.pending {
		out = append(out, r)
	}
	return out, nil
}

var criticalPayload = Payload{AlarmID: "a1", Kind: model.KindNormal, Title: "Standup", Body: "Normal Alarm", Sound: "default", Critical: true}

func TestAndroidScheduleCancelAndInventory(t *testing.T) {
	ctx := context.Background()
	module := newMemModule(true)
	a := NewAndroid(module)

	res, err := a.Schedule(ctx, "a1@mon", 1000, criticalPayload)
	require.NoError(t, err)
	assert.Equal(t, MechanismExactAlarm, res.Mechanism)
	assert.False(t, res.Degraded)

	inv, err := a.Installed(ctx)
	require.NoError(t, err)
	require.Len(t, inv, 1)
	assert.True(t, inv[0].Payload.SameDelivery(criticalPayload))

	require.NoError(t, a.Cancel(ctx, "a1@mon"))
	require.NoError(t, a.Cancel(ctx, "a1@mon"), "unknown key cancels as success")
	assert.Empty(t, module.alarms)
}

func TestAndroidMissingCapabilityIsConfigurationError(t *testing.T) {
	ctx := context.Background()

	_, err := NewAndroid(nil).Schedule(ctx, "a1", 1000, criticalPayload)
	assert.True(t, model.IsKind(err, model.KindConfiguration))
	assert.ErrorIs(t, err, ErrModuleMissing)

	_, err = NewAndroid(newMemModule(false)).Schedule(ctx, "a1", 1000, criticalPayload)
	assert.True(t, model.IsKind(err, model.KindConfiguration))
	assert.ErrorIs(t, err, ErrExactAlarmDenied)

	ready, err := NewAndroid(newMemModule(false)).Prepare(ctx)
	require.Error(t, err)
	assert.Equal(t, []string{ReasonExactAlarmDenied}, ready.Degraded)

	ready, err = NewAndroid(newMemModule(true)).Prepare(ctx)
	require.NoError(t, err)
	assert.True(t, ready.Ready)
}

func TestIOSCriticalGranted(t *testing.T) {
	ctx := context.Background()
	center := newMemCenter(Permissions{Alert: true, Sound: true, CriticalAlert: true})
	a := NewIOS(center)

	res, err := a.Schedule(ctx, "a1", 1000, criticalPayload)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	req := center.pending["a1"]
	assert.True(t, req.Critical)
	assert.Equal(t, 1.0, req.Volume)
	assert.Equal(t, InterruptionCritical, req.Interruption)
	assert.Equal(t, CategoryAlarmActions, req.Category)
}

func TestIOSCriticalNotGrantedDegrades(t *testing.T) {
	ctx := context.Background()
	center := newMemCenter(Permissions{Alert: true, Sound: true})
	a := NewIOS(center)

	res, err := a.Schedule(ctx, "a1", 1000, criticalPayload)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{ReasonCriticalNotGranted}, res.Reasons)
	req, ok := center.pending["a1"]
	require.True(t, ok, "standard notification is still scheduled")
	assert.False(t, req.Critical)
	assert.Equal(t, InterruptionActive, req.Interruption)

	require.NoError(t, a.Cancel(ctx, "a1"))
	require.NoError(t, a.Cancel(ctx, "a1"))
}

func TestIOSAddFailurePropagates(t *testing.T) {
	center := newMemCenter(Permissions{Alert: true})
	center.addErr = errors.New("center busy")
	_, err := NewIOS(center).Schedule(context.Background(), "a1", 1000, criticalPayload)
	require.Error(t, err)

	_, err = NewIOS(nil).Schedule(context.Background(), "a1", 1000, criticalPayload)
	assert.True(t, model.IsKind(err, model.KindConfiguration))
}

func TestIOSPrepareRegistersCategoryAndRequestsPermissions(t *testing.T) {
	center := newMemCenter(Permissions{Alert: true, Badge: true, Sound: true})
	ready, err := NewIOS(center).Prepare(context.Background())
	require.NoError(t, err)
	assert.True(t, ready.Ready)
	assert.Equal(t, []string{ReasonCriticalNotGranted}, ready.Degraded)

	require.NotNil(t, center.category)
	assert.Equal(t, CategoryAlarmActions, center.category.ID)
	require.Len(t, center.category.Actions, 2)
	assert.Equal(t, ActionSnooze, center.category.Actions[0].ID)
	assert.True(t, center.category.Actions[1].Destructive)
	require.NotNil(t, center.requested)
	assert.True(t, center.requested.CriticalAlert)
}

func TestRegistryResolve(t *testing.T) {
	r := DefaultRegistry(newMemModule(true), newMemCenter(Permissions{}))
	assert.Equal(t, []model.Platform{model.PlatformAndroid, model.PlatformIOS}, r.Platforms())

	a, err := r.Resolve(model.PlatformIOS)
	require.NoError(t, err)
	assert.Equal(t, model.PlatformIOS, a.Platform())

	require.Error(t, r.Register(NewIOS(nil)))
	require.Error(t, r.Register(nil))

	_, err = NewRegistry().Resolve(model.PlatformAndroid)
	assert.True(t, model.IsKind(err, model.KindConfiguration))
}

func TestPayloadFor(t *testing.T) {
	p := PayloadFor(model.AlarmRecord{ID: "a1", Kind: model.KindNormal, Priority: model.PriorityHigh, Title: "T", Sound: "bell"})
	assert.True(t, p.Critical)
	assert.Equal(t, "a1", p.AlarmID)
	assert.False(t, PayloadFor(model.AlarmRecord{Priority: model.PriorityLow}).Critical)
}
