package trigger

import (
	"context"
	"errors"
	"fmt"

	"github.com/g960059/alarmsync/internal/model"
)

// FullScreenAlarm is an exact wake-up alarm that opens the lock-screen interstitial.
type FullScreenAlarm struct {
	Key      string
	FireAtMs int64
	Title    string
	Body     string
	Sound    string
	Critical bool
}

// AlarmModule is the native exact-alarm primitive.
type AlarmModule interface {
	CanScheduleExactAlarms(ctx context.Context) (bool, error)
	SetFullScreenAlarm(ctx context.Context, alarm FullScreenAlarm) error
	CancelAlarm(ctx context.Context, key string) error
	ListAlarms(ctx context.Context) ([]FullScreenAlarm, error)
}

type Android struct {
	module AlarmModule
}

// NewAndroid wraps module. A nil module is accepted; every call then reports a
// configuration error.
func NewAndroid(module AlarmModule) *Android {
	return &Android{module: module}
}

func (a *Android) Platform() model.Platform {
	return model.PlatformAndroid
}

func (a *Android) Schedule(ctx context.Context, key string, fireAtMs int64, payload Payload) (Result, error) {
	if err := a.ensureExact(ctx, "android schedule"); err != nil {
		return Result{}, err
	}
	alarm := FullScreenAlarm{
		Key:      key,
		FireAtMs: fireAtMs,
		Title:    payload.Title,
		Body:     payload.Body,
		Sound:    payload.Sound,
		Critical: payload.Critical,
	}
	if err := a.module.SetFullScreenAlarm(ctx, alarm); err != nil {
		return Result{}, fmt.Errorf("set full-screen alarm %s: %w", key, err)
	}
	return Result{Key: key, FireAtMs: fireAtMs, Mechanism: MechanismExactAlarm}, nil
}

func (a *Android) Cancel(ctx context.Context, key string) error {
	if a.module == nil {
		return model.NewError(model.KindConfiguration, "android cancel", ErrModuleMissing)
	}
	if err := a.module.CancelAlarm(ctx, key); err != nil && !errors.Is(err, ErrNoSuchTrigger) {
		return fmt.Errorf("cancel alarm %s: %w", key, err)
	}
	return nil
}

func (a *Android) Installed(ctx context.Context) ([]Installed, error) {
	if a.module == nil {
		return nil, model.NewError(model.KindConfiguration, "android inventory", ErrModuleMissing)
	}
	alarms, err := a.module.ListAlarms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list alarms: %w", err)
	}
	out := make([]Installed, 0, len(alarms))
	for _, al := range alarms {
		out = append(out, Installed{
			Key:       al.Key,
			FireAtMs:  al.FireAtMs,
			Mechanism: MechanismExactAlarm,
			Payload:   Payload{Title: al.Title, Body: al.Body, Sound: al.Sound, Critical: al.Critical},
		})
	}
	return out, nil
}

func (a *Android) Prepare(ctx context.Context) (Readiness, error) {
	ready := Readiness{Platform: model.PlatformAndroid}
	if err := a.ensureExact(ctx, "android prepare"); err != nil {
		if model.IsKind(err, model.KindConfiguration) && errors.Is(err, ErrExactAlarmDenied) {
			ready.Degraded = append(ready.Degraded, ReasonExactAlarmDenied)
		}
		return ready, err
	}
	ready.Ready = true
	return ready, nil
}

func (a *Android) ensureExact(ctx context.Context, op string) error {
	if a.module == nil {
		return model.NewError(model.KindConfiguration, op, ErrModuleMissing)
	}
	ok, err := a.module.CanScheduleExactAlarms(ctx)
	if err != nil {
		return fmt.Errorf("%s: check exact alarm permission: %w", op, err)
	}
	if !ok {
		return model.NewError(model.KindConfiguration, op, ErrExactAlarmDenied)
	}
	return nil
}
