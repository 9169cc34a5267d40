package trigger

import (
	"context"
	"errors"
	"fmt"

	"github.com/g960059/alarmsync/internal/model"
)

const (
	InterruptionActive   = "active"
	InterruptionCritical = "critical"
)

type Permissions struct {
	Alert         bool `json:"alert"`
	Badge         bool `json:"badge"`
	Sound         bool `json:"sound"`
	CriticalAlert bool `json:"critical_alert"`
}

type Action struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Destructive bool   `json:"destructive,omitempty"`
}

type Category struct {
	ID      string   `json:"id"`
	Actions []Action `json:"actions"`
}

// NotificationRequest is a scheduled local notification.
type NotificationRequest struct {
	Key          string
	FireAtMs     int64
	Title        string
	Body         string
	Sound        string
	Critical     bool
	Volume       float64
	Interruption string
	Category     string
}

// NotificationCenter is the native local-notification primitive.
type NotificationCenter interface {
	Permissions(ctx context.Context) (Permissions, error)
	RequestPermissions(ctx context.Context, want Permissions) (Permissions, error)
	SetCategory(ctx context.Context, category Category) error
	Add(ctx context.Context, req NotificationRequest) error
	Remove(ctx context.Context, key string) error
	Pending(ctx context.Context) ([]NotificationRequest, error)
}

// AlarmCategory carries the snooze and stop actions shown on a fired alarm.
var AlarmCategory = Category{
	ID: CategoryAlarmActions,
	Actions: []Action{
		{ID: ActionSnooze, Title: "Snooze"},
		{ID: ActionStop, Title: "Stop", Destructive: true},
	},
}

type IOS struct {
	center NotificationCenter
}

func NewIOS(center NotificationCenter) *IOS {
	return &IOS{center: center}
}

func (a *IOS) Platform() model.Platform {
	return model.PlatformIOS
}

// Schedule installs a notification. A critical payload without the critical-alert grant is
// still scheduled as a standard notification and reported degraded.
func (a *IOS) Schedule(ctx context.Context, key string, fireAtMs int64, payload Payload) (Result, error) {
	if a.center == nil {
		return Result{}, model.NewError(model.KindConfiguration, "ios schedule", ErrCenterMissing)
	}
	perms, err := a.center.Permissions(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read notification permissions: %w", err)
	}

	res := Result{Key: key, FireAtMs: fireAtMs, Mechanism: MechanismNotification}
	req := NotificationRequest{
		Key:          key,
		FireAtMs:     fireAtMs,
		Title:        payload.Title,
		Body:         payload.Body,
		Sound:        payload.Sound,
		Interruption: InterruptionActive,
		Category:     CategoryAlarmActions,
	}
	if payload.Critical {
		if perms.CriticalAlert {
			req.Critical = true
			req.Volume = 1.0
			req.Interruption = InterruptionCritical
		} else {
			res.Degraded = true
			res.Reasons = append(res.Reasons, ReasonCriticalNotGranted)
		}
	}
	if !perms.Alert && !perms.Sound {
		res.Degraded = true
		res.Reasons = append(res.Reasons, ReasonNotificationsNotGranted)
	}
	if err := a.center.Add(ctx, req); err != nil {
		return Result{}, fmt.Errorf("add notification %s: %w", key, err)
	}
	return res, nil
}

func (a *IOS) Cancel(ctx context.Context, key string) error {
	if a.center == nil {
		return model.NewError(model.KindConfiguration, "ios cancel", ErrCenterMissing)
	}
	if err := a.center.Remove(ctx, key); err != nil && !errors.Is(err, ErrNoSuchTrigger) {
		return fmt.Errorf("remove notification %s: %w", key, err)
	}
	return nil
}

// Installed reports pending notifications. Critical is the delivered criticality, false
// for a degraded critical request.
func (a *IOS) Installed(ctx context.Context) ([]Installed, error) {
	if a.center == nil {
		return nil, model.NewError(model.KindConfiguration, "ios inventory", ErrCenterMissing)
	}
	pending, err := a.center.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending notifications: %w", err)
	}
	out := make([]Installed, 0, len(pending))
	for _, req := range pending {
		out = append(out, Installed{
			Key:       req.Key,
			FireAtMs:  req.FireAtMs,
			Mechanism: MechanismNotification,
			Payload:   Payload{Title: req.Title, Body: req.Body, Sound: req.Sound, Critical: req.Critical},
		})
	}
	return out, nil
}

// Deliverable drops Critical from p when critical alerts are not granted, matching what
// Installed reports for such a request.
func (a *IOS) Deliverable(ctx context.Context, p Payload) (Payload, error) {
	if !p.Critical {
		return p, nil
	}
	if a.center == nil {
		return p, model.NewError(model.KindConfiguration, "ios deliverable", ErrCenterMissing)
	}
	perms, err := a.center.Permissions(ctx)
	if err != nil {
		return p, fmt.Errorf("read notification permissions: %w", err)
	}
	p.Critical = perms.CriticalAlert
	return p, nil
}

// Prepare registers the alarm action category and requests alert, badge, sound and
// critical-alert permissions.
func (a *IOS) Prepare(ctx context.Context) (Readiness, error) {
	ready := Readiness{Platform: model.PlatformIOS}
	if a.center == nil {
		return ready, model.NewError(model.KindConfiguration, "ios prepare", ErrCenterMissing)
	}
	if err := a.center.SetCategory(ctx, AlarmCategory); err != nil {
		return ready, fmt.Errorf("register notification category: %w", err)
	}
	granted, err := a.center.RequestPermissions(ctx, Permissions{Alert: true, Badge: true, Sound: true, CriticalAlert: true})
	if err != nil {
		return ready, fmt.Errorf("request notification permissions: %w", err)
	}
	if !granted.Alert && !granted.Sound {
		ready.Degraded = append(ready.Degraded, ReasonNotificationsNotGranted)
	}
	if !granted.CriticalAlert {
		ready.Degraded = append(ready.Degraded, ReasonCriticalNotGranted)
	}
	ready.Ready = true
	return ready, nil
}
