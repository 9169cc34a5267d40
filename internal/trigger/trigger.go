package trigger

import (
	"context"
	"errors"

	"github.com/g960059/alarmsync/internal/model"
)

const (
	MechanismExactAlarm   = "exact_alarm"
	MechanismNotification = "notification"

	CategoryAlarmActions = "alarm-actions"
	ActionSnooze         = "snooze"
	ActionStop           = "stop"

	ReasonCriticalNotGranted      = "critical_alerts_not_granted"
	ReasonNotificationsNotGranted = "notifications_not_granted"
	ReasonExactAlarmDenied        = "exact_alarm_permission_denied"
)

var (
	// ErrNoSuchTrigger is returned by native primitives for an unknown key.
	ErrNoSuchTrigger    = errors.New("no such trigger")
	ErrModuleMissing    = errors.New("native alarm module is not available")
	ErrExactAlarmDenied = errors.New("exact alarm permission not granted")
	ErrCenterMissing    = errors.New("notification center is not available")
)

// Payload is what the fired alert shows.
type Payload struct {
	AlarmID  string          `json:"alarm_id"`
	Kind     model.AlarmKind `json:"kind"`
	Title    string          `json:"title"`
	Body     string          `json:"body,omitempty"`
	Sound    string          `json:"sound,omitempty"`
	Icon     string          `json:"icon,omitempty"`
	Critical bool            `json:"critical"`
}

// PayloadFor derives the display payload of rec.
func PayloadFor(rec model.AlarmRecord) Payload {
	return Payload{
		AlarmID:  rec.ID,
		Kind:     rec.Kind,
		Title:    rec.Title,
		Body:     rec.Body,
		Sound:    rec.Sound,
		Icon:     rec.Icon,
		Critical: rec.Priority.Critical(),
	}
}

// SameDelivery reports whether two payloads render the same alert. Native inventories only
// carry the delivered fields, so identity fields are not compared.
func (p Payload) SameDelivery(other Payload) bool {
	return p.Title == other.Title && p.Body == other.Body && p.Sound == other.Sound && p.Critical == other.Critical
}

// Result reports how a schedule call was delivered. Degraded is set when the trigger was
// installed on a weaker path than requested.
type Result struct {
	Key       string   `json:"key"`
	FireAtMs  int64    `json:"fire_at_ms"`
	Mechanism string   `json:"mechanism"`
	Degraded  bool     `json:"degraded"`
	Reasons   []string `json:"reasons,omitempty"`
}

// Installed is one live trigger as reported by the platform.
type Installed struct {
	Key       string
	FireAtMs  int64
	Mechanism string
	Payload   Payload
}

// Adapter is the uniform schedule/cancel contract. Cancel of an unknown key succeeds.
type Adapter interface {
	Platform() model.Platform
	Schedule(ctx context.Context, key string, fireAtMs int64, payload Payload) (Result, error)
	Cancel(ctx context.Context, key string) error
}

// Inventory is implemented by adapters whose platform can list installed triggers.
type Inventory interface {
	Installed(ctx context.Context) ([]Installed, error)
}

// Shaper is implemented by adapters that may deliver a weaker payload than requested.
// Deliverable returns the payload the platform would actually install for p.
type Shaper interface {
	Deliverable(ctx context.Context, p Payload) (Payload, error)
}

// Readiness summarizes platform capabilities after Prepare.
type Readiness struct {
	Platform model.Platform `json:"platform"`
	Ready    bool           `json:"ready"`
	Degraded []string       `json:"degraded,omitempty"`
}

// Preparer is implemented by adapters that need one-time platform setup.
type Preparer interface {
	Prepare(ctx context.Context) (Readiness, error)
}
