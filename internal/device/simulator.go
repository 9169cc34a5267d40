package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/alarmsync/internal/db"
	"github.com/g960059/alarmsync/internal/logging"
	"github.com/g960059/alarmsync/internal/trigger"
)

const (
	permAlert    = "permission.alert"
	permBadge    = "permission.badge"
	permSound    = "permission.sound"
	permCritical = "permission.critical_alert"
)

// Capabilities is what the simulated OS allows.
type Capabilities struct {
	ExactAlarms    bool
	CriticalAlerts bool
}

// Fired is one trigger the simulated OS delivered.
type Fired struct {
	Key       string    `json:"key"`
	Mechanism string    `json:"mechanism"`
	FireAtMs  int64     `json:"fire_at_ms"`
	FiredAt   time.Time `json:"fired_at"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Sound     string    `json:"sound,omitempty"`
	Critical  bool      `json:"critical"`
}

// Simulator implements trigger.AlarmModule and trigger.NotificationCenter on the local
// device database, so triggers survive a daemon restart like OS-held ones do.
type Simulator struct {
	store  *db.Store
	caps   Capabilities
	logger *zap.Logger
	now    func() time.Time

	// fireMu keeps FireDue passes from overlapping.
	fireMu sync.Mutex
}

func NewSimulator(store *db.Store, caps Capabilities, logger *zap.Logger) *Simulator {
	return &Simulator{
		store:  store,
		caps:   caps,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

func (s *Simulator) CanScheduleExactAlarms(context.Context) (bool, error) {
	return s.caps.ExactAlarms, nil
}

func (s *Simulator) SetFullScreenAlarm(ctx context.Context, alarm trigger.FullScreenAlarm) error {
	if !s.caps.ExactAlarms {
		return trigger.ErrExactAlarmDenied
	}
	return s.store.UpsertDeviceTrigger(ctx, db.DeviceTrigger{
		Key:       alarm.Key,
		Mechanism: db.MechanismExactAlarm,
		FireAtMs:  alarm.FireAtMs,
		Title:     alarm.Title,
		Body:      alarm.Body,
		Sound:     alarm.Sound,
		Critical:  alarm.Critical,
	})
}

func (s *Simulator) CancelAlarm(ctx context.Context, key string) error {
	return s.remove(ctx, key)
}

func (s *Simulator) ListAlarms(ctx context.Context) ([]trigger.FullScreenAlarm, error) {
	rows, err := s.store.ListDeviceTriggers(ctx, db.MechanismExactAlarm)
	if err != nil {
		return nil, err
	}
	out := make([]trigger.FullScreenAlarm, 0, len(rows))
	for _, row := range rows {
		out = append(out, trigger.FullScreenAlarm{
			Key:      row.Key,
			FireAtMs: row.FireAtMs,
			Title:    row.Title,
			Body:     row.Body,
			Sound:    row.Sound,
			Critical: row.Critical,
		})
	}
	return out, nil
}

func (s *Simulator) Permissions(ctx context.Context) (trigger.Permissions, error) {
	var (
		perms trigger.Permissions
		err   error
	)
	if perms.Alert, err = s.flag(ctx, permAlert); err != nil {
		return trigger.Permissions{}, err
	}
	if perms.Badge, err = s.flag(ctx, permBadge); err != nil {
		return trigger.Permissions{}, err
	}
	if perms.Sound, err = s.flag(ctx, permSound); err != nil {
		return trigger.Permissions{}, err
	}
	if perms.CriticalAlert, err = s.flag(ctx, permCritical); err != nil {
		return trigger.Permissions{}, err
	}
	return perms, nil
}

// RequestPermissions grants everything asked for; critical alerts only when the
// simulated entitlement allows them.
func (s *Simulator) RequestPermissions(ctx context.Context, want trigger.Permissions) (trigger.Permissions, error) {
	grant := map[string]bool{
		permAlert:    want.Alert,
		permBadge:    want.Badge,
		permSound:    want.Sound,
		permCritical: want.CriticalAlert && s.caps.CriticalAlerts,
	}
	for key, ok := range grant {
		if !ok {
			continue
		}
		if err := s.store.SetFlag(ctx, key, true); err != nil {
			return trigger.Permissions{}, err
		}
	}
	return s.Permissions(ctx)
}

func (s *Simulator) SetCategory(ctx context.Context, category trigger.Category) error {
	raw, err := json.Marshal(category.Actions)
	if err != nil {
		return fmt.Errorf("encode category actions: %w", err)
	}
	return s.store.UpsertNotificationCategory(ctx, category.ID, string(raw))
}

// Category reads back a registered notification category.
func (s *Simulator) Category(ctx context.Context, id string) (trigger.Category, error) {
	raw, err := s.store.NotificationCategory(ctx, id)
	if err != nil {
		return trigger.Category{}, err
	}
	out := trigger.Category{ID: id}
	if err := json.Unmarshal([]byte(raw), &out.Actions); err != nil {
		return trigger.Category{}, fmt.Errorf("decode category actions: %w", err)
	}
	return out, nil
}

func (s *Simulator) Add(ctx context.Context, req trigger.NotificationRequest) error {
	return s.store.UpsertDeviceTrigger(ctx, db.DeviceTrigger{
		Key:       req.Key,
		Mechanism: db.MechanismNotification,
		FireAtMs:  req.FireAtMs,
		Title:     req.Title,
		Body:      req.Body,
		Sound:     req.Sound,
		Critical:  req.Critical,
		Category:  req.Category,
	})
}

func (s *Simulator) Remove(ctx context.Context, key string) error {
	return s.remove(ctx, key)
}

func (s *Simulator) Pending(ctx context.Context) ([]trigger.NotificationRequest, error) {
	rows, err := s.store.ListDeviceTriggers(ctx, db.MechanismNotification)
	if err != nil {
		return nil, err
	}
	out := make([]trigger.NotificationRequest, 0, len(rows))
	for _, row := range rows {
		req := trigger.NotificationRequest{
			Key:          row.Key,
			FireAtMs:     row.FireAtMs,
			Title:        row.Title,
			Body:         row.Body,
			Sound:        row.Sound,
			Critical:     row.Critical,
			Interruption: trigger.InterruptionActive,
			Category:     row.Category,
		}
		if row.Critical {
			req.Volume = 1.0
			req.Interruption = trigger.InterruptionCritical
		}
		out = append(out, req)
	}
	return out, nil
}

// FireDue delivers every trigger whose instant has passed. Each trigger is removed before
// fn sees it, as the OS does with a delivered alarm.
func (s *Simulator) FireDue(ctx context.Context, fn func(context.Context, Fired)) (int, error) {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()

	now := s.now()
	due, err := s.store.DueDeviceTriggers(ctx, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, row := range due {
		removed, err := s.store.DeleteDeviceTrigger(ctx, row.Key)
		if err != nil {
			return fired, err
		}
		if !removed {
			continue
		}
		fired++
		ev := Fired{
			Key:       row.Key,
			Mechanism: row.Mechanism,
			FireAtMs:  row.FireAtMs,
			FiredAt:   now,
			Title:     row.Title,
			Body:      row.Body,
			Sound:     row.Sound,
			Critical:  row.Critical,
		}
		s.logger.Info("trigger fired", zap.String("key", ev.Key), zap.String("mechanism", ev.Mechanism), zap.Bool("critical", ev.Critical))
		if fn != nil {
			fn(ctx, ev)
		}
	}
	return fired, nil
}

// Run calls FireDue every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context, interval time.Duration, fn func(context.Context, Fired)) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.FireDue(ctx, fn); err != nil && ctx.Err() == nil {
				s.logger.Warn("fire pass failed", zap.Error(err))
			}
		}
	}
}

func (s *Simulator) remove(ctx context.Context, key string) error {
	removed, err := s.store.DeleteDeviceTrigger(ctx, key)
	if err != nil {
		return err
	}
	if !removed {
		return trigger.ErrNoSuchTrigger
	}
	return nil
}

func (s *Simulator) flag(ctx context.Context, key string) (bool, error) {
	v, err := s.store.GetFlag(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	return v, err
}
