package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/alarmsync/internal/model"
	"github.com/g960059/alarmsync/internal/schedule"
	"github.com/g960059/alarmsync/internal/trigger"
)

// HandleFired consumes a fired instance. A weekday instance is re-armed at its next
// occurrence after firedAt; a one-shot leaves its record in needs-next and calls the
// one-shot hook.
func (r *Reconciler) HandleFired(ctx context.Context, key string, firedAt time.Time) Outcome {
	return r.HandleDelivered(ctx, trigger.Installed{Key: key}, firedAt)
}

// HandleDelivered is HandleFired with the delivered trigger itself. When no record backs
// the key, as after a logout, a weekday instance is re-armed a week on from its own fire
// time and payload.
func (r *Reconciler) HandleDelivered(ctx context.Context, fired trigger.Installed, firedAt time.Time) Outcome {
	id, _ := SplitKey(fired.Key)
	unlock := r.lockID(id)
	out, oneShot := r.handleFiredLocked(ctx, fired, firedAt)
	unlock()

	r.logOutcome(out)
	if oneShot {
		r.mu.Lock()
		hook := r.onFired
		r.mu.Unlock()
		if hook != nil {
			hook(ctx, id)
		}
	}
	return out
}

func (r *Reconciler) handleFiredLocked(ctx context.Context, fired trigger.Installed, firedAt time.Time) (Outcome, bool) {
	key := fired.Key
	id, slot := SplitKey(key)
	gen, e := r.load(id)
	out := Outcome{AlarmID: id, Action: ActionNoop}
	if id == "" {
		return out, false
	}

	if transientSlot(slot) {
		if e == nil {
			return out, false
		}
		if _, ok := e.transient[key]; !ok {
			return out, false
		}
		delete(e.transient, key)
		out.Action = ActionFired
		r.commit(gen, id, e)
		return out, false
	}

	detached := e == nil || e.record == nil
	if e == nil {
		if fired.FireAtMs == 0 {
			return out, false
		}
		e = newEntry()
	} else if prev, ok := e.installed[key]; ok {
		if fired.FireAtMs == 0 {
			fired.FireAtMs = prev.FireAtMs
			fired.Payload = prev.Payload
		}
	} else if !detached {
		return out, false
	}
	delete(e.installed, key)

	if slot == SlotOnce {
		e.needsNext = true
		out.Action = ActionNeedsNext
		r.commit(gen, id, e)
		return out, true
	}

	out.Action = ActionFired
	day, ok := weekdaySlot(slot)
	if !ok {
		r.commit(gen, id, e)
		return out, false
	}
	after := firedAt
	if now := r.now(); now.After(after) {
		after = now
	}

	var inst Instance
	if detached {
		if fired.FireAtMs == 0 {
			r.commit(gen, id, e)
			return out, false
		}
		next := time.UnixMilli(fired.FireAtMs).In(r.loc)
		for !next.After(after) {
			next = next.AddDate(0, 0, 7)
		}
		payload := fired.Payload
		payload.AlarmID = id
		if payload.Kind == "" {
			payload.Kind = model.KindNormal
		}
		inst = Instance{Key: key, AlarmID: id, Slot: slot, FireAtMs: next.UnixMilli(), Payload: payload}
	} else {
		rec := e.record
		if !rec.Enabled || rec.Kind != model.KindNormal || rec.Schedule == nil {
			r.commit(gen, id, e)
			return out, false
		}
		next, err := schedule.Next(*rec.Schedule, day, after, r.loc)
		if err != nil {
			out.Err = fmt.Errorf("compute next occurrence %s: %w", key, err)
			e.dirty = true
			r.commit(gen, id, e)
			return out, false
		}
		inst = Instance{Key: key, AlarmID: id, Slot: slot, FireAtMs: next.UnixMilli(), Payload: trigger.PayloadFor(*rec)}
	}

	res, err := r.schedule(ctx, inst)
	if err != nil {
		out.Err = err
		e.dirty = true
		r.commit(gen, id, e)
		return out, false
	}
	inst.Degraded = res.Reasons
	e.installed[key] = inst
	out.Action = ActionRearm
	out.Installed = append(out.Installed, res)
	out.Degraded = appendUnique(out.Degraded, res.Reasons...)
	r.commit(gen, id, e)
	return out, false
}

// ReleaseMail schedules an immediate alert for a mail alarm whose filter accepted match.
// Disabled records and non-matching mail are skipped without an adapter call.
func (r *Reconciler) ReleaseMail(ctx context.Context, match model.MailMatch) Outcome {
	id := match.AlarmID
	out := Outcome{AlarmID: id, Action: ActionSkip}
	if id == "" {
		out.Err = fmt.Errorf("%w: mail match without alarm id", model.ErrInvalid)
		return out
	}
	unlock := r.lockID(id)
	defer unlock()

	gen, e := r.load(id)
	if e == nil || e.record == nil {
		out.Err = model.NewError(model.KindConflict, "release mail "+id, model.ErrNotFound)
		return out
	}
	rec := e.record
	switch {
	case rec.Kind != model.KindMail:
		out.Err = fmt.Errorf("%w: alarm %s is not a mail alarm", model.ErrInvalid, id)
		return out
	case match.OwnerID != "" && match.OwnerID != rec.OwnerID:
		out.Err = model.NewError(model.KindPermission, "release mail "+id, fmt.Errorf("owner mismatch"))
		return out
	case !rec.Enabled:
		out.Skipped = SkipDisabled
		return out
	case rec.Mail == nil || !rec.Mail.Matches(match.Sender, match.Subject):
		out.Skipped = SkipFilterMismatch
		return out
	}

	payload := trigger.PayloadFor(*rec)
	if match.Subject != "" {
		payload.Body = match.Subject
	}
	key := Key(id, SlotMail)
	inst := Instance{Key: key, AlarmID: id, Slot: SlotMail, FireAtMs: r.now().UnixMilli(), Payload: payload}
	res, err := r.schedule(ctx, inst)
	if err != nil {
		out.Err = err
		return out
	}
	inst.Degraded = res.Reasons
	e.transient[key] = inst
	r.commit(gen, id, e)

	out.Action = ActionRelease
	out.Installed = append(out.Installed, res)
	out.Degraded = appendUnique(out.Degraded, res.Reasons...)
	r.logger.Info("mail alarm released", zap.String("alarm_id", id), zap.String("event_id", match.EventID))
	return out
}

// Snooze installs a one-time repeat of the alarm behind key SnoozeDuration from now.
func (r *Reconciler) Snooze(ctx context.Context, key string) Outcome {
	id, _ := SplitKey(key)
	out := Outcome{AlarmID: id, Action: ActionSkip}
	if id == "" {
		out.Err = fmt.Errorf("%w: empty trigger key", model.ErrInvalid)
		return out
	}
	unlock := r.lockID(id)
	defer unlock()

	gen, e := r.load(id)
	if e == nil || e.record == nil {
		out.Err = model.NewError(model.KindConflict, "snooze "+id, model.ErrNotFound)
		return out
	}
	snoozeKey := Key(id, SlotSnooze)
	inst := Instance{
		Key:      snoozeKey,
		AlarmID:  id,
		Slot:     SlotSnooze,
		FireAtMs: r.now().Add(r.snooze).UnixMilli(),
		Payload:  trigger.PayloadFor(*e.record),
	}
	res, err := r.schedule(ctx, inst)
	if err != nil {
		out.Err = err
		return out
	}
	inst.Degraded = res.Reasons
	e.transient[snoozeKey] = inst
	r.commit(gen, id, e)

	out.Action = ActionSnooze
	out.Installed = append(out.Installed, res)
	out.Degraded = appendUnique(out.Degraded, res.Reasons...)
	return out
}
