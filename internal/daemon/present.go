package daemon

import (
	"time"

	"github.com/g960059/alarmsync/internal/api"
	"github.com/g960059/alarmsync/internal/device"
	"github.com/g960059/alarmsync/internal/model"
	"github.com/g960059/alarmsync/internal/reconcile"
	"github.com/g960059/alarmsync/internal/trigger"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func toAuthDTO(st model.AuthState) api.AuthDTO {
	out := api.AuthDTO{Status: string(st.Status)}
	if st.Profile != nil {
		out.Profile = &api.ProfileDTO{
			ID:        st.Profile.ID,
			Email:     st.Profile.Email,
			CreatedAt: formatTime(st.Profile.CreatedAt),
		}
	}
	return out
}

func toAlarmDTO(rec model.AlarmRecord) api.AlarmDTO {
	out := api.AlarmDTO{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		Kind:      string(rec.Kind),
		Priority:  string(rec.Priority),
		Enabled:   rec.Enabled,
		Title:     rec.Title,
		Body:      rec.Body,
		Icon:      rec.Icon,
		Sound:     rec.Sound,
		CreatedAt: formatTime(rec.CreatedAt),
		UpdatedAt: formatTime(rec.UpdatedAt),
	}
	if rec.Schedule != nil {
		sched := &api.ScheduleDTO{Time: rec.Schedule.Time}
		for _, d := range rec.Schedule.Days {
			sched.Days = append(sched.Days, string(d))
		}
		out.Schedule = sched
	}
	if rec.Mail != nil {
		out.Mail = &api.MailFilterDTO{
			Sender:        rec.Mail.Sender,
			Subject:       rec.Mail.Subject,
			MailAccountID: rec.Mail.MailAccountID,
		}
	}
	return out
}

func toAlarmDTOs(recs []model.AlarmRecord) []api.AlarmDTO {
	out := make([]api.AlarmDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toAlarmDTO(rec))
	}
	return out
}

func draftFrom(req api.AlarmRequest) model.Draft {
	d := model.Draft{
		Kind:     model.AlarmKind(req.Kind),
		Priority: model.Priority(req.Priority),
		Enabled:  req.Enabled,
		Title:    req.Title,
		Body:     req.Body,
		Sound:    req.Sound,
	}
	if req.Schedule != nil {
		sched := &model.Schedule{Time: req.Schedule.Time}
		for _, day := range req.Schedule.Days {
			sched.Days = append(sched.Days, model.Weekday(day))
		}
		d.Schedule = sched
	}
	if req.Mail != nil {
		d.Mail = &model.MailFilter{
			Sender:        req.Mail.Sender,
			Subject:       req.Mail.Subject,
			MailAccountID: req.Mail.MailAccountID,
		}
	}
	return d
}

func toAPIError(err error) *api.APIError {
	if err == nil {
		return nil
	}
	return &api.APIError{Code: model.ErrorCode(err), Message: err.Error()}
}

func toResultDTO(res trigger.Result) api.TriggerResultDTO {
	return api.TriggerResultDTO{
		Key:       res.Key,
		FireAt:    formatMs(res.FireAtMs),
		Mechanism: res.Mechanism,
		Degraded:  res.Degraded,
		Reasons:   res.Reasons,
	}
}

func toOutcomeDTO(out reconcile.Outcome) api.OutcomeDTO {
	dto := api.OutcomeDTO{
		AlarmID:   out.AlarmID,
		Action:    string(out.Action),
		Cancelled: out.Cancelled,
		Degraded:  out.Degraded,
		Skipped:   out.Skipped,
		Error:     toAPIError(out.Err),
	}
	for _, res := range out.Installed {
		dto.Installed = append(dto.Installed, toResultDTO(res))
	}
	return dto
}

func toOutcomeDTOs(outs []reconcile.Outcome) []api.OutcomeDTO {
	if len(outs) == 0 {
		return nil
	}
	dtos := make([]api.OutcomeDTO, 0, len(outs))
	for _, out := range outs {
		dtos = append(dtos, toOutcomeDTO(out))
	}
	return dtos
}

func toSweepDTO(report reconcile.SweepReport) api.SweepDTO {
	return api.SweepDTO{
		Inventory: report.Inventory,
		Lost:      report.Lost,
		Orphans:   report.Orphans,
		Repaired:  toOutcomeDTOs(report.Repaired),
		Error:     toAPIError(report.Err),
	}
}

func toTriggerDTO(inst reconcile.Instance) api.TriggerDTO {
	return api.TriggerDTO{
		Key:      inst.Key,
		AlarmID:  inst.AlarmID,
		Slot:     inst.Slot,
		FireAt:   formatMs(inst.FireAtMs),
		FireAtMs: inst.FireAtMs,
		Title:    inst.Payload.Title,
		Critical: inst.Payload.Critical,
		Degraded: inst.Degraded,
	}
}

func toBatchDTO(b model.Batch) *api.BatchDTO {
	dto := &api.BatchDTO{Seq: b.Seq, OwnerID: b.OwnerID, Snapshot: len(b.Snapshot)}
	for _, ch := range b.Changes {
		op := "update"
		switch {
		case ch.Previous == nil:
			op = "create"
		case ch.Current == nil:
			op = "delete"
		}
		dto.Changes = append(dto.Changes, api.ChangeDTO{Op: op, AlarmID: ch.ID()})
	}
	return dto
}

func toFiredDTO(f device.Fired) *api.FiredDTO {
	return &api.FiredDTO{
		Key:       f.Key,
		Mechanism: f.Mechanism,
		FiredAt:   formatTime(f.FiredAt),
		Title:     f.Title,
		Critical:  f.Critical,
	}
}
