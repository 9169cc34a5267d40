package daemon

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/g960059/alarmsync/internal/api"
	"github.com/g960059/alarmsync/internal/calendar"
	"github.com/g960059/alarmsync/internal/model"
	"github.com/g960059/alarmsync/internal/reconcile"
)

func (s *Server) authEnvelope(st model.AuthState) api.AuthEnvelope {
	return api.AuthEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Auth:          toAuthDTO(st),
	}
}

func (s *Server) authStateHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.authEnvelope(s.deps.Auth.State()))
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req api.CredentialRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	st, err := s.deps.Auth.Login(r.Context(), model.Credential{Email: req.Email, Password: req.Password})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.rescope(st)
	s.writeJSON(w, http.StatusOK, s.authEnvelope(st))
}

func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	var req api.CredentialRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	st, err := s.deps.Auth.Register(r.Context(), model.Credential{Email: req.Email, Password: req.Password})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.rescope(st)
	s.writeJSON(w, http.StatusCreated, s.authEnvelope(st))
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Auth.Logout(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.rescope(st)
	s.writeJSON(w, http.StatusOK, s.authEnvelope(st))
}

func (s *Server) onboardingHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Auth.CompleteOnboarding(r.Context())
	if err != nil {
		// The state has moved on even when the flag write failed.
		s.logger.Warn("onboarding flag not persisted", zap.Error(err))
	}
	s.rescope(st)
	s.writeJSON(w, http.StatusOK, s.authEnvelope(st))
}

// rescope points the record store at the new owner right away, so a write issued right
// after login does not race the session picking up the auth event.
func (s *Server) rescope(st model.AuthState) {
	owner, _ := st.OwnerID()
	s.deps.Alarms.Rescope(owner)
}

func (s *Server) listAlarmsHandler(w http.ResponseWriter, r *http.Request) {
	var enabled *bool
	if raw := strings.TrimSpace(r.URL.Query().Get("enabled")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "enabled must be true or false")
			return
		}
		enabled = &v
	}
	recs, err := s.deps.Alarms.Snapshot(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if enabled != nil {
		filtered := recs[:0]
		for _, rec := range recs {
			if rec.Enabled == *enabled {
				filtered = append(filtered, rec)
			}
		}
		recs = filtered
	}
	s.writeJSON(w, http.StatusOK, api.AlarmsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Alarms:        toAlarmDTOs(recs),
	})
}

func (s *Server) writeAlarm(w http.ResponseWriter, status int, rec model.AlarmRecord) {
	s.writeJSON(w, status, api.AlarmEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Alarm:         toAlarmDTO(rec),
	})
}

func (s *Server) createAlarmHandler(w http.ResponseWriter, r *http.Request) {
	var req api.AlarmRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	rec, err := s.deps.Alarms.Create(r.Context(), draftFrom(req))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeAlarm(w, http.StatusCreated, rec)
}

func (s *Server) getAlarmHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Alarms.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeAlarm(w, http.StatusOK, rec)
}

func (s *Server) updateAlarmHandler(w http.ResponseWriter, r *http.Request) {
	var req api.AlarmRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	rec, err := s.deps.Alarms.Update(r.Context(), chi.URLParam(r, "id"), draftFrom(req))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeAlarm(w, http.StatusOK, rec)
}

func (s *Server) setEnabledHandler(w http.ResponseWriter, r *http.Request) {
	var req api.EnabledRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "enabled is required")
		return
	}
	rec, err := s.deps.Alarms.SetEnabled(r.Context(), chi.URLParam(r, "id"), *req.Enabled)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeAlarm(w, http.StatusOK, rec)
}

func (s *Server) deleteAlarmHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Alarms.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Alarms.Snapshot(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	var buf bytes.Buffer
	if err := calendar.Export(&buf, recs, s.now(), s.deps.Location); err != nil {
		if errors.Is(err, calendar.ErrNoEvents) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="alarms.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) sweepHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Session.Sweep(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SweepEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Sweep:         toSweepDTO(report),
	})
}

func (s *Server) triggersHandler(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Reconciler.Status()
	triggers := make([]api.TriggerDTO, 0, len(st.Instances))
	for _, inst := range st.Instances {
		triggers = append(triggers, toTriggerDTO(inst))
	}
	s.writeJSON(w, http.StatusOK, api.TriggersEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Platform:      string(s.deps.Reconciler.Platform()),
		Triggers:      triggers,
		NeedsNext:     st.NeedsNext,
	})
}

func (s *Server) writeOutcome(w http.ResponseWriter, out reconcile.Outcome) {
	if out.Err != nil {
		s.writeFailure(w, out.Err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.OutcomeEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Outcome:       toOutcomeDTO(out),
	})
}

func (s *Server) snoozeHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.deps.Session.Owner(); !ok {
		s.writeFailure(w, model.NewError(model.KindPermission, "snooze", model.ErrUnauthenticated))
		return
	}
	s.writeOutcome(w, s.deps.Session.Snooze(r.Context(), chi.URLParam(r, "key")))
}

func (s *Server) mailReleaseHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.deps.Session.Owner()
	if !ok {
		s.writeFailure(w, model.NewError(model.KindPermission, "release mail", model.ErrUnauthenticated))
		return
	}
	var req api.MailReleaseRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	match := model.MailMatch{
		AlarmID:    strings.TrimSpace(req.AlarmID),
		OwnerID:    req.OwnerID,
		Sender:     req.Sender,
		Subject:    req.Subject,
		ReceivedAt: s.now(),
	}
	if match.OwnerID == "" {
		match.OwnerID = owner
	}
	if req.ReceivedAt != "" {
		at, err := time.Parse(time.RFC3339, req.ReceivedAt)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, fmt.Sprintf("received_at: %v", err))
			return
		}
		match.ReceivedAt = at
	}
	s.writeOutcome(w, s.deps.Session.ReleaseMail(r.Context(), match))
}
