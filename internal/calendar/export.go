package calendar

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-ical"

	"github.com/g960059/alarmsync/internal/model"
	"github.com/g960059/alarmsync/internal/schedule"
)

const productID = "-//g960059//alarmsync//EN"

// ErrNoEvents is returned when no alarm has a wall-clock schedule; an empty VCALENDAR is
// not valid iCalendar.
var ErrNoEvents = errors.New("no exportable alarms")

// Export writes enabled normal alarms as a VCALENDAR. Each alarm is one VEVENT starting at
// its next occurrence after now, with an RRULE for weekday schedules and a display VALARM.
// Mail alarms have no wall-clock time and are left out.
func Export(w io.Writer, recs []model.AlarmRecord, now time.Time, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	for _, rec := range recs {
		if rec.Kind != model.KindNormal || !rec.Enabled || rec.Schedule == nil {
			continue
		}
		event, err := eventFor(rec, now, loc)
		if err != nil {
			return err
		}
		cal.Children = append(cal.Children, event.Component)
	}

	if len(cal.Children) == 0 {
		return ErrNoEvents
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode calendar: %w", err)
	}
	return nil
}

func eventFor(rec model.AlarmRecord, now time.Time, loc *time.Location) (*ical.Event, error) {
	occ, err := schedule.Upcoming(*rec.Schedule, now, loc)
	if err != nil {
		return nil, fmt.Errorf("export alarm %s: %w", rec.ID, err)
	}
	start := occ[0].At
	for _, o := range occ[1:] {
		if o.At.Before(start) {
			start = o.At
		}
	}

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, rec.ID)
	event.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, start.In(loc))
	event.Props.SetText(ical.PropSummary, rec.Title)
	if rec.Body != "" {
		event.Props.SetText(ical.PropDescription, rec.Body)
	}
	if rec.Priority.Critical() {
		prio := ical.NewProp(ical.PropPriority)
		prio.Value = "1"
		event.Props.Set(prio)
	}

	rule, err := schedule.RuleString(*rec.Schedule)
	if err != nil {
		return nil, fmt.Errorf("export alarm %s: %w", rec.ID, err)
	}
	if rule != "" {
		prop := ical.NewProp(ical.PropRecurrenceRule)
		prop.Value = rule
		event.Props.Set(prop)
	}

	alarm := ical.NewComponent(ical.CompAlarm)
	alarm.Props.SetText(ical.PropAction, "DISPLAY")
	alarm.Props.SetText(ical.PropDescription, rec.Title)
	trig := ical.NewProp(ical.PropTrigger)
	trig.Value = "PT0S"
	alarm.Props.Set(trig)
	event.Children = append(event.Children, alarm)
	return event, nil
}
