package schedule

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/g960059/alarmsync/internal/model"
)

var ruleWeekday = map[model.Weekday]rrule.Weekday{
	model.Monday:    rrule.MO,
	model.Tuesday:   rrule.TU,
	model.Wednesday: rrule.WE,
	model.Thursday:  rrule.TH,
	model.Friday:    rrule.FR,
	model.Saturday:  rrule.SA,
	model.Sunday:    rrule.SU,
}

// Occurrence is the next fire instant of one schedule slot. Day is empty for a one-shot.
type Occurrence struct {
	Day model.Weekday
	At  time.Time
}

// Rule builds the recurrence of sched starting at dtstart. A one-shot recurs daily so
// callers can ask for its next wall-clock match.
func Rule(sched model.Schedule, dtstart time.Time) (*rrule.RRule, error) {
	hour, minute, err := sched.Clock()
	if err != nil {
		return nil, err
	}
	opt := rrule.ROption{
		Freq:     rrule.DAILY,
		Dtstart:  dtstart,
		Byhour:   []int{hour},
		Byminute: []int{minute},
		Bysecond: []int{0},
	}
	if !sched.OneShot() {
		opt.Freq = rrule.WEEKLY
		for _, day := range sched.Normalized().Days {
			wd, ok := ruleWeekday[day]
			if !ok {
				return nil, fmt.Errorf("%w: weekday %q", model.ErrInvalid, day)
			}
			opt.Byweekday = append(opt.Byweekday, wd)
		}
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("build recurrence: %w", err)
	}
	return r, nil
}

// Next returns the first wall-clock match of sched strictly after after, restricted to day
// when day is set.
func Next(sched model.Schedule, day model.Weekday, after time.Time, loc *time.Location) (time.Time, error) {
	slot := model.Schedule{Time: sched.Time}
	if day != "" {
		slot.Days = []model.Weekday{day}
	}
	if loc == nil {
		loc = time.Local
	}
	local := after.In(loc)
	dtstart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	r, err := Rule(slot, dtstart)
	if err != nil {
		return time.Time{}, err
	}
	next := r.After(after, false)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("no occurrence of %s after %s", sched.Time, after.Format(time.RFC3339))
	}
	return next, nil
}

// Upcoming returns one occurrence per active weekday, or a single one for a one-shot.
func Upcoming(sched model.Schedule, after time.Time, loc *time.Location) ([]Occurrence, error) {
	sched = sched.Normalized()
	if sched.OneShot() {
		at, err := Next(sched, "", after, loc)
		if err != nil {
			return nil, err
		}
		return []Occurrence{{At: at}}, nil
	}
	out := make([]Occurrence, 0, len(sched.Days))
	for _, day := range sched.Days {
		at, err := Next(sched, day, after, loc)
		if err != nil {
			return nil, err
		}
		out = append(out, Occurrence{Day: day, At: at})
	}
	return out, nil
}

// RuleString renders the RRULE value of a recurring schedule, empty for a one-shot.
func RuleString(sched model.Schedule) (string, error) {
	if sched.Normalized().OneShot() {
		return "", nil
	}
	r, err := Rule(sched, time.Date(2000, 1, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return "", err
	}
	return r.OrigOptions.RRuleString(), nil
}
