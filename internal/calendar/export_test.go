package calendar

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/alarmsync/internal/model"
)

func TestExportRoundTripsThroughDecoder(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	recs := []model.AlarmRecord{
		{
			ID: "a1", Kind: model.KindNormal, Priority: model.PriorityHigh, Enabled: true, Title: "Standup", Body: "Normal Alarm",
			Schedule: &model.Schedule{Time: "09:00", Days: []model.Weekday{model.Friday, model.Monday}},
		},
		{ID: "a2", Kind: model.KindNormal, Enabled: true, Title: "Dentist", Schedule: &model.Schedule{Time: "07:30"}},
		{ID: "a3", Kind: model.KindNormal, Enabled: false, Title: "Off", Schedule: &model.Schedule{Time: "07:30"}},
		{ID: "m1", Kind: model.KindMail, Enabled: true, Title: "outage", Mail: &model.MailFilter{Subject: "outage"}},
	}

	var buf bytes.Buffer
	require.NoError(t, Export(&buf, recs, now, time.UTC))

	cal, err := ical.NewDecoder(strings.NewReader(buf.String())).Decode()
	require.NoError(t, err)
	events := cal.Events()
	require.Len(t, events, 2)

	standup := events[0]
	uid, err := standup.Props.Text(ical.PropUID)
	require.NoError(t, err)
	assert.Equal(t, "a1", uid)
	summary, err := standup.Props.Text(ical.PropSummary)
	require.NoError(t, err)
	assert.Equal(t, "Standup", summary)
	start, err := standup.DateTimeStart(time.UTC)
	require.NoError(t, err)
	assert.True(t, start.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))
	rule := standup.Props.Get(ical.PropRecurrenceRule)
	require.NotNil(t, rule)
	assert.Contains(t, rule.Value, "FREQ=WEEKLY")
	assert.Contains(t, rule.Value, "BYDAY=MO,FR")
	require.Len(t, standup.Children, 1)
	assert.Equal(t, ical.CompAlarm, standup.Children[0].Name)

	dentist := events[1]
	assert.Nil(t, dentist.Props.Get(ical.PropRecurrenceRule))
	start, err = dentist.DateTimeStart(time.UTC)
	require.NoError(t, err)
	assert.True(t, start.Equal(time.Date(2026, 3, 3, 7, 30, 0, 0, time.UTC)))
}

func TestExportWithoutScheduledAlarms(t *testing.T) {
	var buf bytes.Buffer
	err := Export(&buf, []model.AlarmRecord{{ID: "m1", Kind: model.KindMail, Enabled: true}}, time.Now(), nil)
	assert.ErrorIs(t, err, ErrNoEvents)
	assert.Zero(t, buf.Len())
}
