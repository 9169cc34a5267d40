package model

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDraftNormalizeNormalDefaults(t *testing.T) {
	d, err := Draft{
		Kind:     KindNormal,
		Schedule: &Schedule{Time: "09:00", Days: []Weekday{"FRI", Monday, Monday, Wednesday}},
	}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, d.Priority)
	assert.Equal(t, DefaultNormalTitle, d.Title)
	assert.Equal(t, DefaultNormalBody, d.Body)
	assert.Equal(t, DefaultSound, d.Sound)
	assert.Equal(t, []Weekday{Monday, Wednesday, Friday}, d.Schedule.Days)
}

func TestDraftNormalizeRejectsInvalidInput(t *testing.T) {
	cases := map[string]Draft{
		"missing schedule": {Kind: KindNormal},
		"bad clock":        {Kind: KindNormal, Schedule: &Schedule{Time: "9:00"}},
		"bad clock range":  {Kind: KindNormal, Schedule: &Schedule{Time: "25:00"}},
		"bad weekday":      {Kind: KindNormal, Schedule: &Schedule{Time: "09:00", Days: []Weekday{"xyz"}}},
		"empty mail":       {Kind: KindMail, Mail: &MailFilter{}},
		"bad kind":         {Kind: "push"},
		"bad priority":     {Kind: KindMail, Priority: "urgent", Mail: &MailFilter{Sender: "a@b"}},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := d.Normalize()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestDraftApplyKeepsIdentityFields(t *testing.T) {
	base := AlarmRecord{ID: "a1", OwnerID: "u1", Enabled: true}
	d, err := Draft{Kind: KindMail, Mail: &MailFilter{Subject: "Invoice"}}.Normalize()
	require.NoError(t, err)

	rec := d.Apply(base)
	assert.Equal(t, "a1", rec.ID)
	assert.Equal(t, "u1", rec.OwnerID)
	assert.True(t, rec.Enabled)
	assert.Equal(t, IconMail, rec.Icon)
	assert.Equal(t, "Invoice", rec.Title)
	assert.Nil(t, rec.Schedule)
}

func TestMailFilterMatches(t *testing.T) {
	f := MailFilter{Sender: "boss@corp.io", Subject: "urgent"}
	assert.True(t, f.Matches("The Boss <BOSS@corp.io>", "URGENT: deploy"))
	assert.False(t, f.Matches("boss@corp.io", "lunch"))
	assert.False(t, MailFilter{}.Matches("x", "y"))
	assert.True(t, MailFilter{Subject: "deploy"}.Matches("", "deploy done"))
}

func TestSameContentIgnoresDayOrder(t *testing.T) {
	a := AlarmRecord{ID: "a", Kind: KindNormal, Schedule: &Schedule{Time: "07:30", Days: []Weekday{Friday, Monday}}}
	b := AlarmRecord{ID: "a", Kind: KindNormal, Schedule: &Schedule{Time: "07:30", Days: []Weekday{Monday, Friday}}}
	assert.True(t, a.SameContent(b))
	b.Title = "changed"
	assert.False(t, a.SameContent(b))
}

func TestKindOfClassifiesErrors(t *testing.T) {
	k, ok := KindOf(fmt.Errorf("update alarm: %w", ErrNotFound))
	require.True(t, ok)
	assert.Equal(t, KindConflict, k)

	k, ok = KindOf(fmt.Errorf("list: %w", context.DeadlineExceeded))
	require.True(t, ok)
	assert.Equal(t, KindTransient, k)

	err := NewError(KindConfiguration, "android schedule", errors.New("module missing"))
	assert.True(t, IsKind(fmt.Errorf("wrap: %w", err), KindConfiguration))
	assert.Equal(t, ErrCodeConfiguration, ErrorCode(err))
	assert.Equal(t, "android schedule: configuration: module missing", err.Error())

	_, ok = KindOf(errors.New("boom"))
	assert.False(t, ok)
	assert.Equal(t, ErrCodeInternal, ErrorCode(errors.New("boom")))
}

func TestAuthStateOwnerID(t *testing.T) {
	_, ok := AuthState{Status: AuthGuest}.OwnerID()
	assert.False(t, ok)
	id, ok := AuthState{Status: AuthAuthenticated, Profile: &Profile{ID: "u1"}}.OwnerID()
	assert.True(t, ok)
	assert.Equal(t, "u1", id)
}
