package reconcile

import (
	"strings"

	"github.com/g960059/alarmsync/internal/model"
)

// Trigger keys are a pure function of the record id: the id itself for a one-shot,
// id@<weekday> per active day, id@mail for a released mail alarm and id@snooze for a
// snoozed alert.
const (
	SlotOnce   = ""
	SlotMail   = "mail"
	SlotSnooze = "snooze"
)

func Key(id, slot string) string {
	if slot == SlotOnce {
		return id
	}
	return id + "@" + slot
}

func SplitKey(key string) (id, slot string) {
	id, slot, _ = strings.Cut(key, "@")
	return id, slot
}

func transientSlot(slot string) bool {
	return slot == SlotMail || slot == SlotSnooze
}

func weekdaySlot(slot string) (model.Weekday, bool) {
	day := model.Weekday(slot)
	return day, day.Valid()
}
