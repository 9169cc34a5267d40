package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/g960059/alarmsync/internal/api"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ",")
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// when renders the trigger condition of an alarm in one column.
func when(a api.AlarmDTO) string {
	switch {
	case a.Schedule != nil && len(a.Schedule.Days) == 0:
		return a.Schedule.Time + " once"
	case a.Schedule != nil:
		return a.Schedule.Time + " " + strings.Join(a.Schedule.Days, ",")
	case a.Mail != nil:
		parts := make([]string, 0, 2)
		if a.Mail.Sender != "" {
			parts = append(parts, "from:"+a.Mail.Sender)
		}
		if a.Mail.Subject != "" {
			parts = append(parts, "subject:"+a.Mail.Subject)
		}
		return strings.Join(parts, " ")
	default:
		return "-"
	}
}

func printAlarms(w io.Writer, alarms []api.AlarmDTO) {
	for _, a := range alarms {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.Kind, onOff(a.Enabled), a.Priority, when(a), a.Title)
	}
}

func printAlarm(w io.Writer, a api.AlarmDTO) {
	_, _ = fmt.Fprintf(w, "id: %s\n", a.ID)
	_, _ = fmt.Fprintf(w, "kind: %s\n", a.Kind)
	_, _ = fmt.Fprintf(w, "enabled: %s\n", onOff(a.Enabled))
	_, _ = fmt.Fprintf(w, "priority: %s\n", a.Priority)
	_, _ = fmt.Fprintf(w, "when: %s\n", when(a))
	_, _ = fmt.Fprintf(w, "title: %s\n", a.Title)
	_, _ = fmt.Fprintf(w, "body: %s\n", orDash(a.Body))
	_, _ = fmt.Fprintf(w, "sound: %s\n", orDash(a.Sound))
	_, _ = fmt.Fprintf(w, "updated: %s\n", orDash(a.UpdatedAt))
}

func printTriggers(w io.Writer, env api.TriggersEnvelope) {
	for _, t := range env.Triggers {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\tcritical=%s\tdegraded=%s\n", t.Key, t.FireAt, t.Title, yesNo(t.Critical), joinOrDash(t.Degraded))
	}
	for _, id := range env.NeedsNext {
		_, _ = fmt.Fprintf(w, "needs-next\t%s\n", id)
	}
}

func printOutcome(w io.Writer, o api.OutcomeDTO) {
	keys := make([]string, 0, len(o.Installed))
	for _, res := range o.Installed {
		keys = append(keys, res.Key)
	}
	line := fmt.Sprintf("%s\t%s\tinstalled=%s\tcancelled=%s", o.AlarmID, o.Action, joinOrDash(keys), joinOrDash(o.Cancelled))
	if len(o.Degraded) > 0 {
		line += "\tdegraded=" + strings.Join(o.Degraded, ",")
	}
	if o.Skipped != "" {
		line += "\tskipped=" + o.Skipped
	}
	if o.Error != nil {
		line += "\terror=" + o.Error.Code
	}
	_, _ = fmt.Fprintln(w, line)
}

func printSweep(w io.Writer, s api.SweepDTO) {
	_, _ = fmt.Fprintf(w, "inventory: %s\n", yesNo(s.Inventory))
	_, _ = fmt.Fprintf(w, "lost: %s\n", joinOrDash(s.Lost))
	_, _ = fmt.Fprintf(w, "orphans: %s\n", joinOrDash(s.Orphans))
	_, _ = fmt.Fprintf(w, "repaired: %d\n", len(s.Repaired))
	for _, o := range s.Repaired {
		_, _ = fmt.Fprint(w, "  ")
		printOutcome(w, o)
	}
	if s.Error != nil {
		_, _ = fmt.Fprintf(w, "error: %s: %s\n", s.Error.Code, s.Error.Message)
	}
}

func printAuth(w io.Writer, a api.AuthDTO) {
	if a.Profile == nil {
		_, _ = fmt.Fprintf(w, "%s\n", a.Status)
		return
	}
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", a.Status, a.Profile.Email, a.Profile.ID)
}

func printWatchEvent(w io.Writer, ev api.WatchEvent) {
	line := fmt.Sprintf("%d\t%s", ev.Sequence, ev.Type)
	switch {
	case ev.Auth != nil:
		line += "\t" + ev.Auth.Status
	case ev.Batch != nil:
		ops := make([]string, 0, len(ev.Batch.Changes))
		for _, ch := range ev.Batch.Changes {
			ops = append(ops, ch.Op+":"+ch.AlarmID)
		}
		line += fmt.Sprintf("\tseq=%d\tsnapshot=%d\tchanges=%s", ev.Batch.Seq, ev.Batch.Snapshot, joinOrDash(ops))
	case ev.Sweep != nil:
		line += fmt.Sprintf("\tlost=%s\torphans=%s\trepaired=%d", joinOrDash(ev.Sweep.Lost), joinOrDash(ev.Sweep.Orphans), len(ev.Sweep.Repaired))
	case ev.Fired != nil:
		line += "\t" + ev.Fired.Key + "\t" + ev.Fired.Title
	}
	if ev.Error != nil {
		line += "\terror=" + ev.Error.Code
	}
	_, _ = fmt.Fprintln(w, line)
}
