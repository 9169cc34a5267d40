package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/alarmsync/internal/api"
	"github.com/g960059/alarmsync/internal/appclient"
	"github.com/g960059/alarmsync/internal/config"
	"github.com/g960059/alarmsync/internal/integration"
)

func (r *Runner) emit(v any, text func()) error {
	if r.jsonOut {
		return writeJSON(r.out, v)
	}
	text()
	return nil
}

func (r *Runner) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and auth state",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.api().Health(cmd.Context())
			if err != nil {
				return err
			}
			return r.emit(resp, func() {
				_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", resp.Status, resp.Platform, resp.AuthStatus, orDash(resp.Owner))
			})
		},
	}
}

func (r *Runner) authCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Inspect or change the signed-in account",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.api().Auth(cmd.Context())
			if err != nil {
				return err
			}
			return r.emit(resp, func() { printAuth(r.out, resp.Auth) })
		},
	}

	credential := func(use, short string, call func(c *appclient.Client, cmd *cobra.Command, email, password string) (api.AuthEnvelope, error)) *cobra.Command {
		var email, password string
		sub := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  exactArgs(0),
			RunE: func(cmd *cobra.Command, _ []string) error {
				if strings.TrimSpace(email) == "" || password == "" {
					return usagef("--email and --password are required")
				}
				resp, err := call(r.api(), cmd, email, password)
				if err != nil {
					return err
				}
				return r.emit(resp, func() { printAuth(r.out, resp.Auth) })
			},
		}
		sub.Flags().StringVar(&email, "email", "", "account email")
		sub.Flags().StringVar(&password, "password", "", "account password")
		return sub
	}

	cmd.AddCommand(
		credential("login", "Sign in to an existing account", func(c *appclient.Client, cmd *cobra.Command, email, password string) (api.AuthEnvelope, error) {
			return c.Login(cmd.Context(), email, password)
		}),
		credential("register", "Create an account and sign in", func(c *appclient.Client, cmd *cobra.Command, email, password string) (api.AuthEnvelope, error) {
			return c.Register(cmd.Context(), email, password)
		}),
		&cobra.Command{
			Use:   "logout",
			Short: "Sign out and drop the installed triggers",
			Args:  exactArgs(0),
			RunE: func(cmd *cobra.Command, _ []string) error {
				resp, err := r.api().Logout(cmd.Context())
				if err != nil {
					return err
				}
				return r.emit(resp, func() { printAuth(r.out, resp.Auth) })
			},
		},
		&cobra.Command{
			Use:   "onboard",
			Short: "Mark first-launch onboarding complete",
			Args:  exactArgs(0),
			RunE: func(cmd *cobra.Command, _ []string) error {
				resp, err := r.api().CompleteOnboarding(cmd.Context())
				if err != nil {
					return err
				}
				return r.emit(resp, func() { printAuth(r.out, resp.Auth) })
			},
		},
	)
	return cmd
}

type alarmFlags struct {
	at       string
	days     string
	title    string
	body     string
	priority string
	sound    string
	sender   string
	subject  string
	account  string
	disabled bool
}

func (f *alarmFlags) bindCommon(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "notification title")
	cmd.Flags().StringVar(&f.body, "body", "", "notification body")
	cmd.Flags().StringVar(&f.priority, "priority", "", "low, medium or high")
	cmd.Flags().StringVar(&f.sound, "sound", "", "sound name")
	cmd.Flags().BoolVar(&f.disabled, "disabled", false, "store the alarm switched off")
}

func (f *alarmFlags) bindSchedule(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.at, "time", "", "local fire time as HH:MM")
	cmd.Flags().StringVar(&f.days, "days", "", "comma separated weekdays (mon..sun); empty fires once")
}

func (f *alarmFlags) bindMail(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.sender, "sender", "", "sender substring to match")
	cmd.Flags().StringVar(&f.subject, "subject", "", "subject substring to match")
	cmd.Flags().StringVar(&f.account, "account", "", "mail account id")
}

var editableFlags = []string{"time", "days", "sender", "subject", "account", "title", "body", "priority", "sound", "disabled"}

func anyChanged(cmd *cobra.Command, names ...string) bool {
	for _, name := range names {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

func splitDays(raw string) []string {
	var days []string
	for _, part := range strings.Split(raw, ",") {
		if day := strings.ToLower(strings.TrimSpace(part)); day != "" {
			days = append(days, day)
		}
	}
	return days
}

func (f *alarmFlags) request(kind string) api.AlarmRequest {
	enabled := !f.disabled
	req := api.AlarmRequest{
		Kind:     kind,
		Priority: f.priority,
		Enabled:  &enabled,
		Title:    f.title,
		Body:     f.body,
		Sound:    f.sound,
	}
	switch kind {
	case "mail":
		req.Mail = &api.MailFilterDTO{Sender: f.sender, Subject: f.subject, MailAccountID: f.account}
	default:
		req.Schedule = &api.ScheduleDTO{Time: f.at, Days: splitDays(f.days)}
	}
	return req
}

// merge overlays only the flags set on cmd onto the stored alarm.
func (f *alarmFlags) merge(cmd *cobra.Command, a api.AlarmDTO) api.AlarmRequest {
	enabled := a.Enabled
	req := api.AlarmRequest{
		Kind:     a.Kind,
		Priority: a.Priority,
		Enabled:  &enabled,
		Title:    a.Title,
		Body:     a.Body,
		Sound:    a.Sound,
		Schedule: a.Schedule,
		Mail:     a.Mail,
	}
	changed := cmd.Flags().Changed
	if changed("title") {
		req.Title = f.title
	}
	if changed("body") {
		req.Body = f.body
	}
	if changed("priority") {
		req.Priority = f.priority
	}
	if changed("sound") {
		req.Sound = f.sound
	}
	if changed("disabled") {
		enabled = !f.disabled
	}
	if req.Schedule != nil {
		sched := *req.Schedule
		if changed("time") {
			sched.Time = f.at
		}
		if changed("days") {
			sched.Days = splitDays(f.days)
		}
		req.Schedule = &sched
	}
	if req.Mail != nil {
		mail := *req.Mail
		if changed("sender") {
			mail.Sender = f.sender
		}
		if changed("subject") {
			mail.Subject = f.subject
		}
		if changed("account") {
			mail.MailAccountID = f.account
		}
		req.Mail = &mail
	}
	return req
}

func (r *Runner) alarmCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alarm",
		Short: "Manage alarm records",
	}

	var active, passive bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List alarms of the signed-in owner",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if active && passive {
				return usagef("--active and --passive are mutually exclusive")
			}
			var filter *bool
			if active || passive {
				filter = &active
			}
			resp, err := r.api().ListAlarms(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return r.emit(resp, func() {
				_, _ = fmt.Fprintln(r.out, "ID\tKIND\tENABLED\tPRIORITY\tWHEN\tTITLE")
				printAlarms(r.out, resp.Alarms)
			})
		},
	}
	list.Flags().BoolVar(&active, "active", false, "only enabled alarms")
	list.Flags().BoolVar(&passive, "passive", false, "only disabled alarms")

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show one alarm",
		Args:  exactArgs(1, "ID"),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := r.api().GetAlarm(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return r.emit(resp, func() { printAlarm(r.out, resp.Alarm) })
		},
	}

	var addFlags alarmFlags
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a scheduled alarm",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(addFlags.at) == "" {
				return usagef("--time is required")
			}
			return r.saveAlarm(cmd, "", addFlags.request("normal"))
		},
	}
	addFlags.bindSchedule(add)
	addFlags.bindCommon(add)

	var mailFlags alarmFlags
	addMail := &cobra.Command{
		Use:   "add-mail",
		Short: "Create an alarm fired by matching mail",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(mailFlags.sender) == "" && strings.TrimSpace(mailFlags.subject) == "" {
				return usagef("--sender or --subject is required")
			}
			return r.saveAlarm(cmd, "", mailFlags.request("mail"))
		},
	}
	mailFlags.bindMail(addMail)
	mailFlags.bindCommon(addMail)

	var editFlags alarmFlags
	edit := &cobra.Command{
		Use:   "edit ID",
		Short: "Change fields of an existing alarm",
		Args:  exactArgs(1, "ID"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !anyChanged(cmd, editableFlags...) {
				return usagef("nothing to change")
			}
			current, err := r.api().GetAlarm(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return r.saveAlarm(cmd, args[0], editFlags.merge(cmd, current.Alarm))
		},
	}
	editFlags.bindSchedule(edit)
	editFlags.bindMail(edit)
	editFlags.bindCommon(edit)

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " ID",
			Short: strings.ToUpper(use[:1]) + use[1:] + " an alarm",
			Args:  exactArgs(1, "ID"),
			RunE: func(cmd *cobra.Command, args []string) error {
				resp, err := r.api().SetEnabled(cmd.Context(), args[0], enabled)
				if err != nil {
					return err
				}
				return r.emit(resp, func() {
					_, _ = fmt.Fprintf(r.out, "%s\t%s\n", resp.Alarm.ID, onOff(resp.Alarm.Enabled))
				})
			},
		}
	}

	rm := &cobra.Command{
		Use:     "rm ID",
		Aliases: []string{"delete"},
		Short:   "Delete an alarm and its triggers",
		Args:    exactArgs(1, "ID"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.api().DeleteAlarm(cmd.Context(), args[0]); err != nil {
				return err
			}
			if r.jsonOut {
				return writeJSON(r.out, map[string]string{"deleted": args[0]})
			}
			_, _ = fmt.Fprintf(r.out, "deleted\t%s\n", args[0])
			return nil
		},
	}

	var exportPath string
	export := &cobra.Command{
		Use:   "export",
		Short: "Export scheduled alarms as iCalendar",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := r.api().ExportCalendar(cmd.Context())
			if err != nil {
				return err
			}
			if body == nil {
				_, _ = fmt.Fprintln(r.errOut, "no scheduled alarms to export")
				return nil
			}
			if exportPath == "" || exportPath == "-" {
				_, err = r.out.Write(body)
				return err
			}
			if err := os.WriteFile(exportPath, body, 0o600); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			_, _ = fmt.Fprintf(r.out, "wrote\t%s\n", exportPath)
			return nil
		},
	}
	export.Flags().StringVarP(&exportPath, "output", "o", "", "write to file instead of stdout")

	cmd.AddCommand(list, get, add, addMail, edit, toggle("enable", true), toggle("disable", false), rm, export)
	return cmd
}

func (r *Runner) saveAlarm(cmd *cobra.Command, id string, req api.AlarmRequest) error {
	var (
		resp api.AlarmEnvelope
		err  error
	)
	if id == "" {
		resp, err = r.api().CreateAlarm(cmd.Context(), req)
	} else {
		resp, err = r.api().UpdateAlarm(cmd.Context(), id, req)
	}
	if err != nil {
		return err
	}
	return r.emit(resp, func() {
		printAlarms(r.out, []api.AlarmDTO{resp.Alarm})
	})
}

func (r *Runner) triggersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "triggers",
		Short: "List triggers installed on the device",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.api().Triggers(cmd.Context())
			if err != nil {
				return err
			}
			return r.emit(resp, func() { printTriggers(r.out, resp) })
		},
	}
}

func (r *Runner) snoozeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "snooze KEY",
		Short: "Re-fire a trigger after the snooze interval",
		Args:  exactArgs(1, "KEY"),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := r.api().Snooze(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return r.emit(resp, func() { printOutcome(r.out, resp.Outcome) })
		},
	}
}

func (r *Runner) sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Repair drift between records and installed triggers",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.api().Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return r.emit(resp, func() { printSweep(r.out, resp.Sweep) })
		},
	}
}

func (r *Runner) watchCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream session events",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The unary timeout bounds only the handshake.
			return r.api().WatchLoop(cmd.Context(), appclient.WatchLoopOptions{Once: once}, func(ev api.WatchEvent) error {
				if r.jsonOut {
					return writeJSON(r.out, ev)
				}
				printWatchEvent(r.out, ev)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "exit when the stream closes instead of reconnecting")
	return cmd
}

func (r *Runner) mailCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mail",
		Short: "Feed mail events to mail alarms",
	}
	var req api.MailReleaseRequest
	release := &cobra.Command{
		Use:   "release",
		Short: "Fire a mail alarm as if matching mail arrived",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(req.AlarmID) == "" {
				return usagef("--alarm is required")
			}
			req.ReceivedAt = time.Now().UTC().Format(time.RFC3339)
			resp, err := r.api().ReleaseMail(cmd.Context(), req)
			if err != nil {
				return err
			}
			return r.emit(resp, func() { printOutcome(r.out, resp.Outcome) })
		},
	}
	release.Flags().StringVar(&req.AlarmID, "alarm", "", "mail alarm id")
	release.Flags().StringVar(&req.Sender, "sender", "", "sender of the mail")
	release.Flags().StringVar(&req.Subject, "subject", "", "subject of the mail")
	cmd.AddCommand(release)
	return cmd
}

func (r *Runner) doctorCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the local install and daemon",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, loadErr := config.Load(configPath)
			if loadErr != nil {
				cfg = config.DefaultConfig()
			}
			if cmd.Flags().Changed("socket") || loadErr != nil {
				cfg.SocketPath = r.socketPath
			} else {
				r.socketPath = cfg.SocketPath
			}
			res := integration.Doctor(cmd.Context(), integration.DoctorOptions{
				Config:    cfg,
				ConfigErr: loadErr,
				Health:    r.api().Health,
			})
			if err := r.emit(res, func() {
				for _, c := range res.Checks {
					_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\n", c.Status, c.Name, c.Message)
				}
			}); err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("doctor found problems")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file the daemon runs with")
	return cmd
}
