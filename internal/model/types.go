package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AlarmKind selects how an alarm is triggered.
type AlarmKind string

const (
	KindNormal AlarmKind = "normal"
	KindMail   AlarmKind = "mail"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Critical reports whether the priority takes the bypass-silent delivery path.
func (p Priority) Critical() bool {
	return p == PriorityHigh
}

// Weekday is the persisted day key used by alarm schedules.
type Weekday string

const (
	Monday    Weekday = "mon"
	Tuesday   Weekday = "tue"
	Wednesday Weekday = "wed"
	Thursday  Weekday = "thu"
	Friday    Weekday = "fri"
	Saturday  Weekday = "sat"
	Sunday    Weekday = "sun"
)

// WeekdayOrder is the display and iteration order of day keys.
var WeekdayOrder = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

var weekdayTime = map[Weekday]time.Weekday{
	Monday:    time.Monday,
	Tuesday:   time.Tuesday,
	Wednesday: time.Wednesday,
	Thursday:  time.Thursday,
	Friday:    time.Friday,
	Saturday:  time.Saturday,
	Sunday:    time.Sunday,
}

func (d Weekday) Valid() bool {
	_, ok := weekdayTime[d]
	return ok
}

func (d Weekday) Time() time.Weekday {
	return weekdayTime[d]
}

func weekdayRank(d Weekday) int {
	for i, v := range WeekdayOrder {
		if v == d {
			return i
		}
	}
	return len(WeekdayOrder)
}

// Schedule is the wall-clock part of a normal alarm. Empty Days means one-shot.
type Schedule struct {
	Time string    `json:"time"`
	Days []Weekday `json:"days,omitempty"`
}

// Clock splits Time into hour and minute.
func (s Schedule) Clock() (hour, minute int, err error) {
	raw := strings.TrimSpace(s.Time)
	parsed, err := time.Parse("15:04", raw)
	if err != nil || len(raw) != 5 {
		return 0, 0, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalid, s.Time)
	}
	return parsed.Hour(), parsed.Minute(), nil
}

func (s Schedule) OneShot() bool {
	return len(s.Days) == 0
}

// Normalized returns a copy with deduplicated days in week order.
func (s Schedule) Normalized() Schedule {
	seen := make(map[Weekday]struct{}, len(s.Days))
	days := make([]Weekday, 0, len(s.Days))
	for _, d := range s.Days {
		d = Weekday(strings.ToLower(strings.TrimSpace(string(d))))
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		days = append(days, d)
	}
	sort.SliceStable(days, func(i, j int) bool {
		return weekdayRank(days[i]) < weekdayRank(days[j])
	})
	out := Schedule{Time: strings.TrimSpace(s.Time)}
	if len(days) > 0 {
		out.Days = days
	}
	return out
}

// MailFilter holds the optional criteria a mail alarm matches against.
type MailFilter struct {
	Sender        string `json:"sender,omitempty"`
	Subject       string `json:"subject,omitempty"`
	MailAccountID string `json:"mail_account_id,omitempty"`
}

func (f MailFilter) Empty() bool {
	return strings.TrimSpace(f.Sender) == "" && strings.TrimSpace(f.Subject) == ""
}

// Matches does case-insensitive substring checks on every criterion that is set.
func (f MailFilter) Matches(sender, subject string) bool {
	if f.Empty() {
		return false
	}
	if s := strings.TrimSpace(f.Sender); s != "" && !strings.Contains(strings.ToLower(sender), strings.ToLower(s)) {
		return false
	}
	if s := strings.TrimSpace(f.Subject); s != "" && !strings.Contains(strings.ToLower(subject), strings.ToLower(s)) {
		return false
	}
	return true
}

const (
	DefaultNormalTitle = "Normal Alarm"
	DefaultNormalBody  = "Normal Alarm"
	DefaultSound       = "default"
	IconAlarm          = "alarm"
	IconMail           = "mail"
)

// AlarmRecord is the canonical persisted alarm.
type AlarmRecord struct {
	ID        string      `json:"id"`
	OwnerID   string      `json:"owner_id"`
	Kind      AlarmKind   `json:"kind"`
	Priority  Priority    `json:"priority"`
	Schedule  *Schedule   `json:"schedule,omitempty"`
	Mail      *MailFilter `json:"mail,omitempty"`
	Enabled   bool        `json:"enabled"`
	Title     string      `json:"title"`
	Body      string      `json:"body,omitempty"`
	Icon      string      `json:"icon,omitempty"`
	Sound     string      `json:"sound,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Draft is the user-editable part of an AlarmRecord.
type Draft struct {
	Kind     AlarmKind   `json:"kind"`
	Priority Priority    `json:"priority,omitempty"`
	Schedule *Schedule   `json:"schedule,omitempty"`
	Mail     *MailFilter `json:"mail,omitempty"`
	Enabled  *bool       `json:"enabled,omitempty"`
	Title    string      `json:"title,omitempty"`
	Body     string      `json:"body,omitempty"`
	Sound    string      `json:"sound,omitempty"`
}

// Normalize fills defaults and validates the draft.
func (d Draft) Normalize() (Draft, error) {
	out := d
	out.Title = strings.TrimSpace(out.Title)
	out.Body = strings.TrimSpace(out.Body)
	if out.Priority == "" {
		out.Priority = PriorityMedium
	}
	switch out.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
	default:
		return Draft{}, fmt.Errorf("%w: priority %q", ErrInvalid, out.Priority)
	}
	if out.Sound == "" {
		out.Sound = DefaultSound
	}
	switch out.Kind {
	case KindNormal:
		if out.Schedule == nil {
			return Draft{}, fmt.Errorf("%w: normal alarm requires schedule", ErrInvalid)
		}
		sched := out.Schedule.Normalized()
		if _, _, err := sched.Clock(); err != nil {
			return Draft{}, err
		}
		for _, day := range sched.Days {
			if !day.Valid() {
				return Draft{}, fmt.Errorf("%w: weekday %q", ErrInvalid, day)
			}
		}
		out.Schedule = &sched
		out.Mail = nil
		if out.Title == "" {
			out.Title = DefaultNormalTitle
		}
		if out.Body == "" {
			out.Body = DefaultNormalBody
		}
	case KindMail:
		if out.Mail == nil || out.Mail.Empty() {
			return Draft{}, fmt.Errorf("%w: mail alarm requires sender or subject", ErrInvalid)
		}
		filter := MailFilter{
			Sender:        strings.TrimSpace(out.Mail.Sender),
			Subject:       strings.TrimSpace(out.Mail.Subject),
			MailAccountID: strings.TrimSpace(out.Mail.MailAccountID),
		}
		out.Mail = &filter
		out.Schedule = nil
		if out.Title == "" {
			out.Title = mailTitle(filter)
		}
	default:
		return Draft{}, fmt.Errorf("%w: kind %q", ErrInvalid, out.Kind)
	}
	return out, nil
}

func mailTitle(f MailFilter) string {
	switch {
	case f.Subject != "":
		return f.Subject
	case f.Sender != "":
		return f.Sender
	default:
		return "Mail Alarm"
	}
}

// Apply builds the persisted record for a normalized draft. Identity fields come from base.
func (d Draft) Apply(base AlarmRecord) AlarmRecord {
	rec := base
	rec.Kind = d.Kind
	rec.Priority = d.Priority
	rec.Schedule = d.Schedule
	rec.Mail = d.Mail
	rec.Title = d.Title
	rec.Body = d.Body
	rec.Sound = d.Sound
	if d.Enabled != nil {
		rec.Enabled = *d.Enabled
	}
	switch d.Kind {
	case KindMail:
		rec.Icon = IconMail
	default:
		rec.Icon = IconAlarm
	}
	return rec
}

// SameContent reports whether two records would produce the same triggers and payload.
func (r AlarmRecord) SameContent(other AlarmRecord) bool {
	if r.ID != other.ID || r.Kind != other.Kind || r.Priority != other.Priority || r.Enabled != other.Enabled {
		return false
	}
	if r.Title != other.Title || r.Body != other.Body || r.Sound != other.Sound {
		return false
	}
	if !sameSchedule(r.Schedule, other.Schedule) {
		return false
	}
	return sameMail(r.Mail, other.Mail)
}

func sameSchedule(a, b *Schedule) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	na, nb := a.Normalized(), b.Normalized()
	if na.Time != nb.Time || len(na.Days) != len(nb.Days) {
		return false
	}
	for i := range na.Days {
		if na.Days[i] != nb.Days[i] {
			return false
		}
	}
	return true
}

func sameMail(a, b *MailFilter) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// AuthStatus is the lifecycle value of the process-wide auth state.
type AuthStatus string

const (
	AuthLoading       AuthStatus = "loading"
	AuthFirstLaunch   AuthStatus = "first_launch"
	AuthGuest         AuthStatus = "guest"
	AuthAuthenticated AuthStatus = "authenticated"
)

type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type AuthState struct {
	Status  AuthStatus
	Profile *Profile
}

// OwnerID returns the authenticated owner, if any.
func (s AuthState) OwnerID() (string, bool) {
	if s.Status != AuthAuthenticated || s.Profile == nil || s.Profile.ID == "" {
		return "", false
	}
	return s.Profile.ID, true
}

// Identity is what the remote identity provider reports for a signed-in session.
type Identity struct {
	UID   string
	Email string
}

type Credential struct {
	Email    string
	Password string
}

// Platform selects the native trigger mechanism.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

func ParsePlatform(raw string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case PlatformAndroid:
		return PlatformAndroid, nil
	case PlatformIOS:
		return PlatformIOS, nil
	default:
		return "", fmt.Errorf("%w: platform %q", ErrInvalid, raw)
	}
}

// Change is one record transition delivered by the store stream.
type Change struct {
	Previous *AlarmRecord
	Current  *AlarmRecord
}

// ID returns the record id the change refers to.
func (c Change) ID() string {
	if c.Current != nil {
		return c.Current.ID
	}
	if c.Previous != nil {
		return c.Previous.ID
	}
	return ""
}

// Batch is one ordered delivery of the live record stream.
type Batch struct {
	Seq      int64
	OwnerID  string
	Snapshot []AlarmRecord
	Changes  []Change
}

// MailMatch is an external notification that an inbound message matched a mail alarm.
type MailMatch struct {
	EventID    string
	AlarmID    string
	OwnerID    string
	Sender     string
	Subject    string
	ReceivedAt time.Time
}

// Error codes defined by API contract.
const (
	ErrCodeInvalid         = "E_INVALID"
	ErrCodeNotFound        = "E_NOT_FOUND"
	ErrCodeUnauthenticated = "E_UNAUTHENTICATED"
	ErrCodePermission      = "E_PERMISSION"
	ErrCodeTransient       = "E_TRANSIENT"
	ErrCodeConfiguration   = "E_CONFIGURATION"
	ErrCodeCredentials     = "E_CREDENTIALS"
	ErrCodeInternal        = "E_INTERNAL"
)
