package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type ProfileDTO struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at,omitempty"`
}

type AuthDTO struct {
	Status  string      `json:"status"`
	Profile *ProfileDTO `json:"profile,omitempty"`
}

type AuthEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Auth          AuthDTO   `json:"auth"`
}

type CredentialRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ScheduleDTO struct {
	Time string   `json:"time"`
	Days []string `json:"days,omitempty"`
}

type MailFilterDTO struct {
	Sender        string `json:"sender,omitempty"`
	Subject       string `json:"subject,omitempty"`
	MailAccountID string `json:"mail_account_id,omitempty"`
}

type AlarmDTO struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Kind      string         `json:"kind"`
	Priority  string         `json:"priority"`
	Schedule  *ScheduleDTO   `json:"schedule,omitempty"`
	Mail      *MailFilterDTO `json:"mail,omitempty"`
	Enabled   bool           `json:"enabled"`
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	Icon      string         `json:"icon,omitempty"`
	Sound     string         `json:"sound,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

// AlarmRequest is the body of create and full-replace calls.
type AlarmRequest struct {
	Kind     string         `json:"kind"`
	Priority string         `json:"priority,omitempty"`
	Schedule *ScheduleDTO   `json:"schedule,omitempty"`
	Mail     *MailFilterDTO `json:"mail,omitempty"`
	Enabled  *bool          `json:"enabled,omitempty"`
	Title    string         `json:"title,omitempty"`
	Body     string         `json:"body,omitempty"`
	Sound    string         `json:"sound,omitempty"`
}

type EnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

type AlarmsEnvelope struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	Alarms        []AlarmDTO `json:"alarms"`
}

type AlarmEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Alarm         AlarmDTO  `json:"alarm"`
}

type TriggerResultDTO struct {
	Key       string   `json:"key"`
	FireAt    string   `json:"fire_at"`
	Mechanism string   `json:"mechanism"`
	Degraded  bool     `json:"degraded"`
	Reasons   []string `json:"reasons,omitempty"`
}

type OutcomeDTO struct {
	AlarmID   string             `json:"alarm_id"`
	Action    string             `json:"action"`
	Installed []TriggerResultDTO `json:"installed,omitempty"`
	Cancelled []string           `json:"cancelled,omitempty"`
	Degraded  []string           `json:"degraded,omitempty"`
	Skipped   string             `json:"skipped,omitempty"`
	Error     *APIError          `json:"error,omitempty"`
}

type OutcomeEnvelope struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	Outcome       OutcomeDTO `json:"outcome"`
}

type SweepDTO struct {
	Inventory bool         `json:"inventory"`
	Lost      []string     `json:"lost,omitempty"`
	Orphans   []string     `json:"orphans,omitempty"`
	Repaired  []OutcomeDTO `json:"repaired,omitempty"`
	Error     *APIError    `json:"error,omitempty"`
}

type SweepEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Sweep         SweepDTO  `json:"sweep"`
}

type TriggerDTO struct {
	Key      string   `json:"key"`
	AlarmID  string   `json:"alarm_id"`
	Slot     string   `json:"slot,omitempty"`
	FireAt   string   `json:"fire_at"`
	FireAtMs int64    `json:"fire_at_ms"`
	Title    string   `json:"title"`
	Critical bool     `json:"critical"`
	Degraded []string `json:"degraded,omitempty"`
}

type TriggersEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Platform      string       `json:"platform"`
	Triggers      []TriggerDTO `json:"triggers"`
	NeedsNext     []string     `json:"needs_next,omitempty"`
}

type MailReleaseRequest struct {
	AlarmID    string `json:"alarm_id"`
	OwnerID    string `json:"owner_id,omitempty"`
	Sender     string `json:"sender,omitempty"`
	Subject    string `json:"subject,omitempty"`
	ReceivedAt string `json:"received_at,omitempty"`
}

type ChangeDTO struct {
	Op      string `json:"op"`
	AlarmID string `json:"alarm_id"`
}

type BatchDTO struct {
	Seq      int64       `json:"seq"`
	OwnerID  string      `json:"owner_id,omitempty"`
	Snapshot int         `json:"snapshot"`
	Changes  []ChangeDTO `json:"changes,omitempty"`
}

type FiredDTO struct {
	Key       string `json:"key"`
	Mechanism string `json:"mechanism"`
	FiredAt   string `json:"fired_at"`
	Title     string `json:"title"`
	Critical  bool   `json:"critical"`
}

// WatchEvent is one websocket frame on /v1/watch.
type WatchEvent struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	StreamID      string       `json:"stream_id"`
	Sequence      int64        `json:"sequence"`
	Type          string       `json:"type"`
	Auth          *AuthDTO     `json:"auth,omitempty"`
	Batch         *BatchDTO    `json:"batch,omitempty"`
	Outcomes      []OutcomeDTO `json:"outcomes,omitempty"`
	Sweep         *SweepDTO    `json:"sweep,omitempty"`
	Fired         *FiredDTO    `json:"fired,omitempty"`
	Error         *APIError    `json:"error,omitempty"`
}
