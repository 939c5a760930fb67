// Package model defines the delivery-pipeline data model: Notification,
// DeliveryJob, DeliveryAttempt, UserPreference, DeviceToken, Template and
// their supporting enums, per the specification's data model.
//
// Grounded on the shape of kolajAi/internal/notifications.Notification,
// generalized from a single flat struct with an implicit per-recipient
// fan-out into the spec's explicit Notification -> []DeliveryJob split.
package model

import "time"

// Priority is one of urgent|high|normal|low.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank orders priorities for dequeue preference, urgent first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Batches reports whether jobs of this priority accumulate into batches
// (normal/low) or dispatch immediately (urgent/high).
func (p Priority) Batches() bool {
	return p == PriorityNormal || p == PriorityLow
}

// Channel is one of the four delivery transports.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// Notification is the logical request accepted from a producer.
type Notification struct {
	ID           string
	UserIDs      []string
	Type         string
	Priority     Priority
	Channels     []Channel
	TemplateID   string
	Variables    map[string]interface{}
	Subject      string // explicit payload, used when TemplateID is empty
	Body         string
	ScheduledFor *time.Time
	ExpiresAt    *time.Time
	Metadata     map[string]string
	Persistent   bool // force inbox store-and-forward for in_app
	CreatedAt    time.Time
}

// JobState is one of the DeliveryJob lifecycle states.
type JobState string

const (
	JobPending      JobState = "pending"
	JobInFlight     JobState = "in_flight"
	JobSucceeded    JobState = "succeeded"
	JobFailed       JobState = "failed"
	JobDeadLettered JobState = "dead_lettered"
	JobExpired      JobState = "expired"
)

// Terminal reports whether a state is absorbing.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobDeadLettered || s == JobExpired
}

// ChannelPayload carries the channel-specific rendered content behind a
// small shared envelope, per the spec's tagged-variant redesign note.
type ChannelPayload struct {
	Email *EmailPayload
	SMS   *SMSPayload
	Push  *PushPayload
	InApp *InAppPayload
}

type EmailPayload struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

type SMSPayload struct {
	To   string
	Body string
}

type PushPayload struct {
	UserID string
	Tokens []string // explicit token set, if provided by the caller
	Topic  string   // broadcast topic, if provided
	Title  string
	Body   string
	Data   map[string]string
}

type InAppPayload struct {
	Type      string
	Title     string
	Body      string
	ActionURL string
	Icon      string
}

// DeliveryJob is one per (notification, channel); the unit the engine
// processes.
type DeliveryJob struct {
	ID             string
	NotificationID string
	UserID         string
	Channel        Channel
	Type           string // the notification's logical type, carried for analytics
	Priority       Priority
	Payload        ChannelPayload
	Attempts       int
	MaxAttempts    int
	NotBefore      time.Time
	State          JobState
	VisibleUntil   *time.Time // set while in_flight; reclaimable once passed
	ExpiresAt      *time.Time
}

// AttemptStatus is one entry of the monotone status sequence of §3.
type AttemptStatus string

const (
	AttemptQueued    AttemptStatus = "queued"
	AttemptSent      AttemptStatus = "sent"
	AttemptDelivered AttemptStatus = "delivered"
	AttemptFailed    AttemptStatus = "failed"
	AttemptBounced   AttemptStatus = "bounced"
	AttemptOpened    AttemptStatus = "opened"
	AttemptClicked   AttemptStatus = "clicked"
	AttemptDismissed AttemptStatus = "dismissed"
	AttemptExpired   AttemptStatus = "expired"
)

// rank enforces the permitted monotone sequence: queued -> sent ->
// {delivered|bounced|failed}, opened/clicked only after delivered.
var statusRank = map[AttemptStatus]int{
	AttemptQueued:    0,
	AttemptSent:      1,
	AttemptDelivered: 2,
	AttemptBounced:   2,
	AttemptFailed:    2,
	AttemptExpired:   2,
	AttemptOpened:    3,
	AttemptClicked:   3,
	AttemptDismissed: 3,
}

// Terminal reports whether status is a settled, absorbing outcome for
// the attempt (as opposed to queued/sent, which await a later status).
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptDelivered, AttemptFailed, AttemptBounced, AttemptExpired,
		AttemptOpened, AttemptClicked, AttemptDismissed:
		return true
	default:
		return false
	}
}

// ValidTransition reports whether moving from `from` to `to` respects the
// monotone status sequence invariant of §3. A zero-value `from` (no prior
// status) accepts any status as the first write.
func ValidTransition(from, to AttemptStatus) bool {
	if from == "" {
		return true
	}
	if from == to {
		return true // idempotent re-application of the same callback
	}
	fromR, ok1 := statusRank[from]
	toR, ok2 := statusRank[to]
	if !ok1 || !ok2 {
		return false
	}
	if toR < fromR {
		return false
	}
	if toR == fromR {
		// Same-rank lateral move. The engagement rank (opened/clicked/
		// dismissed) is a legitimate sequence among siblings, e.g.
		// opened -> clicked -> dismissed. The outcome rank (delivered/
		// bounced/failed/expired) is a set of mutually exclusive
		// absorbing terminals, so a lateral move there is rejected.
		return toR == 3
	}
	if toR == 3 {
		// opened/clicked/dismissed only follow a delivered outcome.
		// fromR == 3 already implies delivered happened earlier in the
		// sequence (the only way to reach the engagement rank), so this
		// only gates the first engagement event.
		return from == AttemptDelivered
	}
	return true
}

// DeliveryAttempt is one append-only log entry for one try of one job.
type DeliveryAttempt struct {
	ID                string
	NotificationID    string
	JobID             string
	Channel           Channel
	AttemptIndex      int
	Status            AttemptStatus
	ProviderMessageID string
	ErrorKind         string
	ErrorMessage      string
	Token             string // push device token this attempt addressed; empty for single-recipient channels
	AttemptedAt       time.Time
	SettledAt         *time.Time
}

// UserPreference is per (user_id, channel) plus per-type overrides.
type UserPreference struct {
	UserID          string
	Channel         Channel
	Enabled         bool
	OptIn           bool
	Handle          string // email address / phone number
	TypeOverrides   map[string]bool
	QuietHoursStart string // "22:00", empty disables
	QuietHoursEnd   string
	Timezone        string
}

// Platform is one of the push device platforms.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// DeviceToken is a per-user push registry entry.
type DeviceToken struct {
	UserID   string
	Token    string
	Platform Platform
	Active   bool
	LastUsed time.Time
}

// Template is per (template_id, channel).
type Template struct {
	ID          string
	Channel     Channel
	Subject     string // email
	HTML        string // email
	Text        string // email/sms/push body
	PushTitle   string
	VarWhitelist []string
	Active      bool
}

// AnalyticsEvent is one append-only record of a delivery-affecting
// event, kept separate from DeliveryAttempt so the engine's retry
// bookkeeping and the reporting log can evolve independently.
type AnalyticsEvent struct {
	ID             string
	NotificationID string
	JobID          string
	Channel        Channel
	Type           string // the notification's logical type, e.g. "job_alert"
	Event          string // queued|sent|delivered|bounced|opened|clicked|dismissed|failed|suppressed|expired
	OccurredAt     time.Time
}

// ChannelStatus is one channel's contribution to a notification's
// aggregate status: the owning job's lifecycle state plus the most
// advanced attempt status recorded against it.
type ChannelStatus struct {
	Channel    Channel
	JobState   JobState
	LastStatus AttemptStatus
}

// NotificationStatus backs GET notifications/{id}/status: the rolled-up
// state across every channel a notification fanned out to.
type NotificationStatus struct {
	NotificationID string
	Aggregate      string // "pending" | "succeeded" | "partial" | "failed"
	Channels       []ChannelStatus
}

// InboxItem is a persisted in-app notification.
type InboxItem struct {
	ID             string
	UserID         string
	NotificationID string
	Type           string
	Title          string
	Body           string
	ActionURL      string
	Icon           string
	CreatedAt      time.Time
	ReadAt         *time.Time
	ClickedAt      *time.Time
	DismissedAt    *time.Time
	ExpiresAt      *time.Time
}
