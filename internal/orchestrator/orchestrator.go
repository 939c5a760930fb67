// Package orchestrator is the Channel Orchestrator: the intake that
// accepts a logical notification request, persists it, expands it into
// one DeliveryJob per requested channel, and enqueues each for the
// Delivery Engine. Grounded on kolajAi/internal/notifications/manager.go's
// SendNotification/SendBulkNotifications, generalized from a single
// send-now call into an explicit persist-then-enqueue split so
// submit() can return before any delivery attempt runs.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"notifyhub/internal/analytics"
	"notifyhub/internal/config"
	"notifyhub/internal/corelog"
	"notifyhub/internal/enginequeue"
	"notifyhub/internal/errs"
	"notifyhub/internal/model"
	"notifyhub/internal/preferences"
	"notifyhub/internal/store"
	"notifyhub/internal/templates"
)

// bulkChunkSize is the batch the orchestrator processes submit_bulk in,
// matching the default spec.md calls out for producer-side chunking.
const bulkChunkSize = 500

// Request is the producer-facing notification submission.
type Request struct {
	UserIDs      []string               `json:"user_ids"`
	Type         string                 `json:"type"`
	Priority     model.Priority         `json:"priority"`
	Channels     []model.Channel        `json:"channels"`
	TemplateID   string                 `json:"template_id,omitempty"`
	Variables    map[string]interface{} `json:"variables,omitempty"`
	Subject      string                 `json:"subject,omitempty"`
	Body         string                 `json:"body,omitempty"`
	ScheduledFor *time.Time             `json:"scheduled_for,omitempty"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
	Metadata     map[string]string      `json:"metadata,omitempty"`
	Persistent   bool                   `json:"persistent,omitempty"`
}

// Result is one outcome of a submit_bulk entry: either a notification
// ID or the error that kept it from being accepted.
type Result struct {
	NotificationID string
	Err            error
}

type maxAttemptsByChannel struct {
	email, sms, push, inApp int
}

// Orchestrator wires the notification/job stores, preference resolver
// and engine queue together behind submit/submit_bulk/cancel.
type Orchestrator struct {
	notifications *store.NotificationRepo
	jobs          *store.DeliveryJobRepo
	attempts      *store.DeliveryAttemptRepo
	prefs         *preferences.Resolver
	queue         *enginequeue.Queue
	cfg           *config.Config
	log           *corelog.Logger
	analytics     *analytics.Recorder
	renderer      *templates.Renderer
	maxAttempts   maxAttemptsByChannel
}

func New(notifications *store.NotificationRepo, jobs *store.DeliveryJobRepo, attempts *store.DeliveryAttemptRepo,
	prefs *preferences.Resolver, queue *enginequeue.Queue, cfg *config.Config, analyticsRecorder *analytics.Recorder,
	renderer *templates.Renderer) *Orchestrator {
	return &Orchestrator{
		notifications: notifications,
		jobs:          jobs,
		attempts:      attempts,
		prefs:         prefs,
		queue:         queue,
		cfg:           cfg,
		log:           corelog.Default().With("component", "orchestrator"),
		analytics:     analyticsRecorder,
		renderer:      renderer,
		maxAttempts:   maxAttempts(cfg.Retry.Attempts),
	}
}

func maxAttempts(configured int) maxAttemptsByChannel {
	if configured <= 0 {
		configured = 3
	}
	return maxAttemptsByChannel{email: configured, sms: configured, push: configured, inApp: 1}
}

// Submit validates req, persists the Notification, expands it into one
// DeliveryJob per requested channel (each denied by preference is
// logged as an expired/suppressed attempt and never enqueued), and
// returns the notification ID. It returns before any delivery is
// attempted - everything past this point is asynchronous.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	notBefore := now
	if req.ScheduledFor != nil {
		if req.ScheduledFor.Before(now) {
			notBefore = now // past schedule clamps to now, per submit's contract
		} else {
			notBefore = req.ScheduledFor.UTC()
		}
	}

	notificationID := uuid.NewString()
	notification := &model.Notification{
		ID:           notificationID,
		UserIDs:      req.UserIDs,
		Type:         req.Type,
		Priority:     req.Priority,
		Channels:     req.Channels,
		TemplateID:   req.TemplateID,
		Variables:    req.Variables,
		Subject:      req.Subject,
		Body:         req.Body,
		ScheduledFor: req.ScheduledFor,
		ExpiresAt:    req.ExpiresAt,
		Metadata:     req.Metadata,
		Persistent:   req.Persistent,
		CreatedAt:    now,
	}
	if notification.Priority == "" {
		notification.Priority = model.PriorityNormal
	}

	if err := o.notifications.Insert(notification); err != nil {
		return "", errs.Wrap(errs.Internal, err, "persist notification")
	}

	for _, userID := range req.UserIDs {
		o.expand(ctx, notification, userID, notBefore)
	}

	return notificationID, nil
}

// SubmitBulk processes reqs in chunks of bulkChunkSize; a failure on
// one request never aborts the rest of the batch.
func (o *Orchestrator) SubmitBulk(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	for start := 0; start < len(reqs); start += bulkChunkSize {
		end := start + bulkChunkSize
		if end > len(reqs) {
			end = len(reqs)
		}
		for i := start; i < end; i++ {
			id, err := o.Submit(ctx, reqs[i])
			results[i] = Result{NotificationID: id, Err: err}
			if err != nil {
				o.log.Warn("submit_bulk item %d failed: %v", i, err)
			}
		}
	}
	return results
}

// Cancel marks every still-pending/in-flight job of a notification as
// expired so the engine drops them on its next claim attempt.
func (o *Orchestrator) Cancel(notificationID string) (int64, error) {
	n, err := o.jobs.Cancel(notificationID)
	if err != nil {
		return 0, errs.Wrap(errs.Internal, err, "cancel notification")
	}
	return n, nil
}

// expand produces one DeliveryJob per requested channel for one
// recipient, applying the preference check before enqueueing.
func (o *Orchestrator) expand(ctx context.Context, n *model.Notification, userID string, notBefore time.Time) {
	for _, channel := range n.Channels {
		job := &model.DeliveryJob{
			ID:             uuid.NewString(),
			NotificationID: n.ID,
			UserID:         userID,
			Channel:        channel,
			Type:           n.Type,
			Priority:       n.Priority,
			MaxAttempts:    o.maxAttemptsFor(channel),
			NotBefore:      notBefore,
			ExpiresAt:      n.ExpiresAt,
			State:          model.JobPending,
		}

		decision, err := o.prefs.Resolve(userID, channel, n.Type)
		if err != nil {
			if errs.KindOf(err) == errs.Suppressed {
				o.denySuppressed(job, errs.CodeOf(err))
				continue
			}
			o.log.Error("resolve preference for %s/%s: %v", userID, channel, err)
			continue
		}
		if !decision.Allowed {
			o.denySuppressed(job, string(errs.Suppressed))
			continue
		}

		content, err := o.content(channel, n)
		if err != nil {
			o.denyError(job, err)
			continue
		}
		job.Payload = buildPayload(channel, n.Type, content, userID, decision.Handle)
		if err := o.jobs.Insert(job); err != nil {
			o.log.Error("insert job for %s/%s: %v", userID, channel, err)
			continue
		}
		if err := o.queue.Enqueue(ctx, channel, n.Priority, job.ID, notBefore); err != nil {
			o.log.Error("enqueue job %s: %v", job.ID, err)
		}
		if o.analytics != nil {
			o.analytics.Record(n.ID, job.ID, channel, n.Type, "queued")
		}
	}
}

// content resolves the subject/body/push-title a channel's payload is
// built from: a rendered template when the notification names one, or
// the request's explicit subject/body otherwise.
func (o *Orchestrator) content(channel model.Channel, n *model.Notification) (*templates.Rendered, error) {
	if n.TemplateID == "" {
		return &templates.Rendered{Subject: n.Subject, HTML: n.Body, Text: n.Body, PushTitle: n.Subject}, nil
	}
	return o.renderer.Render(n.TemplateID, channel, n.Variables)
}

// denyError records a terminal, non-enqueued attempt for an expansion
// failure that isn't a preference denial (e.g. an unknown or inactive
// template) - still never reaches the engine, same as denySuppressed.
func (o *Orchestrator) denyError(job *model.DeliveryJob, cause error) {
	now := time.Now().UTC()
	attempt := &model.DeliveryAttempt{
		ID:             uuid.NewString(),
		NotificationID: job.NotificationID,
		JobID:          job.ID,
		Channel:        job.Channel,
		AttemptIndex:   0,
		Status:         model.AttemptFailed,
		ErrorKind:      string(errs.KindOf(cause)),
		ErrorMessage:   cause.Error(),
		AttemptedAt:    now,
		SettledAt:      &now,
	}
	if err := o.attempts.Append(attempt); err != nil {
		o.log.Error("record expansion failure for job %s: %v", job.ID, err)
	}
	if o.analytics != nil {
		o.analytics.Record(job.NotificationID, job.ID, job.Channel, job.Type, "failed")
	}
}

func (o *Orchestrator) maxAttemptsFor(channel model.Channel) int {
	switch channel {
	case model.ChannelEmail:
		return o.maxAttempts.email
	case model.ChannelSMS:
		return o.maxAttempts.sms
	case model.ChannelPush:
		return o.maxAttempts.push
	default:
		return o.maxAttempts.inApp
	}
}

// denySuppressed records the non-enqueued outcome as a terminal
// expired/suppressed attempt, per the expansion rule: a preference
// denial never reaches the engine at all.
func (o *Orchestrator) denySuppressed(job *model.DeliveryJob, reason string) {
	now := time.Now().UTC()
	attempt := &model.DeliveryAttempt{
		ID:             uuid.NewString(),
		NotificationID: job.NotificationID,
		JobID:          job.ID,
		Channel:        job.Channel,
		AttemptIndex:   0,
		Status:         model.AttemptExpired,
		ErrorKind:      reason,
		ErrorMessage:   "recipient preference denies this channel",
		AttemptedAt:    now,
		SettledAt:      &now,
	}
	if err := o.attempts.Append(attempt); err != nil {
		o.log.Error("record suppressed attempt for job %s: %v", job.ID, err)
	}
	if o.analytics != nil {
		o.analytics.Record(job.NotificationID, job.ID, job.Channel, job.Type, "suppressed")
	}
}

// buildPayload fills in only the sub-struct matching channel; a job
// only ever carries the payload variant its own adapter reads.
func buildPayload(channel model.Channel, notifType string, content *templates.Rendered, userID, handle string) model.ChannelPayload {
	var payload model.ChannelPayload
	switch channel {
	case model.ChannelEmail:
		payload.Email = &model.EmailPayload{To: handle, Subject: content.Subject, HTML: content.HTML, Text: content.Text}
	case model.ChannelSMS:
		payload.SMS = &model.SMSPayload{To: handle, Body: content.Text}
	case model.ChannelPush:
		title := content.PushTitle
		if title == "" {
			title = content.Subject
		}
		payload.Push = &model.PushPayload{UserID: userID, Title: title, Body: content.Text}
	case model.ChannelInApp:
		payload.InApp = &model.InAppPayload{Type: notifType, Title: content.Subject, Body: content.Text}
	}
	return payload
}

func validate(req Request) error {
	if len(req.UserIDs) == 0 {
		return errs.New(errs.InvalidInput, "user_id is required")
	}
	if len(req.Channels) == 0 {
		return errs.New(errs.InvalidInput, "channels must not be empty")
	}
	if req.TemplateID == "" && req.Body == "" {
		return errs.New(errs.InvalidInput, "template_id or explicit payload is required")
	}
	return nil
}
