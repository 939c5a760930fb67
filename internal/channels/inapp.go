package channels

import (
	"context"
	"time"

	"github.com/google/uuid"

	"notifyhub/internal/errs"
	"notifyhub/internal/model"
	"notifyhub/internal/store"
)

// Broadcaster pushes a live event to a user's connected realtime
// sessions, reporting whether anyone was actually connected to
// receive it. Implemented by internal/realtime.Hub; declared here
// instead of imported to keep channels free of a dependency on the
// websocket transport.
type Broadcaster interface {
	Publish(userID string, item *model.InboxItem) (delivered bool)
}

// InAppAdapter always persists to the inbox (store-and-forward) and
// additionally fans the item out live to any connected realtime
// session, per the specification's dual delivery path for in_app.
type InAppAdapter struct {
	inbox       *store.InboxRepo
	broadcaster Broadcaster
}

func NewInAppAdapter(inbox *store.InboxRepo, broadcaster Broadcaster) *InAppAdapter {
	return &InAppAdapter{inbox: inbox, broadcaster: broadcaster}
}

func (a *InAppAdapter) Channel() model.Channel { return model.ChannelInApp }

func (a *InAppAdapter) Capabilities() Capabilities {
	return Capabilities{MaxBatchSize: 1} // never batches, per §4.2
}

func (a *InAppAdapter) Send(_ context.Context, jobs []*model.DeliveryJob) []Result {
	results := make([]Result, len(jobs))
	for i, job := range jobs {
		results[i] = a.sendOne(job)
	}
	return results
}

func (a *InAppAdapter) sendOne(job *model.DeliveryJob) Result {
	payload := job.Payload.InApp
	if payload == nil {
		return Result{JobID: job.ID, Err: errs.New(errs.InvalidInput, "job has no in_app payload")}
	}

	item := &model.InboxItem{
		ID:             uuid.NewString(),
		UserID:         job.UserID,
		NotificationID: job.NotificationID,
		Type:           payload.Type,
		Title:          payload.Title,
		Body:           payload.Body,
		ActionURL:      payload.ActionURL,
		Icon:           payload.Icon,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      job.ExpiresAt,
	}

	if err := a.inbox.Insert(item); err != nil {
		return Result{JobID: job.ID, Err: errs.Wrap(errs.Transient, err, "inbox persist failed")}
	}

	a.broadcaster.Publish(job.UserID, item)
	return Result{JobID: job.ID, ProviderMessageID: item.ID}
}
