package store

import (
	"testing"
	"time"

	"notifyhub/internal/model"
)

func TestStatusRepo_SucceededWhenEveryChannelDelivered(t *testing.T) {
	s := newTestStore(t)
	jobs := NewDeliveryJobRepo(s)
	attempts := NewDeliveryAttemptRepo(s)
	status := NewStatusRepo(jobs, attempts)

	emailJob := newTestJob("job-email")
	emailJob.Channel = model.ChannelEmail
	emailJob.State = model.JobSucceeded
	inAppJob := newTestJob("job-inapp")
	inAppJob.Channel = model.ChannelInApp
	inAppJob.State = model.JobSucceeded
	if err := jobs.Insert(emailJob); err != nil {
		t.Fatalf("insert email job: %v", err)
	}
	if err := jobs.Insert(inAppJob); err != nil {
		t.Fatalf("insert in_app job: %v", err)
	}

	for _, j := range []*model.DeliveryJob{emailJob, inAppJob} {
		if err := attempts.Append(&model.DeliveryAttempt{
			ID: "attempt-" + j.ID, NotificationID: j.NotificationID, JobID: j.ID,
			Channel: j.Channel, Status: model.AttemptDelivered, AttemptedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("append attempt for %s: %v", j.ID, err)
		}
	}

	got, err := status.Get("notif-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Aggregate != "succeeded" {
		t.Fatalf("expected succeeded, got %q", got.Aggregate)
	}
	if len(got.Channels) != 2 {
		t.Fatalf("expected 2 channel statuses, got %d", len(got.Channels))
	}
}

func TestStatusRepo_FailedWhenNoChannelDelivered(t *testing.T) {
	s := newTestStore(t)
	jobs := NewDeliveryJobRepo(s)
	attempts := NewDeliveryAttemptRepo(s)
	status := NewStatusRepo(jobs, attempts)

	job := newTestJob("job-1")
	job.State = model.JobDeadLettered
	if err := jobs.Insert(job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if err := attempts.Append(&model.DeliveryAttempt{
		ID: "attempt-1", NotificationID: job.NotificationID, JobID: job.ID,
		Channel: job.Channel, Status: model.AttemptFailed, AttemptedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("append attempt: %v", err)
	}

	got, err := status.Get("notif-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Aggregate != "failed" {
		t.Fatalf("expected failed when no channel ever delivered, got %q", got.Aggregate)
	}
}

func TestStatusRepo_PartialWhenSomeChannelsDeliverAndOthersDont(t *testing.T) {
	s := newTestStore(t)
	jobs := NewDeliveryJobRepo(s)
	attempts := NewDeliveryAttemptRepo(s)
	status := NewStatusRepo(jobs, attempts)

	deliveredJob := newTestJob("job-delivered")
	deliveredJob.Channel = model.ChannelEmail
	deliveredJob.State = model.JobSucceeded
	failedJob := newTestJob("job-failed")
	failedJob.Channel = model.ChannelSMS
	failedJob.State = model.JobDeadLettered
	if err := jobs.Insert(deliveredJob); err != nil {
		t.Fatalf("insert delivered job: %v", err)
	}
	if err := jobs.Insert(failedJob); err != nil {
		t.Fatalf("insert failed job: %v", err)
	}
	if err := attempts.Append(&model.DeliveryAttempt{
		ID: "attempt-delivered", NotificationID: deliveredJob.NotificationID, JobID: deliveredJob.ID,
		Channel: deliveredJob.Channel, Status: model.AttemptDelivered, AttemptedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("append delivered attempt: %v", err)
	}
	if err := attempts.Append(&model.DeliveryAttempt{
		ID: "attempt-failed", NotificationID: failedJob.NotificationID, JobID: failedJob.ID,
		Channel: failedJob.Channel, Status: model.AttemptFailed, AttemptedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("append failed attempt: %v", err)
	}

	got, err := status.Get("notif-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Aggregate != "partial" {
		t.Fatalf("expected partial when one channel delivered and one didn't, got %q", got.Aggregate)
	}
}

func TestStatusRepo_PendingWhileAnyJobStillInFlight(t *testing.T) {
	s := newTestStore(t)
	jobs := NewDeliveryJobRepo(s)
	attempts := NewDeliveryAttemptRepo(s)
	status := NewStatusRepo(jobs, attempts)

	job := newTestJob("job-1")
	job.State = model.JobInFlight
	if err := jobs.Insert(job); err != nil {
		t.Fatalf("insert job: %v", err)
	}

	got, err := status.Get("notif-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Aggregate != "pending" {
		t.Fatalf("expected pending while the job is still in flight, got %q", got.Aggregate)
	}
}

func TestStatusRepo_UnknownNotificationReturnsNil(t *testing.T) {
	s := newTestStore(t)
	status := NewStatusRepo(NewDeliveryJobRepo(s), NewDeliveryAttemptRepo(s))

	got, err := status.Get("never-seen")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for an unknown notification, got %+v", got)
	}
}
