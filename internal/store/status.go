package store

import (
	"fmt"

	"notifyhub/internal/model"
)

// StatusRepo answers the aggregate-status query GET notifications/{id}/status
// backs (§7): per-channel job state plus the latest attempt
// status recorded against it, rolled up into one notification-wide
// Aggregate. It composes DeliveryJobRepo and DeliveryAttemptRepo rather
// than owning a table itself.
type StatusRepo struct {
	jobs     *DeliveryJobRepo
	attempts *DeliveryAttemptRepo
}

func NewStatusRepo(jobs *DeliveryJobRepo, attempts *DeliveryAttemptRepo) *StatusRepo {
	return &StatusRepo{jobs: jobs, attempts: attempts}
}

// Get computes notificationID's aggregate status. A channel whose job
// never logged an attempt (queued but not yet dequeued) reports an
// empty LastStatus rather than erroring.
func (r *StatusRepo) Get(notificationID string) (*model.NotificationStatus, error) {
	jobs, err := r.jobs.ListByNotification(notificationID)
	if err != nil {
		return nil, fmt.Errorf("store: status for %s: %w", notificationID, err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	status := &model.NotificationStatus{NotificationID: notificationID}
	allTerminal := true
	deliveredCount := 0

	for _, j := range jobs {
		last, err := r.attempts.LatestStatus(j.ID)
		if err != nil {
			return nil, fmt.Errorf("store: latest attempt status for job %s: %w", j.ID, err)
		}
		status.Channels = append(status.Channels, model.ChannelStatus{
			Channel:    j.Channel,
			JobState:   j.State,
			LastStatus: last,
		})
		if !j.State.Terminal() {
			allTerminal = false
		}
		if last == model.AttemptDelivered {
			deliveredCount++
		}
	}

	switch {
	case !allTerminal:
		status.Aggregate = "pending"
	case deliveredCount == len(jobs):
		status.Aggregate = "succeeded"
	case deliveredCount == 0:
		status.Aggregate = "failed"
	default:
		status.Aggregate = "partial"
	}
	return status, nil
}
