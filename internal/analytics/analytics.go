// Package analytics is the notification analytics log: a side channel
// off the delivery pipeline that records every delivery-affecting
// event (sent, delivered, bounced, opened, clicked, dismissed, failed,
// suppressed) and surfaces it back as aggregate Stats, grounded on
// kolajAi/internal/notifications/manager.go's trackEvent and
// GetNotificationStats - generalized from a manager method pair backed
// directly by *sql.DB into its own package backed by store.AnalyticsRepo.
package analytics

import (
	"time"

	"github.com/google/uuid"

	"notifyhub/internal/corelog"
	"notifyhub/internal/model"
	"notifyhub/internal/store"
)

// Recorder appends analytics events. The engine and orchestrator hold
// one and call Record after every attempt outcome; a failure to record
// is logged, never propagated, since analytics is a reporting
// concern and must not affect delivery.
type Recorder struct {
	repo *store.AnalyticsRepo
	log  *corelog.Logger
}

func NewRecorder(repo *store.AnalyticsRepo) *Recorder {
	return &Recorder{repo: repo, log: corelog.Default().With("component", "analytics")}
}

// Record logs one event. notifType is the notification's logical type
// (e.g. "job_alert"), used for the by-type breakdown in Stats.
func (rec *Recorder) Record(notificationID, jobID string, channel model.Channel, notifType, event string) {
	e := &model.AnalyticsEvent{
		ID:             uuid.NewString(),
		NotificationID: notificationID,
		JobID:          jobID,
		Channel:        channel,
		Type:           notifType,
		Event:          event,
		OccurredAt:     time.Now().UTC(),
	}
	if err := rec.repo.Record(e); err != nil {
		rec.log.Error("record analytics event %s/%s: %v", notificationID, event, err)
	}
}

// Window bounds a Stats query; Start/End are a half-open [Start, End)
// range over occurred_at.
type Window struct {
	Start time.Time
	End   time.Time
}

// Filter narrows Stats to one channel; the zero value matches every
// channel.
type Filter struct {
	Channel model.Channel
}

// Stats is the aggregate report for one window/filter: counts plus the
// derived rates the teacher's GetNotificationStats computes.
type Stats struct {
	TotalSent      int
	TotalDelivered int
	TotalFailed    int
	TotalOpened    int
	TotalClicked   int
	ByChannel      map[model.Channel]int
	ByType         map[string]int
	DeliveryRate   float64
	OpenRate       float64
	ClickRate      float64
}

// Reporter surfaces Stats over the recorded log.
type Reporter struct {
	repo *store.AnalyticsRepo
}

func NewReporter(repo *store.AnalyticsRepo) *Reporter {
	return &Reporter{repo: repo}
}

func (rp *Reporter) Stats(window Window, filter Filter) (*Stats, error) {
	counts, err := rp.repo.CountWindow(window.Start, window.End, filter.Channel)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		TotalSent:      counts.TotalSent,
		TotalDelivered: counts.TotalDelivered,
		TotalFailed:    counts.TotalFailed,
		TotalOpened:    counts.TotalOpened,
		TotalClicked:   counts.TotalClicked,
		ByChannel:      counts.ByChannel,
		ByType:         counts.ByType,
	}
	if stats.TotalSent > 0 {
		stats.DeliveryRate = float64(stats.TotalDelivered) / float64(stats.TotalSent)
		stats.OpenRate = float64(stats.TotalOpened) / float64(stats.TotalSent)
		stats.ClickRate = float64(stats.TotalClicked) / float64(stats.TotalSent)
	}
	return stats, nil
}
