package store

import (
	"database/sql"
	"fmt"
	"time"

	"notifyhub/internal/model"
)

// AnalyticsRepo is the append-only event log backing Stats, kept
// separate from delivery_attempts (the engine's own retry bookkeeping)
// so reporting can be re-aggregated without touching delivery state.
type AnalyticsRepo struct {
	db *sql.DB
}

func NewAnalyticsRepo(s *Store) *AnalyticsRepo {
	return &AnalyticsRepo{db: s.DB}
}

func (r *AnalyticsRepo) Record(e *model.AnalyticsEvent) error {
	_, err := r.db.Exec(`INSERT INTO notification_analytics
		(id, notification_id, job_id, channel, type, event, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.NotificationID, e.JobID, string(e.Channel), e.Type, e.Event, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("store: record analytics event %s: %w", e.ID, err)
	}
	return nil
}

// WindowCounts is the raw count-by-event tally over [start, end),
// before Stats derives rates from it.
type WindowCounts struct {
	TotalSent       int
	TotalDelivered  int
	TotalFailed     int
	TotalOpened     int
	TotalClicked    int
	ByChannel       map[model.Channel]int
	ByType          map[string]int
}

// CountWindow tallies events in [start, end), optionally restricted to
// one channel (pass "" for every channel).
func (r *AnalyticsRepo) CountWindow(start, end time.Time, channel model.Channel) (*WindowCounts, error) {
	counts := &WindowCounts{ByChannel: make(map[model.Channel]int), ByType: make(map[string]int)}

	query := `SELECT event, channel, type FROM notification_analytics WHERE occurred_at >= ? AND occurred_at < ?`
	args := []interface{}{start, end}
	if channel != "" {
		query += ` AND channel = ?`
		args = append(args, string(channel))
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: count analytics window: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var event, ch string
		var notifType sql.NullString
		if err := rows.Scan(&event, &ch, &notifType); err != nil {
			return nil, fmt.Errorf("store: scan analytics row: %w", err)
		}
		counts.ByChannel[model.Channel(ch)]++
		if notifType.Valid && notifType.String != "" {
			counts.ByType[notifType.String]++
		}
		switch event {
		case "sent", "queued":
			counts.TotalSent++
		case "delivered":
			counts.TotalDelivered++
		case "failed", "bounced":
			counts.TotalFailed++
		case "opened":
			counts.TotalOpened++
		case "clicked":
			counts.TotalClicked++
		}
	}
	return counts, rows.Err()
}
