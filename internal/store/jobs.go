package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"notifyhub/internal/model"
)

// DeliveryJobRepo persists DeliveryJobs and implements the claim/renew
// protocol the engine uses to hand work to worker pools without two
// workers ever owning the same job: a claim is a conditional UPDATE
// that only succeeds while the row is still pending or its visibility
// has expired, mirroring the CAS-based writes the spec's race-safety
// note asks for on the delivery log.
type DeliveryJobRepo struct {
	db *sql.DB
}

func NewDeliveryJobRepo(s *Store) *DeliveryJobRepo {
	return &DeliveryJobRepo{db: s.DB}
}

func (r *DeliveryJobRepo) Insert(j *model.DeliveryJob) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal payload: %w", err)
	}
	_, err = r.db.Exec(`INSERT INTO delivery_jobs
		(id, notification_id, user_id, channel, type, priority, payload_json, attempts,
		 max_attempts, not_before, state, visible_until, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.NotificationID, j.UserID, string(j.Channel), j.Type, string(j.Priority),
		string(payload), j.Attempts, j.MaxAttempts, j.NotBefore, string(j.State),
		j.VisibleUntil, j.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: insert job %s: %w", j.ID, err)
	}
	return nil
}

// ClaimBatch atomically moves up to `limit` eligible jobs for
// (channel, priority) into in_flight, setting their visibility
// deadline, and returns the claimed rows. Eligible means: pending and
// due (not_before <= now), or in_flight with an expired visibility
// deadline (a prior worker died mid-delivery).
func (r *DeliveryJobRepo) ClaimBatch(channel model.Channel, priority model.Priority, limit int, now time.Time, visibleFor time.Duration) ([]*model.DeliveryJob, error) {
	rows, err := r.db.Query(`SELECT id FROM delivery_jobs
		WHERE channel = ? AND priority = ?
		  AND ((state = 'pending' AND not_before <= ?) OR (state = 'in_flight' AND visible_until <= ?))
		ORDER BY not_before ASC LIMIT ?`,
		string(channel), string(priority), now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: select claimable jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan claimable id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	visibleUntil := now.Add(visibleFor)
	var claimed []*model.DeliveryJob
	for _, id := range ids {
		res, err := r.db.Exec(`UPDATE delivery_jobs SET state = 'in_flight', visible_until = ?
			WHERE id = ? AND (state = 'pending' OR (state = 'in_flight' AND visible_until <= ?))`,
			visibleUntil, id, now)
		if err != nil {
			return nil, fmt.Errorf("store: claim job %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue // another worker claimed it first
		}
		job, err := r.Get(id)
		if err != nil || job == nil {
			continue
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (r *DeliveryJobRepo) Get(id string) (*model.DeliveryJob, error) {
	row := r.db.QueryRow(`SELECT id, notification_id, user_id, channel, type, priority, payload_json,
		attempts, max_attempts, not_before, state, visible_until, expires_at
		FROM delivery_jobs WHERE id = ?`, id)

	var j model.DeliveryJob
	var channel, priority, state string
	var notifType sql.NullString
	var payloadJSON string
	if err := row.Scan(&j.ID, &j.NotificationID, &j.UserID, &channel, &notifType, &priority, &payloadJSON,
		&j.Attempts, &j.MaxAttempts, &j.NotBefore, &state, &j.VisibleUntil, &j.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get job %s: %w", id, err)
	}
	j.Channel = model.Channel(channel)
	j.Type = notifType.String
	j.Priority = model.Priority(priority)
	j.State = model.JobState(state)
	if err := json.Unmarshal([]byte(payloadJSON), &j.Payload); err != nil {
		return nil, fmt.Errorf("store: unmarshal payload for job %s: %w", id, err)
	}
	return &j, nil
}

// MarkSucceeded transitions a job to its terminal success state.
func (r *DeliveryJobRepo) MarkSucceeded(id string) error {
	_, err := r.db.Exec(`UPDATE delivery_jobs SET state = 'succeeded', visible_until = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: mark succeeded %s: %w", id, err)
	}
	return nil
}

// Reschedule bumps the attempt counter, records the new not_before for
// a retry, and returns the job to pending.
func (r *DeliveryJobRepo) Reschedule(id string, attempts int, notBefore time.Time) error {
	_, err := r.db.Exec(`UPDATE delivery_jobs SET state = 'pending', attempts = ?,
		not_before = ?, visible_until = NULL WHERE id = ?`, attempts, notBefore, id)
	if err != nil {
		return fmt.Errorf("store: reschedule job %s: %w", id, err)
	}
	return nil
}

// MarkDeadLettered transitions a job to its terminal failure state.
func (r *DeliveryJobRepo) MarkDeadLettered(id string, attempts int) error {
	_, err := r.db.Exec(`UPDATE delivery_jobs SET state = 'dead_lettered', attempts = ?,
		visible_until = NULL WHERE id = ?`, attempts, id)
	if err != nil {
		return fmt.Errorf("store: mark dead-lettered %s: %w", id, err)
	}
	return nil
}

// MarkExpired transitions a job whose expires_at has passed before it
// was ever dispatched.
func (r *DeliveryJobRepo) MarkExpired(id string) error {
	_, err := r.db.Exec(`UPDATE delivery_jobs SET state = 'expired', visible_until = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: mark expired %s: %w", id, err)
	}
	return nil
}

// ExpireOverdue sweeps pending/in_flight jobs whose expires_at has
// passed, in one statement, for the periodic reaper.
func (r *DeliveryJobRepo) ExpireOverdue(now time.Time) (int64, error) {
	res, err := r.db.Exec(`UPDATE delivery_jobs SET state = 'expired', visible_until = NULL
		WHERE state IN ('pending', 'in_flight') AND expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("store: expire overdue jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListByNotification returns every per-channel job a notification fanned
// out to, the set a status query rolls up into one aggregate view.
func (r *DeliveryJobRepo) ListByNotification(notificationID string) ([]*model.DeliveryJob, error) {
	rows, err := r.db.Query(`SELECT id, notification_id, user_id, channel, type, priority, payload_json,
		attempts, max_attempts, not_before, state, visible_until, expires_at
		FROM delivery_jobs WHERE notification_id = ?`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs for notification %s: %w", notificationID, err)
	}
	defer rows.Close()

	var out []*model.DeliveryJob
	for rows.Next() {
		var j model.DeliveryJob
		var channel, priority, state string
		var notifType sql.NullString
		var payloadJSON string
		if err := rows.Scan(&j.ID, &j.NotificationID, &j.UserID, &channel, &notifType, &priority, &payloadJSON,
			&j.Attempts, &j.MaxAttempts, &j.NotBefore, &state, &j.VisibleUntil, &j.ExpiresAt); err != nil {
			return nil, fmt.Errorf("store: scan job for notification %s: %w", notificationID, err)
		}
		j.Channel = model.Channel(channel)
		j.Type = notifType.String
		j.Priority = model.Priority(priority)
		j.State = model.JobState(state)
		if err := json.Unmarshal([]byte(payloadJSON), &j.Payload); err != nil {
			return nil, fmt.Errorf("store: unmarshal payload for job %s: %w", j.ID, err)
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

func (r *DeliveryJobRepo) Cancel(notificationID string) (int64, error) {
	res, err := r.db.Exec(`UPDATE delivery_jobs SET state = 'expired', visible_until = NULL
		WHERE notification_id = ? AND state IN ('pending', 'in_flight')`, notificationID)
	if err != nil {
		return 0, fmt.Errorf("store: cancel notification %s: %w", notificationID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
