package store

import (
	"database/sql"
	"fmt"

	"notifyhub/internal/model"
)

// DeliveryAttemptRepo is the append-only log of §3: every write is an
// insert, never an update, and the (job_id, attempt_index, status,
// token) unique constraint makes a duplicate provider callback a no-op
// instead of a second row. The token column is only non-empty for
// per-token push outcomes; every other channel addresses a single
// recipient per job and leaves it blank.
type DeliveryAttemptRepo struct {
	db *sql.DB
}

func NewDeliveryAttemptRepo(s *Store) *DeliveryAttemptRepo {
	return &DeliveryAttemptRepo{db: s.DB}
}

func (r *DeliveryAttemptRepo) Append(a *model.DeliveryAttempt) error {
	_, err := r.db.Exec(`INSERT INTO delivery_attempts
		(id, notification_id, job_id, channel, attempt_index, status,
		 provider_message_id, error_kind, error_message, token, attempted_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.NotificationID, a.JobID, string(a.Channel), a.AttemptIndex, string(a.Status),
		a.ProviderMessageID, a.ErrorKind, a.ErrorMessage, a.Token, a.AttemptedAt, a.SettledAt)
	if err != nil {
		if isDuplicateErr(err) {
			return nil // idempotent re-application of the same callback
		}
		return fmt.Errorf("store: append attempt %s: %w", a.ID, err)
	}
	return nil
}

// LatestStatus returns the status of the most recent attempt row
// recorded for a job (highest attempt_index, then latest attempted_at),
// used to validate the monotone transition before appending a new row.
func (r *DeliveryAttemptRepo) LatestStatus(jobID string) (model.AttemptStatus, error) {
	var status string
	err := r.db.QueryRow(`SELECT status FROM delivery_attempts WHERE job_id = ?
		ORDER BY attempt_index DESC, attempted_at DESC LIMIT 1`, jobID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: latest status for job %s: %w", jobID, err)
	}
	return model.AttemptStatus(status), nil
}

// FindLatestByProviderMessageID looks up the attempt row a provider's
// webhook callback refers back to, so the callback can be resolved to
// a job/notification/channel without the provider needing to echo any
// of our own IDs. Returns sql.ErrNoRows if the provider message ID was
// never recorded (a callback for a send this instance didn't make, or
// one that raced ahead of the outbound attempt's own write).
func (r *DeliveryAttemptRepo) FindLatestByProviderMessageID(providerMessageID string) (*model.DeliveryAttempt, error) {
	row := r.db.QueryRow(`SELECT id, notification_id, job_id, channel, attempt_index, status,
		provider_message_id, error_kind, error_message, token, attempted_at, settled_at
		FROM delivery_attempts WHERE provider_message_id = ?
		ORDER BY attempt_index DESC, attempted_at DESC LIMIT 1`, providerMessageID)

	a := &model.DeliveryAttempt{}
	var channel, status string
	var providerID, errKind, errMsg, token sql.NullString
	var settledAt sql.NullTime
	if err := row.Scan(&a.ID, &a.NotificationID, &a.JobID, &channel, &a.AttemptIndex, &status,
		&providerID, &errKind, &errMsg, &token, &a.AttemptedAt, &settledAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("store: find attempt by provider message id %s: %w", providerMessageID, err)
	}
	a.Channel = model.Channel(channel)
	a.Status = model.AttemptStatus(status)
	a.ProviderMessageID = providerID.String
	a.ErrorKind = errKind.String
	a.ErrorMessage = errMsg.String
	a.Token = token.String
	if settledAt.Valid {
		t := settledAt.Time
		a.SettledAt = &t
	}
	return a, nil
}

func (r *DeliveryAttemptRepo) ListByNotification(notificationID string) ([]*model.DeliveryAttempt, error) {
	rows, err := r.db.Query(`SELECT id, notification_id, job_id, channel, attempt_index, status,
		provider_message_id, error_kind, error_message, token, attempted_at, settled_at
		FROM delivery_attempts WHERE notification_id = ? ORDER BY attempted_at ASC`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("store: list attempts for %s: %w", notificationID, err)
	}
	defer rows.Close()

	var out []*model.DeliveryAttempt
	for rows.Next() {
		a := &model.DeliveryAttempt{}
		var channel, status string
		var providerID, errKind, errMsg, token sql.NullString
		var settledAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.NotificationID, &a.JobID, &channel, &a.AttemptIndex, &status,
			&providerID, &errKind, &errMsg, &token, &a.AttemptedAt, &settledAt); err != nil {
			return nil, fmt.Errorf("store: scan attempt: %w", err)
		}
		a.Channel = model.Channel(channel)
		a.Status = model.AttemptStatus(status)
		a.ProviderMessageID = providerID.String
		a.ErrorKind = errKind.String
		a.ErrorMessage = errMsg.String
		a.Token = token.String
		if settledAt.Valid {
			t := settledAt.Time
			a.SettledAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "UNIQUE constraint") || contains(msg, "Duplicate entry")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
