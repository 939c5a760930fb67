package store

import (
	"database/sql"
	"fmt"
	"time"

	"notifyhub/internal/model"
)

// DeviceTokenRepo is the push registry: it lets the push adapter
// expand a bare user_id into every active device it owns when the
// caller did not supply an explicit token set.
type DeviceTokenRepo struct {
	db      *sql.DB
	dialect string
}

func NewDeviceTokenRepo(s *Store) *DeviceTokenRepo {
	return &DeviceTokenRepo{db: s.DB, dialect: s.Dialect}
}

func (r *DeviceTokenRepo) Register(t *model.DeviceToken) error {
	var err error
	if r.dialect == "mysql" {
		_, err = r.db.Exec(`INSERT INTO device_tokens (user_id, token, platform, active, last_used)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE platform=VALUES(platform), active=VALUES(active), last_used=VALUES(last_used)`,
			t.UserID, t.Token, string(t.Platform), t.Active, t.LastUsed)
	} else {
		_, err = r.db.Exec(`INSERT INTO device_tokens (user_id, token, platform, active, last_used)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id, token) DO UPDATE SET platform=excluded.platform,
			active=excluded.active, last_used=excluded.last_used`,
			t.UserID, t.Token, string(t.Platform), t.Active, t.LastUsed)
	}
	if err != nil {
		return fmt.Errorf("store: register device token for %s: %w", t.UserID, err)
	}
	return nil
}

func (r *DeviceTokenRepo) Deactivate(userID, token string) error {
	_, err := r.db.Exec(`UPDATE device_tokens SET active = 0 WHERE user_id = ? AND token = ?`, userID, token)
	if err != nil {
		return fmt.Errorf("store: deactivate token for %s: %w", userID, err)
	}
	return nil
}

// Purge deactivates every device token whose last_used is older than
// dormantSince, per the dormant->purge-eligible invariant: a token
// nobody has pushed to in 30+ days is assumed stale rather than
// deleted outright, so a late-arriving push still finds a row to
// reactivate on next Register instead of re-registering from scratch.
func (r *DeviceTokenRepo) Purge(dormantSince time.Time) (int64, error) {
	res, err := r.db.Exec(`UPDATE device_tokens SET active = 0 WHERE active = 1 AND last_used <= ?`, dormantSince)
	if err != nil {
		return 0, fmt.Errorf("store: purge dormant device tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ActiveTokens returns every active device token for a user, used to
// expand a push job addressed by user_id alone.
func (r *DeviceTokenRepo) ActiveTokens(userID string) ([]*model.DeviceToken, error) {
	rows, err := r.db.Query(`SELECT user_id, token, platform, active, last_used
		FROM device_tokens WHERE user_id = ? AND active = 1`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: active tokens for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*model.DeviceToken
	for rows.Next() {
		t := &model.DeviceToken{}
		var platform string
		if err := rows.Scan(&t.UserID, &t.Token, &platform, &t.Active, &t.LastUsed); err != nil {
			return nil, fmt.Errorf("store: scan device token: %w", err)
		}
		t.Platform = model.Platform(platform)
		out = append(out, t)
	}
	return out, rows.Err()
}
