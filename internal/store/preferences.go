package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"notifyhub/internal/model"
)

// UserPreferenceRepo persists per (user, channel) delivery preferences.
type UserPreferenceRepo struct {
	db      *sql.DB
	dialect string
}

func NewUserPreferenceRepo(s *Store) *UserPreferenceRepo {
	return &UserPreferenceRepo{db: s.DB, dialect: s.Dialect}
}

func (r *UserPreferenceRepo) Get(userID string, channel model.Channel) (*model.UserPreference, error) {
	row := r.db.QueryRow(`SELECT user_id, channel, enabled, opt_in, handle, type_overrides_json,
		quiet_hours_start, quiet_hours_end, timezone FROM user_preferences
		WHERE user_id = ? AND channel = ?`, userID, string(channel))

	var p model.UserPreference
	var chStr string
	var overridesJSON sql.NullString
	if err := row.Scan(&p.UserID, &chStr, &p.Enabled, &p.OptIn, &p.Handle, &overridesJSON,
		&p.QuietHoursStart, &p.QuietHoursEnd, &p.Timezone); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get preference %s/%s: %w", userID, channel, err)
	}
	p.Channel = model.Channel(chStr)
	if overridesJSON.Valid && overridesJSON.String != "" {
		_ = json.Unmarshal([]byte(overridesJSON.String), &p.TypeOverrides)
	}
	return &p, nil
}

func (r *UserPreferenceRepo) Upsert(p *model.UserPreference) error {
	overrides, err := json.Marshal(p.TypeOverrides)
	if err != nil {
		return fmt.Errorf("store: marshal overrides: %w", err)
	}

	if r.dialect == "mysql" {
		_, err = r.db.Exec(`INSERT INTO user_preferences
			(user_id, channel, enabled, opt_in, handle, type_overrides_json, quiet_hours_start, quiet_hours_end, timezone)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE enabled=VALUES(enabled), opt_in=VALUES(opt_in), handle=VALUES(handle),
			type_overrides_json=VALUES(type_overrides_json), quiet_hours_start=VALUES(quiet_hours_start),
			quiet_hours_end=VALUES(quiet_hours_end), timezone=VALUES(timezone)`,
			p.UserID, string(p.Channel), p.Enabled, p.OptIn, p.Handle, string(overrides),
			p.QuietHoursStart, p.QuietHoursEnd, p.Timezone)
	} else {
		_, err = r.db.Exec(`INSERT INTO user_preferences
			(user_id, channel, enabled, opt_in, handle, type_overrides_json, quiet_hours_start, quiet_hours_end, timezone)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, channel) DO UPDATE SET
			enabled=excluded.enabled, opt_in=excluded.opt_in, handle=excluded.handle,
			type_overrides_json=excluded.type_overrides_json, quiet_hours_start=excluded.quiet_hours_start,
			quiet_hours_end=excluded.quiet_hours_end, timezone=excluded.timezone`,
			p.UserID, string(p.Channel), p.Enabled, p.OptIn, p.Handle, string(overrides),
			p.QuietHoursStart, p.QuietHoursEnd, p.Timezone)
	}
	if err != nil {
		return fmt.Errorf("store: upsert preference %s/%s: %w", p.UserID, p.Channel, err)
	}
	return nil
}

// SuppressionRepo tracks users who have opted out of a channel
// entirely (as opposed to a per-type preference).
type SuppressionRepo struct {
	db *sql.DB
}

func NewSuppressionRepo(s *Store) *SuppressionRepo {
	return &SuppressionRepo{db: s.DB}
}

func (r *SuppressionRepo) IsSuppressed(userID string, channel model.Channel) (bool, error) {
	var reason string
	err := r.db.QueryRow(`SELECT reason FROM suppressions WHERE user_id = ? AND channel = ?`,
		userID, string(channel)).Scan(&reason)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: check suppression %s/%s: %w", userID, channel, err)
	}
	return true, nil
}

func (r *SuppressionRepo) Add(userID string, channel model.Channel, reason string) error {
	_, err := r.db.Exec(`INSERT INTO suppressions (user_id, channel, reason, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)`, userID, string(channel), reason)
	if err != nil {
		return fmt.Errorf("store: add suppression %s/%s: %w", userID, channel, err)
	}
	return nil
}

func (r *SuppressionRepo) Remove(userID string, channel model.Channel) error {
	_, err := r.db.Exec(`DELETE FROM suppressions WHERE user_id = ? AND channel = ?`, userID, string(channel))
	if err != nil {
		return fmt.Errorf("store: remove suppression %s/%s: %w", userID, channel, err)
	}
	return nil
}
