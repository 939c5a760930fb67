package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"notifyhub/internal/model"
)

// NotificationRepo persists the logical notification requests that
// DeliveryJobs fan out from.
type NotificationRepo struct {
	db *sql.DB
}

func NewNotificationRepo(s *Store) *NotificationRepo {
	return &NotificationRepo{db: s.DB}
}

func (r *NotificationRepo) Insert(n *model.Notification) error {
	userIDs, err := json.Marshal(n.UserIDs)
	if err != nil {
		return fmt.Errorf("store: marshal user_ids: %w", err)
	}
	channels, err := json.Marshal(n.Channels)
	if err != nil {
		return fmt.Errorf("store: marshal channels: %w", err)
	}
	vars, err := json.Marshal(n.Variables)
	if err != nil {
		return fmt.Errorf("store: marshal variables: %w", err)
	}
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}

	_, err = r.db.Exec(`INSERT INTO notifications
		(id, type, priority, template_id, subject, body, user_ids_json, channels_json,
		 variables_json, metadata_json, scheduled_for, expires_at, persistent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Type, string(n.Priority), n.TemplateID, n.Subject, n.Body,
		string(userIDs), string(channels), string(vars), string(meta),
		n.ScheduledFor, n.ExpiresAt, n.Persistent, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert notification %s: %w", n.ID, err)
	}
	return nil
}

func (r *NotificationRepo) Get(id string) (*model.Notification, error) {
	row := r.db.QueryRow(`SELECT id, type, priority, template_id, subject, body,
		user_ids_json, channels_json, variables_json, metadata_json,
		scheduled_for, expires_at, persistent, created_at
		FROM notifications WHERE id = ?`, id)

	var n model.Notification
	var priority string
	var userIDsJSON, channelsJSON, varsJSON, metaJSON sql.NullString
	if err := row.Scan(&n.ID, &n.Type, &priority, &n.TemplateID, &n.Subject, &n.Body,
		&userIDsJSON, &channelsJSON, &varsJSON, &metaJSON,
		&n.ScheduledFor, &n.ExpiresAt, &n.Persistent, &n.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get notification %s: %w", id, err)
	}
	n.Priority = model.Priority(priority)
	if userIDsJSON.Valid && userIDsJSON.String != "" {
		_ = json.Unmarshal([]byte(userIDsJSON.String), &n.UserIDs)
	}
	if channelsJSON.Valid && channelsJSON.String != "" {
		_ = json.Unmarshal([]byte(channelsJSON.String), &n.Channels)
	}
	if varsJSON.Valid && varsJSON.String != "" {
		_ = json.Unmarshal([]byte(varsJSON.String), &n.Variables)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &n.Metadata)
	}
	return &n, nil
}
