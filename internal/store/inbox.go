package store

import (
	"database/sql"
	"fmt"
	"time"

	"notifyhub/internal/model"
)

// InboxRepo persists in_app notifications for store-and-forward
// delivery to clients that are offline at fan-out time. There is no
// per-user cap (§9 Open Question decision): retention is governed
// entirely by expiry, swept periodically by Prune.
type InboxRepo struct {
	db *sql.DB
}

func NewInboxRepo(s *Store) *InboxRepo {
	return &InboxRepo{db: s.DB}
}

func (r *InboxRepo) Insert(item *model.InboxItem) error {
	_, err := r.db.Exec(`INSERT INTO inbox_items
		(id, user_id, notification_id, type, title, body, action_url, icon, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.UserID, item.NotificationID, item.Type, item.Title, item.Body,
		item.ActionURL, item.Icon, item.CreatedAt, item.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: insert inbox item %s: %w", item.ID, err)
	}
	return nil
}

// Unread returns a user's undismissed inbox items, newest first, up to
// limit - used both for the reconnect backlog and a polling inbox API.
func (r *InboxRepo) Unread(userID string, limit int) ([]*model.InboxItem, error) {
	rows, err := r.db.Query(`SELECT id, user_id, notification_id, type, title, body, action_url, icon,
		created_at, read_at, clicked_at, dismissed_at, expires_at
		FROM inbox_items WHERE user_id = ? AND dismissed_at IS NULL
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: unread inbox for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanInboxRows(rows)
}

// List returns one page of userID's inbox, newest first, alongside the
// total item count and the count still unread - the shape
// list(user,page,limit,unread_only) -> (items,total,unread_count) needs.
// page is 1-indexed; unreadOnly filters to items with no read_at.
func (r *InboxRepo) List(userID string, page, limit int, unreadOnly bool) (items []*model.InboxItem, total, unreadCount int, err error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}

	filter := ""
	if unreadOnly {
		filter = " AND read_at IS NULL"
	}

	if err = r.db.QueryRow(`SELECT COUNT(*) FROM inbox_items WHERE user_id = ?`+filter, userID).Scan(&total); err != nil {
		return nil, 0, 0, fmt.Errorf("store: count inbox for %s: %w", userID, err)
	}
	if err = r.db.QueryRow(`SELECT COUNT(*) FROM inbox_items WHERE user_id = ? AND read_at IS NULL`, userID).Scan(&unreadCount); err != nil {
		return nil, 0, 0, fmt.Errorf("store: count unread inbox for %s: %w", userID, err)
	}

	rows, err := r.db.Query(`SELECT id, user_id, notification_id, type, title, body, action_url, icon,
		created_at, read_at, clicked_at, dismissed_at, expires_at
		FROM inbox_items WHERE user_id = ?`+filter+`
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("store: list inbox for %s: %w", userID, err)
	}
	defer rows.Close()
	items, err = scanInboxRows(rows)
	if err != nil {
		return nil, 0, 0, err
	}
	return items, total, unreadCount, nil
}

func scanInboxRows(rows *sql.Rows) ([]*model.InboxItem, error) {
	var out []*model.InboxItem
	for rows.Next() {
		item := &model.InboxItem{}
		var readAt, clickedAt, dismissedAt sql.NullTime
		if err := rows.Scan(&item.ID, &item.UserID, &item.NotificationID, &item.Type, &item.Title,
			&item.Body, &item.ActionURL, &item.Icon, &item.CreatedAt, &readAt, &clickedAt, &dismissedAt, &item.ExpiresAt); err != nil {
			return nil, fmt.Errorf("store: scan inbox item: %w", err)
		}
		if readAt.Valid {
			t := readAt.Time
			item.ReadAt = &t
		}
		if clickedAt.Valid {
			t := clickedAt.Time
			item.ClickedAt = &t
		}
		if dismissedAt.Valid {
			t := dismissedAt.Time
			item.DismissedAt = &t
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *InboxRepo) MarkRead(id string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE inbox_items SET read_at = ? WHERE id = ? AND read_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("store: mark inbox item read %s: %w", id, err)
	}
	return nil
}

// MarkAllRead marks every one of userID's unread, undismissed items
// read as of at, returning how many rows it touched.
func (r *InboxRepo) MarkAllRead(userID string, at time.Time) (int64, error) {
	res, err := r.db.Exec(`UPDATE inbox_items SET read_at = ?
		WHERE user_id = ? AND read_at IS NULL AND dismissed_at IS NULL`, at, userID)
	if err != nil {
		return 0, fmt.Errorf("store: mark all read for %s: %w", userID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TrackClick records that a user clicked through an inbox item,
// implicitly marking it read the way a genuine click always would.
func (r *InboxRepo) TrackClick(id string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE inbox_items SET clicked_at = ?, read_at = COALESCE(read_at, ?)
		WHERE id = ? AND clicked_at IS NULL`, at, at, id)
	if err != nil {
		return fmt.Errorf("store: track click on inbox item %s: %w", id, err)
	}
	return nil
}

func (r *InboxRepo) Dismiss(id string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE inbox_items SET dismissed_at = ? WHERE id = ? AND dismissed_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("store: dismiss inbox item %s: %w", id, err)
	}
	return nil
}

// Prune deletes items past either their explicit expiry or the
// retention-days floor, independent of read/dismissed state.
func (r *InboxRepo) Prune(now time.Time, retentionDays int) (int64, error) {
	cutoff := now.AddDate(0, 0, -retentionDays)
	res, err := r.db.Exec(`DELETE FROM inbox_items WHERE created_at <= ? OR (expires_at IS NOT NULL AND expires_at <= ?)`,
		cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("store: prune inbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
