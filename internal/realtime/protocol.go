package realtime

import (
	"time"

	"notifyhub/internal/model"
)

// clientEvent is the shape of every inbound message a session can send,
// per the realtime interface's client->server vocabulary: authenticate,
// activity, notification_read, notification_clicked,
// notification_dismissed, get_notifications, mark_all_read. Fields that
// don't apply to a given Type are simply left zero.
type clientEvent struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	ID         string `json:"id,omitempty"`
	Page       int    `json:"page,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	UnreadOnly bool   `json:"unread_only,omitempty"`
}

// Event is the shape of every outbound message the hub sends, per the
// realtime interface's server->client vocabulary: authenticated,
// pending_notifications, notification, unread_count, notification_read,
// notifications_all_read, error.
type Event struct {
	Type      string             `json:"type"`
	Item      *model.InboxItem   `json:"item,omitempty"`
	Items     []*model.InboxItem `json:"items,omitempty"`
	ID        string             `json:"id,omitempty"`
	Count     int                `json:"count,omitempty"`
	Message   string             `json:"message,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}
