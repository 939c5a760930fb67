// Package realtime is the in-app session registry: a gorilla/websocket
// hub that fans out live notification events to connected clients,
// adapted from kolajAi/internal/services/websocket_service.go and
// generalized from that file's multi-purpose chat/order/typing message
// types down to the named event vocabulary this domain's realtime
// interface specifies.
//
// Per the specification's composition-root redesign note, there is no
// package-level singleton: the Hub is constructed once by the caller
// and handed explicitly to whatever needs to publish to it (the in_app
// channel adapter) or register connections with it (the HTTP upgrade
// handler). Session bookkeeping is a single authoritative table
// (sessions keyed by session ID) with an atomic user->sessions index,
// instead of the teacher's ad-hoc per-field linear scans.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"notifyhub/internal/corelog"
	"notifyhub/internal/model"
	"notifyhub/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Session is one live, authenticated WebSocket connection.
type Session struct {
	ID       string
	UserID   string
	conn     *websocket.Conn
	send     chan []byte
	lastSeen time.Time
}

// Hub is the authoritative session table plus its user->sessions index.
// It also owns the inbox repo, since several client events
// (notification_read, mark_all_read, get_notifications, ...) mutate or
// query the inbox directly rather than through the in_app adapter.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session        // session ID -> Session
	byUser   map[string]map[string]bool // user ID -> set of session IDs

	inbox       *store.InboxRepo
	idleTimeout time.Duration
	backlog     int
	log         *corelog.Logger
}

func NewHub(idleTimeout time.Duration, backlog int, inbox *store.InboxRepo) *Hub {
	return &Hub{
		sessions:    make(map[string]*Session),
		byUser:      make(map[string]map[string]bool),
		inbox:       inbox,
		idleTimeout: idleTimeout,
		backlog:     backlog,
		log:         corelog.Default().With("component", "realtime"),
	}
}

// Register adds an already-authenticated connection to the table and
// starts its read/write pumps. Ownership of conn passes to the Hub.
func (h *Hub) Register(userID string, conn *websocket.Conn) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		conn:     conn,
		send:     make(chan []byte, 64),
		lastSeen: time.Now(),
	}

	h.mu.Lock()
	h.sessions[s.ID] = s
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[string]bool)
	}
	h.byUser[userID][s.ID] = true
	h.mu.Unlock()

	go h.writePump(s)
	go h.readPump(s)
	return s
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	delete(h.sessions, s.ID)
	if ids := h.byUser[s.UserID]; ids != nil {
		delete(ids, s.ID)
		if len(ids) == 0 {
			delete(h.byUser, s.UserID)
		}
	}
	close(s.send)
}

// Publish fans a notification event out to every live session for
// userID, satisfying channels.Broadcaster. Reports whether at least one
// session was actually connected.
func (h *Hub) Publish(userID string, item *model.InboxItem) bool {
	event := Event{Type: "notification", Item: item, Timestamp: time.Now().UTC()}
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Error("marshal realtime event: %v", err)
		return false
	}

	h.mu.RLock()
	ids := h.byUser[userID]
	sessions := make([]*Session, 0, len(ids))
	for id := range ids {
		sessions = append(sessions, h.sessions[id])
	}
	h.mu.RUnlock()

	delivered := false
	for _, s := range sessions {
		select {
		case s.send <- payload:
			delivered = true
		default:
			h.unregister(s)
		}
	}
	return delivered
}

// IsOnline reports whether userID has at least one live session.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// ReapIdle closes sessions that have not produced a pong within the
// hub's idle timeout.
func (h *Hub) ReapIdle() {
	cutoff := time.Now().Add(-h.idleTimeout)
	h.mu.RLock()
	var stale []*Session
	for _, s := range h.sessions {
		if s.lastSeen.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		s.conn.Close()
	}
}

// SendAuthenticated acks a freshly registered session's authenticate
// event and replays its reconnect backlog, the bounded set of unread
// items a client recovers state from on reconnect.
func (h *Hub) SendAuthenticated(s *Session) {
	h.emit(s, Event{Type: "authenticated"})
	h.replayBacklog(s)
}

func (h *Hub) replayBacklog(s *Session) {
	if h.inbox == nil {
		return
	}
	items, err := h.inbox.Unread(s.UserID, h.backlog)
	if err != nil {
		h.log.Warn("backlog lookup failed for %s: %v", s.UserID, err)
		return
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 { // oldest first
		items[i], items[j] = items[j], items[i]
	}
	h.emit(s, Event{Type: "pending_notifications", Items: items})
}

func (h *Hub) emit(s *Session, ev Event) {
	ev.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshal realtime event: %v", err)
		return
	}
	select {
	case s.send <- payload:
	default:
		h.unregister(s)
	}
}

func (h *Hub) readPump(s *Session) {
	defer func() {
		h.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.lastSeen = time.Now()
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		s.lastSeen = time.Now()

		var msg clientEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.emit(s, Event{Type: "error", Message: "invalid event payload"})
			continue
		}
		h.handleClientEvent(s, msg)
	}
}

// handleClientEvent dispatches one parsed inbound frame. activity is a
// no-op beyond the lastSeen bump readPump already applied to every
// frame; every other type either mutates the inbox or queries it.
// notification_read, get_notifications and mark_all_read answer over
// the same session; notification_clicked and notification_dismissed
// emit nothing unless the inbox write fails.
func (h *Hub) handleClientEvent(s *Session, msg clientEvent) {
	now := time.Now().UTC()
	switch msg.Type {
	case "activity":
		return
	case "notification_read":
		if !h.inboxReady(s) {
			return
		}
		if err := h.inbox.MarkRead(msg.ID, now); err != nil {
			h.emit(s, Event{Type: "error", Message: err.Error()})
			return
		}
		h.emit(s, Event{Type: "notification_read", ID: msg.ID})
	case "notification_clicked":
		if !h.inboxReady(s) {
			return
		}
		if err := h.inbox.TrackClick(msg.ID, now); err != nil {
			h.emit(s, Event{Type: "error", Message: err.Error()})
		}
	case "notification_dismissed":
		if !h.inboxReady(s) {
			return
		}
		if err := h.inbox.Dismiss(msg.ID, now); err != nil {
			h.emit(s, Event{Type: "error", Message: err.Error()})
		}
	case "get_notifications":
		if !h.inboxReady(s) {
			return
		}
		items, _, unreadCount, err := h.inbox.List(s.UserID, msg.Page, msg.Limit, msg.UnreadOnly)
		if err != nil {
			h.emit(s, Event{Type: "error", Message: err.Error()})
			return
		}
		h.emit(s, Event{Type: "pending_notifications", Items: items})
		h.emit(s, Event{Type: "unread_count", Count: unreadCount})
	case "mark_all_read":
		if !h.inboxReady(s) {
			return
		}
		if _, err := h.inbox.MarkAllRead(s.UserID, now); err != nil {
			h.emit(s, Event{Type: "error", Message: err.Error()})
			return
		}
		h.emit(s, Event{Type: "notifications_all_read"})
		h.emit(s, Event{Type: "unread_count", Count: 0})
	default:
		h.emit(s, Event{Type: "error", Message: "unrecognized event: " + msg.Type})
	}
}

func (h *Hub) inboxReady(s *Session) bool {
	if h.inbox != nil {
		return true
	}
	h.emit(s, Event{Type: "error", Message: "inbox unavailable"})
	return false
}

func (h *Hub) writePump(s *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
