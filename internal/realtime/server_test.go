package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"notifyhub/internal/config"
	"notifyhub/internal/model"
	"notifyhub/internal/store"
)

func newTestInboxRepo(t *testing.T) *store.InboxRepo {
	t.Helper()
	path := "test_" + t.Name() + ".db"
	os.Remove(path)
	t.Cleanup(func() { os.Remove(path) })

	s, err := store.Open(config.StorageConfig{Driver: "sqlite3", SQLitePath: path})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.NewInboxRepo(s)
}

func dialIntoServer(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	httpServer := httptest.NewServer(http.HandlerFunc(srv.HandleUpgrade))
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal event %s: %v", raw, err)
	}
	return ev
}

func TestServer_AuthenticateHandshakeAcksAndReplaysBacklog(t *testing.T) {
	inbox := newTestInboxRepo(t)
	if err := inbox.Insert(&model.InboxItem{ID: "item-1", UserID: "user-1", Title: "hi", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("seed inbox item: %v", err)
	}

	hub := NewHub(time.Minute, 50, inbox)
	auth := NewAuthenticator("s3cret", "notifyhub")
	srv := NewServer(hub, auth)
	conn := dialIntoServer(t, srv)

	token, err := auth.IssueToken("user-1", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if err := conn.WriteJSON(clientEvent{Type: "authenticate", Token: token}); err != nil {
		t.Fatalf("write authenticate: %v", err)
	}

	if ev := readEvent(t, conn); ev.Type != "authenticated" {
		t.Fatalf("expected authenticated first, got %+v", ev)
	}
	ev := readEvent(t, conn)
	if ev.Type != "pending_notifications" || len(ev.Items) != 1 || ev.Items[0].ID != "item-1" {
		t.Fatalf("expected backlog replay with item-1, got %+v", ev)
	}
}

func TestServer_RejectsNonAuthenticateFirstFrame(t *testing.T) {
	hub := NewHub(time.Minute, 50, nil)
	auth := NewAuthenticator("s3cret", "notifyhub")
	srv := NewServer(hub, auth)
	conn := dialIntoServer(t, srv)

	if err := conn.WriteJSON(clientEvent{Type: "activity"}); err != nil {
		t.Fatalf("write activity: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the server to close the connection after a non-authenticate first frame")
	}
}

func TestServer_MarkAllReadRoundTripsThroughNamedEvents(t *testing.T) {
	inbox := newTestInboxRepo(t)
	now := time.Now().UTC()
	if err := inbox.Insert(&model.InboxItem{ID: "item-1", UserID: "user-1", Title: "a", CreatedAt: now}); err != nil {
		t.Fatalf("seed item-1: %v", err)
	}
	if err := inbox.Insert(&model.InboxItem{ID: "item-2", UserID: "user-1", Title: "b", CreatedAt: now}); err != nil {
		t.Fatalf("seed item-2: %v", err)
	}

	hub := NewHub(time.Minute, 50, inbox)
	auth := NewAuthenticator("s3cret", "notifyhub")
	srv := NewServer(hub, auth)
	conn := dialIntoServer(t, srv)

	token, err := auth.IssueToken("user-1", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if err := conn.WriteJSON(clientEvent{Type: "authenticate", Token: token}); err != nil {
		t.Fatalf("write authenticate: %v", err)
	}
	readEvent(t, conn)                // authenticated
	readEvent(t, conn)                // pending_notifications backlog
	if err := conn.WriteJSON(clientEvent{Type: "mark_all_read"}); err != nil {
		t.Fatalf("write mark_all_read: %v", err)
	}

	if ev := readEvent(t, conn); ev.Type != "notifications_all_read" {
		t.Fatalf("expected notifications_all_read, got %+v", ev)
	}
	if ev := readEvent(t, conn); ev.Type != "unread_count" || ev.Count != 0 {
		t.Fatalf("expected unread_count 0, got %+v", ev)
	}
}
