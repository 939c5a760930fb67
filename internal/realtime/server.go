package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"notifyhub/internal/corelog"
)

var errNotAuthenticateFrame = errors.New("realtime: first frame was not an authenticate event")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const handshakeTimeout = 10 * time.Second

// Server wires the Hub and an Authenticator into an http.HandlerFunc
// suitable for mounting on a gorilla/mux route. The inbox itself is not
// the Server's concern: it lives on the Hub, which needs it to answer
// the client events (get_notifications, mark_all_read, ...) a session
// sends after the handshake completes.
type Server struct {
	hub  *Hub
	auth *Authenticator
	log  *corelog.Logger
}

func NewServer(hub *Hub, auth *Authenticator) *Server {
	return &Server{hub: hub, auth: auth, log: corelog.Default().With("component", "realtime")}
}

// HandleUpgrade upgrades the connection unauthenticated, then requires
// the first client frame to be an authenticate event carrying a
// handshake token before registering the session - the realtime
// interface's client->server vocabulary treats authenticate as part of
// the wire protocol rather than connection-establishment metadata, so
// there is no ?token= query parameter.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed: %v", err)
		return
	}

	userID, err := s.handshake(conn)
	if err != nil {
		s.log.Warn("websocket handshake failed: %v", err)
		conn.Close()
		return
	}

	session := s.hub.Register(userID, conn)
	s.hub.SendAuthenticated(session)
}

// handshake blocks for a single authenticate{token} frame and returns
// the user it resolves to, or an error if the frame is malformed, of
// the wrong type, or never arrives within handshakeTimeout.
func (s *Server) handshake(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}

	var msg clientEvent
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", err
	}
	if msg.Type != "authenticate" {
		return "", errNotAuthenticateFrame
	}
	return s.auth.Authenticate(msg.Token)
}
