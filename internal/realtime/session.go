package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/commatch/pkg/matchapi"
)

// wsConn is the slice of *websocket.Conn the session actually uses, kept as
// an interface so tests can drive sessions without a network socket.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type sessionState int

const (
	statePending sessionState = iota
	stateActive
	stateClosed
)

// Session is one websocket connection. It starts Pending, becomes Active when
// the client declares its identity, and is Closed exactly once. Writes are
// serialized because the underlying connection allows one concurrent writer.
type Session struct {
	conn wsConn

	mu       sync.Mutex
	state    sessionState
	userID   string
	lastSeen time.Time

	writeMu sync.Mutex
	closeFn sync.Once
}

func newSession(conn wsConn) *Session {
	return &Session{conn: conn, lastSeen: time.Now()}
}

// Activate moves a Pending session to Active under the declared user. It
// reports false if the session is not Pending.
func (s *Session) Activate(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != statePending {
		return false
	}
	s.state = stateActive
	s.userID = userID
	s.lastSeen = time.Now()
	return true
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateActive
}

func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == statePending
}

// Touch records liveness on any inbound frame.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Send marshals one event envelope onto the wire.
func (s *Session) Send(event string, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		raw = b
	}
	frame, err := json.Marshal(matchapi.Event{Event: event, Data: raw})
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// CloseWithNotice sends a final error_notice before closing. The notice is
// best effort.
func (s *Session) CloseWithNotice(code, message string) {
	_ = s.Send(matchapi.EventErrorNotice, matchapi.ErrorNoticeData{Code: code, Message: message})
	s.Close()
}

// Close is idempotent and unblocks any pending read.
func (s *Session) Close() {
	s.closeFn.Do(func() {
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()
		_ = s.conn.Close()
	})
}
