package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/classmesh/signaling/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB

	sendBufferSize = 64
)

// session is one authenticated WebSocket connection. It satisfies
// registry.Session; all outbound traffic goes through the buffered send
// channel so coordinator goroutines never block on a slow socket.
type session struct {
	id     string
	userID string

	conn *websocket.Conn
	send chan events.Envelope
	done chan struct{}
	once sync.Once

	gw  *Gateway
	log *zap.Logger
}

func (s *session) ID() string     { return s.id }
func (s *session) UserID() string { return s.userID }

// Send marshals the payload and enqueues it. A full buffer means the client
// stopped draining; the connection is closed rather than blocking the caller.
func (s *session) Send(name string, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshal outbound payload", zap.String("event", name), zap.Error(err))
		return false
	}

	select {
	case <-s.done:
		return false
	case s.send <- events.Envelope{ID: uuid.NewString(), Name: name, Payload: raw}:
		return true
	default:
		s.log.Warn("send buffer full, dropping session", zap.String("event", name))
		s.close()
		return false
	}
}

func (s *session) readLoop() {
	defer func() {
		s.gw.teardown(s)
		s.close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug("unexpected close", zap.Error(err))
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		var env events.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.sendError("", "MALFORMED_FRAME", "frame is not a valid event envelope")
			continue
		}

		s.gw.dispatch(s, env)
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case env := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) sendError(event, code, message string) {
	s.Send(events.EventError, events.ErrorPayload{Code: code, Message: message, Event: event})
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
