package collaboration

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"collab-relay/internal/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTransportClosed is returned when delivering to a session whose
	// outbound queue was already closed
	ErrTransportClosed = errors.New("transport closed")

	// ErrSlowConsumer is returned when a session's outbound queue is full
	ErrSlowConsumer = errors.New("outbound queue full")
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second // Must be less than pongWait
)

// Session represents an active WebSocket connection
type Session struct {
	*models.Session
	Conn    *websocket.Conn
	send    chan []byte // Buffered channel for outbound frames
	manager *SessionManager
	ctx     context.Context

	// roomKey is read by the read pump to stamp inbound frames and written by
	// the manager loop on rename
	roomKey atomic.Value

	// Owned by the manager loop
	room      *Room
	closed    bool // send is closed
	left      bool // removed from room
	closeCode int
}

// RoomKey returns the key of the room the session currently belongs to
func (s *Session) RoomKey() string {
	key, _ := s.roomKey.Load().(string)
	return key
}

func (s *Session) setRoomKey(key string) {
	s.roomKey.Store(key)
}

// Outbound exposes the queue drained by WritePump
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

func (s *Session) logger() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"session_id": s.ID,
		"room":       s.RoomKey(),
	})
}

// deliver queues a frame without blocking. Only called from the manager loop.
func (s *Session) deliver(frame []byte) error {
	if s.closed {
		return ErrTransportClosed
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// ReadPump reads frames from the WebSocket connection until it fails
// Learning: Each session has its own goroutine reading from the WebSocket
func (s *Session) ReadPump() {
	defer func() {
		s.manager.Leave(s)
		s.Conn.Close()
	}()

	s.Conn.SetReadLimit(s.manager.opts.MaxMessageSize)
	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger().WithError(err).Warn("WebSocket closed unexpectedly")
			}
			return
		}
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := s.manager.Receive(s, message); err != nil {
			return
		}
	}
}

// WritePump writes queued frames to the WebSocket connection
// Learning: Separate goroutine for writing prevents blocking on slow clients.
// Every queued frame is its own binary message: the protocol has no outer
// length prefix, so frames must never be coalesced.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed by the manager
				s.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(s.closeStatus(), ""))
				return
			}
			if err := s.Conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeStatus is read after the send channel is closed, which orders it
// after the manager loop set closeCode.
func (s *Session) closeStatus() int {
	if s.closeCode == 0 {
		return websocket.CloseNormalClosure
	}
	return s.closeCode
}
