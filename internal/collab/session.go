package collab

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait          = 10 * time.Second
	maxMessageSize     = 1024 * 1024
	sendBufferSize     = 256
	defaultIdleTimeout = 60 * time.Second
)

const fieldSessionID = "session_id"

// SessionConfig describes one client attachment to a room.
type SessionConfig struct {
	Room        *Room
	Conn        *websocket.Conn
	UserID      string
	DisplayName string
	CaretColor  string
	Capability  Capability
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

// Session is one client's live connection to a room: the inbound update
// relay, the outbound broadcast relay, and the capability assigned at
// creation. A session is scoped to exactly one post for its lifetime.
type Session struct {
	id          string
	room        *Room
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	userID      string
	displayName string
	caretColor  string
	capability  Capability
	idleTimeout time.Duration
	logger      *zap.Logger
	closeOnce   sync.Once
}

// NewSession constructs a session. It does not attach to the room or start
// the transport pumps; callers attach first, then Start.
func NewSession(cfg SessionConfig) *Session {
	capability := cfg.Capability
	if capability == "" {
		capability = CapabilityObserver
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:          uuid.NewString(),
		room:        cfg.Room,
		conn:        cfg.Conn,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		userID:      cfg.UserID,
		displayName: cfg.DisplayName,
		caretColor:  cfg.CaretColor,
		capability:  capability,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// UserID returns the connected user's identifier.
func (s *Session) UserID() string {
	return s.userID
}

// Capability returns the permission level assigned at creation.
func (s *Session) Capability() Capability {
	return s.capability
}

// Rebind points the session at a replacement room. Only valid before Start,
// while no pump references the room.
func (s *Session) Rebind(room *Room) {
	s.room = room
}

// Start launches the transport pumps.
func (s *Session) Start() {
	go s.writePump()
	go s.readPump()
}

// Close tears the session down exactly once: the transport is closed and the
// session detaches from its room.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.room.Detach(s)
	})
}

// enqueue offers a frame to the outbound buffer without blocking.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("session read failed",
					zap.String(fieldSessionID, s.id),
					zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		if err := s.handleFrame(message); err != nil {
			s.logger.Warn("disconnecting session after protocol violation",
				zap.String(fieldSessionID, s.id),
				zap.String("user_id", s.userID),
				zap.Error(err))
			return
		}
	}
}

// handleFrame dispatches one inbound frame. Any returned error is a protocol
// violation or engine failure; the caller disconnects the session while the
// room and every other session stay untouched.
func (s *Session) handleFrame(message []byte) error {
	if err := ValidateFrame(message); err != nil {
		return err
	}

	switch ParseFrameType(message) {
	case FrameTypeAwareness:
		s.room.BroadcastPresence(s.id, message)
		return nil
	case FrameTypeSync:
		switch ParseSyncStep(message) {
		case SyncStepRequest:
			s.room.deliver(s, NewStateFrame(s.room.FullState()))
			return nil
		case SyncStepState:
			return fmt.Errorf("%w: unexpected state frame from client", ErrMalformedFrame)
		case SyncStepUpdate:
			if s.capability != CapabilityEditable {
				return ErrObserverMutation
			}
			payload := FramePayload(message)
			if len(payload) == 0 {
				return fmt.Errorf("%w: update frame without payload", ErrMalformedFrame)
			}
			return s.room.ApplyUpdate(s.id, payload)
		}
	}
	return nil
}

func (s *Session) writePump() {
	pingPeriod := s.idleTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
