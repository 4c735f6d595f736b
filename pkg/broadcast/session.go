package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"taskpilot/pkg/principal"
)

// Session is one connected client. It carries no task state.
type Session struct {
	ID   string
	conn Conn
	send chan Envelope
	done chan struct{}
	once sync.Once

	mu        sync.RWMutex
	principal string
	role      principal.Role
	lastSeen  time.Time
	connected time.Time
}

// SessionInfo is a read-only view of a Session.
type SessionInfo struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id,omitempty"`
	Connected   time.Time `json:"connected"`
	LastSeen    time.Time `json:"last_seen"`
}

func newSession(id string, conn Conn, buffer int, now time.Time) *Session {
	return &Session{
		ID:        id,
		conn:      conn,
		send:      make(chan Envelope, buffer),
		done:      make(chan struct{}),
		lastSeen:  now,
		connected: now,
	}
}

// Principal returns the authenticated principal ID, or "".
func (s *Session) Principal() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal
}

// Role returns the authenticated principal's role.
func (s *Session) Role() principal.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// LastSeen returns when the client was last heard from.
func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{ID: s.ID, PrincipalID: s.principal, Connected: s.connected, LastSeen: s.lastSeen}
}

func (s *Session) authenticate(p *principal.Principal) {
	s.mu.Lock()
	s.principal = p.ID
	s.role = p.Role
	s.mu.Unlock()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastSeen) {
		s.lastSeen = now
	}
	s.mu.Unlock()
}

// enqueue queues e without blocking. A full queue drops the frame.
func (s *Session) enqueue(e Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- e:
		return true
	default:
		// client is behind; drop to avoid blocking the sender
		return false
	}
}

func (s *Session) replyError(reqID, code, msg string) {
	s.enqueue(Envelope{Type: TypeError, ID: reqID, Data: errorData{Code: code, Message: msg}})
}

func (s *Session) writeLoop(ctx context.Context, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case e := <-s.send:
			if err := s.conn.Write(ctx, e); err != nil {
				log.Debug("session write failed", "session", s.ID, "error", err)
				s.close("write failed")
				return
			}
		}
	}
}

func (s *Session) close(reason string) {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close(reason)
	})
}

func (s *Session) abort() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Abort()
	})
}
