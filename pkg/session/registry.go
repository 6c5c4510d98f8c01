// Package session tracks live client sessions and enforces the single
// connection per session id rule.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Conn is the transport handle the registry owns. The websocket layer
// implements it; tests substitute fakes.
type Conn interface {
	// Send writes one encoded frame. It must be safe for concurrent use.
	Send(ctx context.Context, frame []byte) error
	// Close terminates the connection with a close code and reason.
	Close(code int, reason string) error
}

// Session lifecycle states. Closed is terminal.
const (
	StateConnecting  = "CONNECTING"
	StateEstablished = "ESTABLISHED"
	StateActive      = "ACTIVE"
	StateIdle        = "IDLE"
	StateClosing     = "CLOSING"
	StateClosed      = "CLOSED"
)

var (
	ErrConflict = errors.New("session already connected")
	ErrNotFound = errors.New("session not found")
)

// Session is one admitted connection. Fields are owned by the registry and
// must only be read via snapshot copies.
type Session struct {
	ID            string
	AgentID       string
	State         string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Conn          Conn
}

// Registry is the owned, lock protected session index. It maps both ways,
// session id to session and connection handle to session id, so transport
// callbacks can resolve identity without a scan.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	byConn map[Conn]string
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   map[string]*Session{},
		byConn: map[Conn]string{},
		now:    time.Now,
	}
}

// Admit registers a new session atomically. A live entry for the same id
// rejects the newcomer and leaves the existing session untouched.
func (r *Registry) Admit(sessionID, agentID string, conn Conn) (*Session, error) {
	if sessionID == "" || agentID == "" {
		return nil, errors.New("session id and agent id are required")
	}
	if conn == nil {
		return nil, errors.New("connection is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[sessionID]; ok && existing.State != StateClosed {
		return nil, ErrConflict
	}
	now := r.now().UTC()
	s := &Session{
		ID:            sessionID,
		AgentID:       agentID,
		State:         StateEstablished,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Conn:          conn,
	}
	r.byID[sessionID] = s
	r.byConn[conn] = sessionID
	return s, nil
}

// Resolve maps a connection handle back to its session snapshot.
func (r *Registry) Resolve(conn Conn) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[conn]
	if !ok {
		return Session{}, false
	}
	s, ok := r.byID[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Get returns a snapshot of the session by id.
func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Heartbeat refreshes liveness and moves the session to ACTIVE.
func (r *Registry) Heartbeat(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.State == StateClosed || s.State == StateClosing {
		return nil
	}
	s.LastHeartbeat = r.now().UTC()
	s.State = StateActive
	return nil
}

// MarkIdle transitions an ACTIVE session back to IDLE. The sweep loop calls
// this for sessions whose heartbeat has gone quiet but not yet timed out.
func (r *Registry) MarkIdle(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[sessionID]; ok && s.State == StateActive {
		s.State = StateIdle
	}
}

// Remove tears a session down. It is idempotent: removing an unknown or
// already removed session is a no-op. The connection, if still held, is
// closed with the given code and reason.
func (r *Registry) Remove(sessionID string, code int, reason string) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.State = StateClosing
	conn := s.Conn
	s.Conn = nil
	delete(r.byID, sessionID)
	if conn != nil {
		delete(r.byConn, conn)
	}
	s.State = StateClosed
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close(code, reason)
	}
}

// Snapshot copies the current session set. Fanout iterates the copy so
// admissions and removals during delivery cannot race the iteration.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, *s)
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
