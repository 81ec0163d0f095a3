package server

import (
	"net"
	"sync"
	"sync/atomic"
)

// Session represents an active client connection. A session exists from
// accept until disconnect; it carries no login until authorize succeeds.
type Session struct {
	ID           uint64
	Conn         *SafeConn // Connection with automatic write synchronization
	RemoteAddr   string
	mu           sync.RWMutex // Protects login
	login        string       // Bound login ("" while unauthenticated)
	lastActivity int64        // Unix milliseconds, atomic
}

// Login returns the bound login, or "" if the session is unauthenticated.
func (s *Session) Login() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.login
}

// Touch records request activity for idle cleanup.
func (s *Session) Touch(now int64) {
	atomic.StoreInt64(&s.lastActivity, now)
}

// LastActivity returns the last recorded activity time in Unix milliseconds.
func (s *Session) LastActivity() int64 {
	return atomic.LoadInt64(&s.lastActivity)
}

// SessionManager owns all active sessions and the presence table: the
// process-wide mapping from login to live connection. Every mutation and
// lookup is one critical section under a single RWMutex, so a reader racing
// a writer observes either the pre- or post-mutation state, never a torn one.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	byLogin  map[string]*Session // Presence: login -> authenticated session
	nextID   uint64
	metrics  *Metrics
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		byLogin:  make(map[string]*Session),
		nextID:   1,
	}
}

// SetMetrics attaches metrics to the session manager.
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new unauthenticated session for a connection.
func (sm *SessionManager) CreateSession(conn net.Conn, now int64) *Session {
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:           sessionID,
		Conn:         NewSafeConn(conn),
		RemoteAddr:   conn.RemoteAddr().String(),
		lastActivity: now,
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionCreated()
	}

	return sess
}

// GetSession returns a session by ID.
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns all active sessions.
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Bind associates a login with a session after successful authorization.
// If another live session already holds the login, that session is evicted:
// its presence entry transfers to the new connection and the displaced
// session is returned so the caller can tear it down. Returns nil when no
// eviction happened.
func (sm *SessionManager) Bind(sess *Session, login string) *Session {
	sm.mu.Lock()

	var evicted *Session
	if prev, ok := sm.byLogin[login]; ok && prev != sess {
		evicted = prev
		prev.mu.Lock()
		prev.login = ""
		prev.mu.Unlock()
	}

	sess.mu.Lock()
	oldLogin := sess.login
	sess.login = login
	sess.mu.Unlock()

	// Re-authorizing under a different login releases the old entry
	if oldLogin != "" && oldLogin != login {
		if cur, ok := sm.byLogin[oldLogin]; ok && cur == sess {
			delete(sm.byLogin, oldLogin)
		}
	}

	sm.byLogin[login] = sess
	onlineCount := len(sm.byLogin)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordOnlineUsers(onlineCount)
	}

	return evicted
}

// IsOnline reports whether the login has a live, authenticated session.
func (sm *SessionManager) IsOnline(login string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	_, ok := sm.byLogin[login]
	return ok
}

// FindByLogin returns the session currently bound to a login.
func (sm *SessionManager) FindByLogin(login string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.byLogin[login]
	return sess, ok
}

// CountOnline returns the number of authenticated sessions.
func (sm *SessionManager) CountOnline() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.byLogin)
}

// CountSessions returns the number of active connections.
func (sm *SessionManager) CountSessions() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.sessions)
}

// RemoveSession removes a session, releases its presence entry, and closes
// the connection. Removing an already-removed session is a no-op.
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)

	sess.mu.RLock()
	login := sess.login
	sess.mu.RUnlock()

	if login != "" {
		if cur, ok := sm.byLogin[login]; ok && cur == sess {
			delete(sm.byLogin, login)
		}
	}
	sessionCount := len(sm.sessions)
	onlineCount := len(sm.byLogin)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordOnlineUsers(onlineCount)
		sm.metrics.RecordSessionDisconnected()
	}

	sess.Conn.Close()
}

// CloseAll closes all sessions.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sess := range sm.sessions {
		sess.Conn.Close()
	}

	sm.sessions = make(map[uint64]*Session)
	sm.byLogin = make(map[string]*Session)
}
