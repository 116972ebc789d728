package main

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

// shellSession is one live admin↔client terminal channel. The manager
// owns all transport multiplexing; the PTY process itself lives on the
// client and dies when the session closes for any reason.
type shellSession struct {
	id        string
	clientID  string
	adminID   string
	createdAt time.Time

	mu           sync.Mutex
	state        protocol.SessionState
	lastActivity time.Time
	rows, cols   int
	attached     bool

	// toAdmin carries frames for the attached admin socket. done is
	// closed exactly once when the session reaches Closed; every
	// relay loop races it.
	toAdmin chan protocol.ShellFrame
	done    chan struct{}
}

func (s *shellSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *shellSession) snapshot() protocol.ShellSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.ShellSession{
		SessionID:    s.id,
		ClientID:     s.clientID,
		AdminID:      s.adminID,
		State:        s.state,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Rows:         s.rows,
		Cols:         s.cols,
	}
}

// ShellManager allocates, multiplexes, and tears down shell sessions.
// One persistent websocket per connected client carries all of that
// client's sessions; each admin attachment is its own socket.
type ShellManager struct {
	limit       int
	idleTimeout time.Duration
	maxLifetime time.Duration
	liveness    *LivenessTracker
	audit       *AuditLog

	mu       sync.Mutex
	sessions map[string]*shellSession
	byClient map[string]map[string]*shellSession
	channels map[string]*clientChannel
}

func NewShellManager(limit int, idleTimeout, maxLifetime time.Duration, liveness *LivenessTracker, audit *AuditLog) *ShellManager {
	if limit <= 0 {
		limit = 3
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	if maxLifetime <= 0 {
		maxLifetime = 4 * time.Hour
	}
	return &ShellManager{
		limit:       limit,
		idleTimeout: idleTimeout,
		maxLifetime: maxLifetime,
		liveness:    liveness,
		audit:       audit,
		sessions:    make(map[string]*shellSession),
		byClient:    make(map[string]map[string]*shellSession),
		channels:    make(map[string]*clientChannel),
	}
}

// Open allocates a session for an online, channel-connected client and
// asks the client to spawn a PTY. The session stays Opening until the
// client confirms.
func (m *ShellManager) Open(clientID, adminID string, rows, cols int) (*shellSession, error) {
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}

	m.mu.Lock()
	channel := m.channels[clientID]
	if channel == nil || !m.liveness.IsOnline(clientID) {
		m.mu.Unlock()
		m.mustAudit(adminID, actionSessionOpen, clientID, outcomeDenied)
		return nil, protocol.Errf(protocol.CodeClientOffline, "client %q is not connected", clientID)
	}
	if len(m.byClient[clientID]) >= m.limit {
		m.mu.Unlock()
		m.mustAudit(adminID, actionSessionOpen, clientID, outcomeDenied)
		return nil, protocol.Errf(protocol.CodeSessionLimitExceeded, "client %q already has %d sessions", clientID, m.limit)
	}

	now := time.Now()
	session := &shellSession{
		id:           uuid.NewString(),
		clientID:     clientID,
		adminID:      adminID,
		createdAt:    now,
		state:        protocol.SessionOpening,
		lastActivity: now,
		rows:         rows,
		cols:         cols,
		toAdmin:      make(chan protocol.ShellFrame, 1024),
		done:         make(chan struct{}),
	}
	m.sessions[session.id] = session
	if m.byClient[clientID] == nil {
		m.byClient[clientID] = make(map[string]*shellSession)
	}
	m.byClient[clientID][session.id] = session
	m.mu.Unlock()

	err := channel.send(protocol.ShellFrame{
		Type:      protocol.FrameOpen,
		SessionID: session.id,
		Rows:      rows,
		Cols:      cols,
	})
	if err != nil {
		m.Close(session.id, protocol.CloseReasonTransport)
		return nil, err
	}

	m.mustAudit(adminID, actionSessionOpen, session.id, outcomeOK)
	logger.Info().Str("session_id", session.id).Str("client_id", clientID).Str("admin_id", adminID).Msg("Shell session opening")
	return session, nil
}

// Get returns a live (non-Closed) session by ID.
func (m *ShellManager) Get(sessionID string) (*shellSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Attach claims the admin side of a session. A second concurrent
// attachment is refused.
func (m *ShellManager) Attach(sessionID string) (*shellSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, protocol.Errf(protocol.CodeUnknownEnvelope, "no such session")
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.attached {
		return nil, protocol.Errf(protocol.CodeSessionLimitExceeded, "session already attached")
	}
	session.attached = true
	return session, nil
}

// Close transitions a session to Closed exactly once and tells the
// client to release the PTY. When a timeout races fresh traffic the
// first Close wins: state flips under the lock before any further
// relay write can observe the session as live.
func (m *ShellManager) Close(sessionID, reason string) bool {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, sessionID)
	if peers := m.byClient[session.clientID]; peers != nil {
		delete(peers, sessionID)
		if len(peers) == 0 {
			delete(m.byClient, session.clientID)
		}
	}
	channel := m.channels[session.clientID]
	m.mu.Unlock()

	session.mu.Lock()
	session.state = protocol.SessionClosed
	session.mu.Unlock()
	close(session.done)

	if channel != nil {
		// Best effort: a dead channel means the PTY owner is gone anyway.
		_ = channel.send(protocol.ShellFrame{
			Type:      protocol.FrameClose,
			SessionID: sessionID,
			Reason:    reason,
		})
	}

	m.mustAudit(session.adminID, actionSessionClose, sessionID, outcomeOK)
	logger.Info().Str("session_id", sessionID).Str("reason", reason).Msg("Shell session closed")
	return true
}

// List returns a snapshot of every live session, oldest first.
func (m *ShellManager) List() []protocol.ShellSession {
	m.mu.Lock()
	sessions := make([]*shellSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]protocol.ShellSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RegisterChannel binds a client's persistent shell socket. A
// reconnect replaces the previous channel and tears down its sessions,
// since their PTYs died with the old process.
func (m *ShellManager) RegisterChannel(clientID string, channel *clientChannel) {
	m.mu.Lock()
	previous := m.channels[clientID]
	m.channels[clientID] = channel
	m.mu.Unlock()

	if previous != nil {
		previous.shutdown()
		m.closeAllForClient(clientID, protocol.CloseReasonClient)
	}
	logger.Info().Str("client_id", clientID).Msg("Shell channel connected")
}

// UnregisterChannel drops a client's shell socket and closes every
// dependent session.
func (m *ShellManager) UnregisterChannel(clientID string, channel *clientChannel) {
	m.mu.Lock()
	if m.channels[clientID] != channel {
		// A newer channel already replaced this one.
		m.mu.Unlock()
		return
	}
	delete(m.channels, clientID)
	m.mu.Unlock()

	m.closeAllForClient(clientID, protocol.CloseReasonClient)
	logger.Info().Str("client_id", clientID).Msg("Shell channel disconnected")
}

func (m *ShellManager) closeAllForClient(clientID, reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byClient[clientID]))
	for id := range m.byClient[clientID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id, reason)
	}
}

// HandleClientFrame routes one frame arriving on a client channel.
func (m *ShellManager) HandleClientFrame(clientID string, frame protocol.ShellFrame) {
	m.mu.Lock()
	session := m.sessions[frame.SessionID]
	m.mu.Unlock()
	if session == nil || session.clientID != clientID {
		return
	}

	switch frame.Type {
	case protocol.FrameOpened:
		session.mu.Lock()
		if session.state == protocol.SessionOpening {
			session.state = protocol.SessionActive
		}
		session.lastActivity = time.Now()
		session.mu.Unlock()
		m.forwardToAdmin(session, frame)
	case protocol.FrameOutput:
		session.touch()
		m.forwardToAdmin(session, frame)
	case protocol.FrameClose, protocol.FrameError:
		reason := frame.Reason
		if reason == "" {
			reason = protocol.CloseReasonExited
		}
		m.forwardToAdmin(session, frame)
		m.Close(session.id, reason)
	}
}

// forwardToAdmin hands a frame to the attached admin without ever
// blocking the shared client read loop: a slow admin loses output
// rather than stalling the client's other sessions.
func (m *ShellManager) forwardToAdmin(session *shellSession, frame protocol.ShellFrame) {
	select {
	case session.toAdmin <- frame:
	case <-session.done:
	default:
		logger.Warn().Str("session_id", session.id).Msg("Admin relay buffer full, dropping frame")
	}
}

// SendInput relays admin keystrokes to the client's PTY.
func (m *ShellManager) SendInput(session *shellSession, frame protocol.ShellFrame) error {
	m.mu.Lock()
	channel := m.channels[session.clientID]
	m.mu.Unlock()
	if channel == nil {
		return protocol.Errf(protocol.CodeClientOffline, "client channel gone")
	}

	session.touch()
	if frame.Type == protocol.FrameResize {
		session.mu.Lock()
		session.rows, session.cols = frame.Rows, frame.Cols
		session.mu.Unlock()
	}
	frame.SessionID = session.id
	return channel.send(frame)
}

// Sweep force-closes idle, over-age, and orphaned sessions. Runs
// periodically; safe concurrently with live relay traffic.
func (m *ShellManager) Sweep() {
	now := time.Now()

	m.mu.Lock()
	candidates := make([]*shellSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	for _, s := range candidates {
		s.mu.Lock()
		idle := now.Sub(s.lastActivity)
		age := now.Sub(s.createdAt)
		s.mu.Unlock()

		switch {
		case age > m.maxLifetime:
			m.Close(s.id, protocol.CloseReasonAbsolute)
		case idle > m.idleTimeout:
			m.Close(s.id, protocol.CloseReasonIdle)
		case !m.liveness.IsOnline(s.clientID):
			m.Close(s.id, protocol.CloseReasonOffline)
		}
	}
}

// RunJanitor sweeps on an interval until stop is closed.
func (m *ShellManager) RunJanitor(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *ShellManager) mustAudit(actor, action, target, outcome string) {
	if err := m.audit.Append(actor, action, target, outcome); err != nil {
		logger.Error().Err(err).Str("action", action).Msg("Failed writing audit entry")
	}
}
