package server

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/aeolun/campusrelay/pkg/protocol"
)

// SafeConn wraps a net.Conn so that concurrent writers never interleave frames
type SafeConn struct {
	conn         net.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// NewSafeConn wraps conn; a zero writeTimeout means writes may block indefinitely
func NewSafeConn(conn net.Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{conn: conn, writeTimeout: writeTimeout}
}

// WriteMessage writes one framed message
func (c *SafeConn) WriteMessage(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(msg)
}

// writeLocked writes msg; the caller holds writeMu
func (c *SafeConn) writeLocked(msg protocol.Message) error {
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return protocol.WriteMessage(c.conn, msg)
}

// Close closes the underlying connection
func (c *SafeConn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the peer address
func (c *SafeConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Session represents one authenticated, connected campus
type Session struct {
	SiteID      string
	PeerAddr    string
	Transport   string // "tcp" or "websocket"
	ConnectedAt time.Time
	Conn        *SafeConn

	// Guarded by the owning SessionRegistry's mutex
	lastHeartbeat time.Time
	active        bool
}

// Send writes a message to the session's connection.
// Must not be called while holding the registry lock.
func (s *Session) Send(msg protocol.Message) error {
	return s.Conn.WriteMessage(msg)
}

// SessionInfo is a point-in-time copy of a session for display and JSON
type SessionInfo struct {
	SiteID        string    `json:"site_id"`
	PeerAddr      string    `json:"peer_addr"`
	Transport     string    `json:"transport"`
	Active        bool      `json:"active"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// SessionRegistry maps site ID to its current session.
// Every read or write of a session's mutable fields happens under mu;
// network writes happen after the lock is released.
type SessionRegistry struct {
	sessions map[string]*Session
	mu       sync.Mutex
	metrics  *Metrics
	now      func() time.Time
}

// NewSessionRegistry creates an empty registry
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// SetMetrics attaches metrics to the registry
func (r *SessionRegistry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Register inserts an active session for siteID, replacing any previous
// entry. The replaced session's connection is left running; its handler
// retires it when its own read fails.
func (r *SessionRegistry) Register(siteID string, conn *SafeConn, transport string) (sess *Session, replaced bool) {
	now := r.now()
	sess = &Session{
		SiteID:        siteID,
		PeerAddr:      addrString(conn.RemoteAddr()),
		Transport:     transport,
		ConnectedAt:   now,
		Conn:          conn,
		lastHeartbeat: now,
		active:        true,
	}

	r.mu.Lock()
	prev, exists := r.sessions[siteID]
	replaced = exists && prev.active
	r.sessions[siteID] = sess
	active := r.countActiveLocked()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(active)
		r.metrics.RecordSessionRegistered()
	}

	return sess, replaced
}

// Lookup returns the active session for siteID
func (r *SessionRegistry) Lookup(siteID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[siteID]
	if !ok || !sess.active {
		return nil, false
	}
	return sess, true
}

// Touch records a heartbeat for siteID at the given time.
// Returns false if the site has no entry.
func (r *SessionRegistry) Touch(siteID string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[siteID]
	if !ok {
		return false
	}
	if at.After(sess.lastHeartbeat) {
		sess.lastHeartbeat = at
	}
	return true
}

// LastHeartbeat returns the recorded heartbeat time for siteID
func (r *SessionRegistry) LastHeartbeat(siteID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[siteID]
	if !ok {
		return time.Time{}, false
	}
	return sess.lastHeartbeat, true
}

// Deactivate marks this particular session inactive. A newer session
// registered under the same site ID is not affected.
func (r *SessionRegistry) Deactivate(sess *Session) {
	r.mu.Lock()
	if !sess.active {
		r.mu.Unlock()
		return
	}
	sess.active = false
	active := r.countActiveLocked()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(active)
		r.metrics.RecordSessionDisconnected()
	}
}

// IsActive reports whether this particular session is still active
func (r *SessionRegistry) IsActive(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sess.active
}

// Active returns the active sessions currently in the map
func (r *SessionRegistry) Active() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.active {
			sessions = append(sessions, sess)
		}
	}
	return sessions
}

// StaleSince returns the active sessions whose last heartbeat is older than cutoff,
// with how long each has been silent
func (r *SessionRegistry) StaleSince(cutoff, now time.Time) map[string]time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	stale := make(map[string]time.Duration)
	for siteID, sess := range r.sessions {
		if sess.active && sess.lastHeartbeat.Before(cutoff) {
			stale[siteID] = now.Sub(sess.lastHeartbeat)
		}
	}
	return stale
}

// Snapshot returns a copy of every entry, active or retired, sorted by site
func (r *SessionRegistry) Snapshot() []SessionInfo {
	r.mu.Lock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		infos = append(infos, SessionInfo{
			SiteID:        sess.SiteID,
			PeerAddr:      sess.PeerAddr,
			Transport:     sess.Transport,
			Active:        sess.active,
			ConnectedAt:   sess.ConnectedAt,
			LastHeartbeat: sess.lastHeartbeat,
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].SiteID < infos[j].SiteID
	})
	return infos
}

// CountActive returns the number of active sessions
func (r *SessionRegistry) CountActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countActiveLocked()
}

func (r *SessionRegistry) countActiveLocked() int {
	n := 0
	for _, sess := range r.sessions {
		if sess.active {
			n++
		}
	}
	return n
}

// CloseAll closes every active connection and marks its session inactive
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	conns := make([]*SafeConn, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.active {
			sess.active = false
			conns = append(conns, sess.Conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(0)
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
