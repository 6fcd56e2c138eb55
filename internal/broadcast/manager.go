package broadcast

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/usagepulse/internal/adapter/metrics"
	"github.com/pscheid92/usagepulse/internal/auth"
	"github.com/pscheid92/usagepulse/internal/domain"
)

const (
	commandTimeout   = 5 * time.Second
	stopTimeout      = 10 * time.Second
	commandQueueSize = 256
)

// managerCmd is the command interface for the Manager actor.
type managerCmd interface{ isManagerCmd() }

type baseManagerCmd struct{}

func (baseManagerCmd) isManagerCmd() {}

type acceptCmd struct {
	baseManagerCmd
	sessionID    string
	connection   *websocket.Conn
	errorChannel chan error
}

type bindCmd struct {
	baseManagerCmd
	sessionID    string
	deviceID     string
	replyChannel chan bindReply
}

type bindReply struct {
	previous string
	err      error
}

type closeCmd struct {
	baseManagerCmd
	sessionID    string
	replyChannel chan string
}

type disconnectCmd struct {
	baseManagerCmd
	sessionID    string
	code         int
	reason       string
	replyChannel chan error
}

type broadcastCmd struct {
	baseManagerCmd
	payload      []byte
	replyChannel chan int
}

type sendCmd struct {
	baseManagerCmd
	sessionID    string
	payload      []byte
	errorChannel chan error
}

type listSessionsCmd struct {
	baseManagerCmd
	replyChannel chan []string
}

type stopCmd struct {
	baseManagerCmd
}

type sessionEntry struct {
	writer   *clientWriter
	deviceID string
	// closing is set once the transport has been torn down but the read loop
	// has not yet called Close.
	closing bool
}

// Manager owns the set of open usage sessions. A single goroutine holds the
// session map; every other caller goes through the command channel.
type Manager struct {
	cmdCh       chan managerCmd
	clock       clockwork.Clock
	guard       *auth.Guard
	metrics     *metrics.WebSocketMetrics
	sessions    map[string]*sessionEntry
	maxSessions int
	done        chan struct{}
	stopTimeout time.Duration
}

// NewManager creates a session manager and starts its actor goroutine.
// maxSessions <= 0 means unlimited. m may be nil.
func NewManager(guard *auth.Guard, clock clockwork.Clock, maxSessions int, m *metrics.WebSocketMetrics) *Manager {
	mgr := newManager(guard, clock, maxSessions, m)
	go mgr.run()
	return mgr
}

func newManager(guard *auth.Guard, clock clockwork.Clock, maxSessions int, m *metrics.WebSocketMetrics) *Manager {
	return &Manager{
		cmdCh:       make(chan managerCmd, commandQueueSize),
		clock:       clock,
		guard:       guard,
		metrics:     m,
		sessions:    make(map[string]*sessionEntry),
		maxSessions: maxSessions,
		done:        make(chan struct{}),
		stopTimeout: stopTimeout,
	}
}

// Accept validates the handshake token and registers conn under a fresh
// session id. On an authorization failure the connection is closed with a
// policy-violation frame and no session is created.
func (m *Manager) Accept(conn *websocket.Conn, token string) (string, error) {
	if !m.guard.Authorize(token) {
		m.reject(conn, websocket.ClosePolicyViolation, "unauthorized", "unauthorized")
		return "", domain.ErrUnauthorized
	}

	sessionID := uuid.NewString()
	errCh := make(chan error, 1)
	if !m.submit(acceptCmd{sessionID: sessionID, connection: conn, errorChannel: errCh}) {
		m.reject(conn, websocket.CloseGoingAway, "server shutting down", "stopped")
		return "", domain.ErrManagerStopped
	}

	err, ok := await(m, errCh)
	if !ok {
		m.abandon(sessionID, conn)
		return "", fmt.Errorf("accept command timed out after %v", commandTimeout)
	}
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// abandon undoes an accept whose caller gave up waiting. The queued accept may
// still run, so a close for the same id is queued behind it; commands are
// handled in order, so the close always removes what the accept registered.
func (m *Manager) abandon(sessionID string, conn *websocket.Conn) {
	_ = conn.Close()
	m.submit(closeCmd{sessionID: sessionID, replyChannel: make(chan string, 1)})
}

// Bind records deviceID on the session and returns the device id it replaced.
func (m *Manager) Bind(sessionID, deviceID string) (string, error) {
	replyCh := make(chan bindReply, 1)
	if !m.submit(bindCmd{sessionID: sessionID, deviceID: deviceID, replyChannel: replyCh}) {
		return "", domain.ErrManagerStopped
	}
	reply, ok := await(m, replyCh)
	if !ok {
		return "", fmt.Errorf("bind command timed out after %v", commandTimeout)
	}
	return reply.previous, reply.err
}

// Close removes the session and returns the device id it was bound to, if any.
// The session's read loop calls this exactly once when its transport ends.
func (m *Manager) Close(sessionID string) string {
	replyCh := make(chan string, 1)
	if !m.submit(closeCmd{sessionID: sessionID, replyChannel: replyCh}) {
		return ""
	}
	deviceID, _ := await(m, replyCh)
	return deviceID
}

// Disconnect tears down the session's transport with a close frame. The entry
// stays registered until the read loop observes the closure and calls Close.
func (m *Manager) Disconnect(sessionID string, code int, reason string) error {
	errCh := make(chan error, 1)
	if !m.submit(disconnectCmd{sessionID: sessionID, code: code, reason: reason, replyChannel: errCh}) {
		return domain.ErrManagerStopped
	}
	err, ok := await(m, errCh)
	if !ok {
		return fmt.Errorf("disconnect command timed out after %v", commandTimeout)
	}
	return err
}

// Broadcast queues payload on every open session and returns how many
// sessions accepted it.
func (m *Manager) Broadcast(payload []byte) int {
	replyCh := make(chan int, 1)
	if !m.submit(broadcastCmd{payload: payload, replyChannel: replyCh}) {
		return 0
	}
	n, _ := await(m, replyCh)
	return n
}

// Send queues payload on a single session.
func (m *Manager) Send(sessionID string, payload []byte) error {
	errCh := make(chan error, 1)
	if !m.submit(sendCmd{sessionID: sessionID, payload: payload, errorChannel: errCh}) {
		return domain.ErrManagerStopped
	}
	err, ok := await(m, errCh)
	if !ok {
		return fmt.Errorf("send command timed out after %v", commandTimeout)
	}
	return err
}

// Sessions returns the ids of sessions that would receive a broadcast.
func (m *Manager) Sessions() []string {
	replyCh := make(chan []string, 1)
	if !m.submit(listSessionsCmd{replyChannel: replyCh}) {
		return nil
	}
	ids, _ := await(m, replyCh)
	return ids
}

// Running reports whether the actor goroutine is still processing commands.
func (m *Manager) Running() bool {
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Stop closes every session with a going-away frame and stops the actor.
// Blocks until the actor has exited or the stop timeout is reached.
func (m *Manager) Stop() {
	if !m.submit(stopCmd{}) {
		return
	}

	timeout := m.clock.NewTimer(m.stopTimeout)
	defer timeout.Stop()

	select {
	case <-m.done:
		slog.Info("Session manager stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Session manager stop timeout exceeded", "timeout", m.stopTimeout)
	}
}

func (m *Manager) submit(cmd managerCmd) bool {
	if !m.Running() {
		return false
	}
	select {
	case m.cmdCh <- cmd:
		return true
	case <-m.done:
		return false
	}
}

// await waits for a reply from the actor, giving up on timeout or shutdown.
func await[T any](m *Manager, ch <-chan T) (T, bool) {
	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v, true
	case <-m.done:
		// The actor may have replied just before exiting.
		select {
		case v := <-ch:
			return v, true
		default:
		}
		var zero T
		return zero, false
	case <-timer.Chan():
		var zero T
		return zero, false
	}
}

func (m *Manager) reject(conn *websocket.Conn, code int, text, reason string) {
	closeMsg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeDeadline))
	_ = conn.Close()
	if m.metrics != nil {
		m.metrics.HandshakeRejections.WithLabelValues(reason).Inc()
	}
}

func (m *Manager) run() {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Session manager panic recovered", "panic", r)
			m.closeAll("internal error")
		}
	}()

	for cmd := range m.cmdCh {
		switch c := cmd.(type) {
		case acceptCmd:
			c.errorChannel <- m.handleAccept(c)
		case bindCmd:
			c.replyChannel <- m.handleBind(c)
		case closeCmd:
			c.replyChannel <- m.handleClose(c.sessionID)
		case disconnectCmd:
			c.replyChannel <- m.handleDisconnect(c)
		case broadcastCmd:
			c.replyChannel <- m.handleBroadcast(c.payload)
		case sendCmd:
			c.errorChannel <- m.handleSend(c)
		case listSessionsCmd:
			c.replyChannel <- m.openSessionIDs()
		case stopCmd:
			m.handleStop()
			return
		default:
			slog.Warn("Session manager received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (m *Manager) handleAccept(c acceptCmd) error {
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		slog.Warn("Rejecting session: max sessions reached", "max_sessions", m.maxSessions)
		m.reject(c.connection, websocket.CloseTryAgainLater, "too many sessions", "capacity")
		return domain.ErrTooManySessions
	}

	m.sessions[c.sessionID] = &sessionEntry{writer: newClientWriter(c.connection, m.clock)}
	if m.metrics != nil {
		m.metrics.ActiveConnections.Inc()
	}
	slog.Debug("Session accepted", "session_id", c.sessionID, "total_sessions", len(m.sessions))
	return nil
}

func (m *Manager) handleBind(c bindCmd) bindReply {
	entry, ok := m.sessions[c.sessionID]
	if !ok {
		return bindReply{err: domain.ErrSessionNotFound}
	}
	previous := entry.deviceID
	entry.deviceID = c.deviceID
	return bindReply{previous: previous}
}

func (m *Manager) handleClose(sessionID string) string {
	entry, ok := m.sessions[sessionID]
	if !ok {
		return ""
	}
	entry.writer.stop()
	delete(m.sessions, sessionID)

	if m.metrics != nil {
		m.metrics.ActiveConnections.Dec()
	}
	slog.Debug("Session closed", "session_id", sessionID, "remaining_sessions", len(m.sessions))
	return entry.deviceID
}

func (m *Manager) handleDisconnect(c disconnectCmd) error {
	entry, ok := m.sessions[c.sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	entry.closing = true
	entry.writer.closeWith(c.code, c.reason)
	return nil
}

func (m *Manager) handleBroadcast(payload []byte) int {
	delivered := 0
	for sessionID, entry := range m.sessions {
		if entry.closing {
			continue
		}
		if entry.writer.enqueue(payload) {
			delivered++
			continue
		}
		// Closing the transport ends the read loop, which calls Close and unbinds the device.
		slog.Warn("Disconnecting slow session", "session_id", sessionID)
		entry.closing = true
		entry.writer.stop()
		if m.metrics != nil {
			m.metrics.SlowClientsEvicted.Inc()
		}
	}
	if m.metrics != nil {
		m.metrics.MessagesPublished.Add(float64(delivered))
	}
	return delivered
}

func (m *Manager) handleSend(c sendCmd) error {
	entry, ok := m.sessions[c.sessionID]
	if !ok || entry.closing {
		return domain.ErrSessionNotFound
	}
	if !entry.writer.enqueue(c.payload) {
		return fmt.Errorf("send buffer full for session %s", c.sessionID)
	}
	if m.metrics != nil {
		m.metrics.MessagesPublished.Inc()
	}
	return nil
}

func (m *Manager) openSessionIDs() []string {
	ids := make([]string, 0, len(m.sessions))
	for id, entry := range m.sessions {
		if !entry.closing {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) handleStop() {
	slog.Info("Session manager shutting down", "sessions", len(m.sessions))
	m.closeAll("server shutting down")
}

func (m *Manager) closeAll(reason string) {
	writers := make([]*clientWriter, 0, len(m.sessions))
	for sessionID, entry := range m.sessions {
		entry.writer.closeWith(websocket.CloseGoingAway, reason)
		writers = append(writers, entry.writer)
		delete(m.sessions, sessionID)
	}
	for _, w := range writers {
		w.wait()
	}
	if m.metrics != nil {
		m.metrics.ActiveConnections.Set(0)
	}
}
