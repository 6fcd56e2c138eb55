package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/usagepulse/internal/domain"
)

const (
	dialTimeout        = 10 * time.Second
	writeTimeout       = 5 * time.Second
	defaultReadTimeout = 60 * time.Second
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackingOff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackingOff:
		return "backing_off"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Dialer opens the transport. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Status is a point-in-time view of a Session.
type Status struct {
	State       State
	ActiveUsers int
	// HasCount is true once any count has been received. The count is only
	// current while State is StateConnected.
	HasCount  bool
	RetryIn   time.Duration
	LastError error
}

// Current reports whether ActiveUsers reflects a live connection.
func (st Status) Current() bool {
	return st.State == StateConnected && st.HasCount
}

type Config struct {
	URL               string
	Token             string
	DeviceID          string
	HeartbeatInterval time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	// ReadTimeout bounds the silence tolerated from the server. Any frame,
	// including a ping, resets it. Zero means 60s.
	ReadTimeout time.Duration

	// Optional.
	Dialer   Dialer
	Clock    clockwork.Clock
	OnStatus func(Status)
}

// Session keeps one usage connection alive: it heartbeats on a fixed period
// and reconnects with capped exponential backoff until Stop is called.
type Session struct {
	cfg     Config
	dialer  Dialer
	clock   clockwork.Clock
	backoff *Backoff

	mu sync.Mutex
	// generation identifies the current connection attempt. Any goroutine
	// holding an older value is stale and must not change state.
	generation uint64
	state      State
	stopped    bool
	conn       *websocket.Conn
	stopLoops  context.CancelFunc
	cancelDial context.CancelFunc
	retry      clockwork.Timer
	retryIn    time.Duration
	count      int
	hasCount   bool
	lastErr    error

	wg sync.WaitGroup
}

func NewSession(cfg Config) *Session {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: http.ProxyFromEnvironment}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	return &Session{
		cfg:     cfg,
		dialer:  dialer,
		clock:   clock,
		backoff: NewBackoff(cfg.MinBackoff, cfg.MaxBackoff),
		state:   StateDisconnected,
	}
}

// Start tears down any existing transport and dials a fresh one. It returns
// once the dial has completed or failed; a failure schedules a reconnect.
func (s *Session) Start() {
	s.mu.Lock()
	s.stopped = false
	s.teardownLocked()
	s.generation++
	gen := s.generation
	s.state = StateConnecting
	st := s.statusLocked()
	s.mu.Unlock()

	s.notify(st)
	s.connect(gen)
}

// Stop sends a going-away close frame, cancels both loops and any pending
// reconnect, and waits for them to exit. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped && s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.generation++
	if s.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	}
	s.teardownLocked()
	s.state = StateDisconnected
	s.retryIn = 0
	st := s.statusLocked()
	s.mu.Unlock()

	s.wg.Wait()
	s.notify(st)
}

// Status returns the current state and last known count.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) connect(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.cancelDial = cancel
	s.mu.Unlock()

	conn, _, err := s.dialer.DialContext(ctx, s.socketURL(), nil)

	s.mu.Lock()
	s.cancelDial = nil
	if gen != s.generation || s.stopped {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		st := s.failLocked(err)
		s.mu.Unlock()
		slog.Warn("Usage connection failed", "error", err, "retry_in", st.RetryIn)
		s.notify(st)
		return
	}

	s.watchReads(conn)
	loopCtx, stopLoops := context.WithCancel(context.Background())
	s.conn = conn
	s.stopLoops = stopLoops
	s.backoff.Reset()
	s.state = StateConnected
	s.retryIn = 0
	s.lastErr = nil
	s.wg.Add(2)
	go s.readLoop(gen, conn)
	go s.heartbeatLoop(loopCtx, conn)
	st := s.statusLocked()
	s.mu.Unlock()

	slog.Info("Usage connection established", "url", s.cfg.URL)
	s.notify(st)
}

func (s *Session) readLoop(gen uint64, conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleFailure(gen, err)
			return
		}
		s.extendReadDeadline(conn)
		s.handleMessage(gen, data)
	}
}

// watchReads arms the read deadline and answers server pings, pushing the
// deadline out on each one. A server that goes silent fails the read loop.
func (s *Session) watchReads(conn *websocket.Conn) {
	s.extendReadDeadline(conn)
	conn.SetPingHandler(func(data string) error {
		s.extendReadDeadline(conn)
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})
}

// Socket deadlines are wall-clock.
func (s *Session) extendReadDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
}

func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	s.sendHeartbeat(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.sendHeartbeat(conn)
		}
	}
}

// sendHeartbeat is best effort; the read loop detects a dead transport.
func (s *Session) sendHeartbeat(conn *websocket.Conn) {
	hb := domain.Heartbeat{
		Type:     domain.MessageTypeHeartbeat,
		DeviceID: s.cfg.DeviceID,
		Token:    s.cfg.Token,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(hb); err != nil {
		slog.Debug("Heartbeat not sent", "error", err)
	}
}

func (s *Session) handleMessage(gen uint64, data []byte) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	if n, ok := ParseCount(data); ok {
		s.count = n
		s.hasCount = true
	}
	st := s.statusLocked()
	s.mu.Unlock()

	s.notify(st)
}

func (s *Session) handleFailure(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation || s.stopped {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	st := s.failLocked(err)
	s.mu.Unlock()

	slog.Warn("Usage connection lost", "error", err, "retry_in", st.RetryIn)
	s.notify(st)
}

// failLocked moves to BackingOff and arms the reconnect timer. Bumping the
// generation makes every other observer of this connection a no-op.
func (s *Session) failLocked(err error) Status {
	s.generation++
	gen := s.generation
	delay := s.backoff.Next()

	s.state = StateBackingOff
	s.retryIn = delay
	s.lastErr = err
	s.retry = s.clock.AfterFunc(delay, func() { s.reconnect(gen) })
	return s.statusLocked()
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.stopped {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	s.state = StateConnecting
	st := s.statusLocked()
	s.mu.Unlock()

	s.notify(st)
	s.connect(gen)
}

// teardownLocked releases the transport, both loops, a pending dial and a
// pending reconnect. It does not wait for goroutines.
func (s *Session) teardownLocked() {
	if s.stopLoops != nil {
		s.stopLoops()
		s.stopLoops = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Session) statusLocked() Status {
	return Status{
		State:       s.state,
		ActiveUsers: s.count,
		HasCount:    s.hasCount,
		RetryIn:     s.retryIn,
		LastError:   s.lastErr,
	}
}

func (s *Session) notify(st Status) {
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(st)
	}
}

// socketURL attaches the token as a query parameter.
func (s *Session) socketURL() string {
	if s.cfg.Token == "" {
		return s.cfg.URL
	}
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return s.cfg.URL
	}
	q := u.Query()
	q.Set("token", s.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String()
}
