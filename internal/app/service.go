package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/usagepulse/internal/adapter/metrics"
	"github.com/pscheid92/usagepulse/internal/auth"
	"github.com/pscheid92/usagepulse/internal/domain"
)

// inboundMessage is decoded loosely so that a non-string deviceId still goes
// through the authorization check before being dropped.
type inboundMessage struct {
	Type     string          `json:"type"`
	DeviceID json.RawMessage `json:"deviceId"`
	Token    string          `json:"token"`
}

// Service is the application layer. It is the only component that references
// both the session directory and the presence tracker.
type Service struct {
	presence domain.PresenceTracker
	sessions domain.SessionDirectory
	guard    *auth.Guard
	clock    clockwork.Clock
	metrics  *metrics.PresenceMetrics
}

// NewService creates the application layer service. m may be nil.
func NewService(presence domain.PresenceTracker, sessions domain.SessionDirectory, guard *auth.Guard, clock clockwork.Clock, m *metrics.PresenceMetrics) *Service {
	return &Service{
		presence: presence,
		sessions: sessions,
		guard:    guard,
		clock:    clock,
		metrics:  m,
	}
}

// HandleMessage processes one inbound frame from sessionID. handshakeToken is
// the token the session presented when it connected.
//
// Malformed frames return domain.ErrMalformedMessage and leave all state
// untouched; the connection stays open. A frame failing per-message
// authorization closes the session with a policy-violation code and returns
// domain.ErrUnauthorized.
func (s *Service) HandleMessage(ctx context.Context, sessionID, handshakeToken string, data []byte) error {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.observe(metrics.HeartbeatDropped)
		return fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}

	if s.guard.Policy() == auth.PolicyPerMessage && !s.guard.Authorize(msg.Token, handshakeToken) {
		s.observe(metrics.HeartbeatUnauthorized)
		slog.WarnContext(ctx, "Closing session after failed message authorization", "session_id", sessionID)
		if err := s.sessions.Disconnect(sessionID, websocket.ClosePolicyViolation, "unauthorized"); err != nil {
			slog.DebugContext(ctx, "Disconnect after auth failure", "session_id", sessionID, "error", err)
		}
		return domain.ErrUnauthorized
	}

	if msg.Type != domain.MessageTypeHeartbeat {
		s.observe(metrics.HeartbeatDropped)
		return fmt.Errorf("%w: unexpected type %q", domain.ErrMalformedMessage, msg.Type)
	}

	deviceID, err := parseDeviceID(msg.DeviceID)
	if err != nil {
		s.observe(metrics.HeartbeatDropped)
		return err
	}

	previous, err := s.sessions.Bind(sessionID, deviceID)
	if err != nil {
		s.observe(metrics.HeartbeatDropped)
		return fmt.Errorf("failed to bind session: %w", err)
	}
	if previous != "" && previous != deviceID {
		s.presence.Unbind(sessionID, previous)
	}
	s.presence.Touch(deviceID, sessionID, s.clock.Now())
	s.observe(metrics.HeartbeatAccepted)
	return nil
}

// Disconnect removes the session from the directory and drops its binding
// from the presence record. The record itself survives until TTL expiry.
func (s *Service) Disconnect(ctx context.Context, sessionID string) {
	deviceID := s.sessions.Close(sessionID)
	if deviceID == "" {
		slog.DebugContext(ctx, "Session closed without device binding", "session_id", sessionID)
		return
	}
	s.presence.Unbind(sessionID, deviceID)
	slog.DebugContext(ctx, "Session unbound", "session_id", sessionID, "device_id", deviceID)
}

func (s *Service) observe(result string) {
	if s.metrics != nil {
		s.metrics.Heartbeats.WithLabelValues(result).Inc()
	}
}

// parseDeviceID accepts a JSON string, trimmed, non-empty and bounded in length.
func parseDeviceID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: missing", domain.ErrInvalidDeviceID)
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("%w: not a string", domain.ErrInvalidDeviceID)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty", domain.ErrInvalidDeviceID)
	}
	if len(id) > domain.MaxDeviceIDLength {
		return "", fmt.Errorf("%w: longer than %d bytes", domain.ErrInvalidDeviceID, domain.MaxDeviceIDLength)
	}
	return id, nil
}
