package httpserver

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/usagepulse/internal/auth"
	"github.com/pscheid92/usagepulse/internal/broadcast"
	"github.com/pscheid92/usagepulse/internal/domain"
	apperrors "github.com/pscheid92/usagepulse/internal/platform/errors"
)

// maxMessageSize bounds a single inbound frame. Heartbeats are tiny.
const maxMessageSize = 4096

func (s *Server) handleUsage(c echo.Context) error {
	r := c.Request()
	ctx := r.Context()

	if !websocket.IsWebSocketUpgrade(r) {
		return apperrors.ValidationError("websocket upgrade required")
	}

	if !s.limiter.Acquire() {
		s.countRejection("connection_limit")
		return apperrors.UnavailableError("too many connections", domain.ErrTooManySessions).
			WithContext("max_connections", s.limiter.Max())
	}
	defer s.limiter.Release()

	token := auth.HandshakeToken(r)

	conn, err := s.upgrader.Upgrade(c.Response(), r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		slog.DebugContext(ctx, "WebSocket upgrade failed", "error", err)
		return nil
	}

	sessionID, err := s.sessions.Accept(conn, token)
	if err != nil {
		slog.WarnContext(ctx, "Session rejected", "remote_ip", c.RealIP(), "error", err)
		return nil
	}
	slog.InfoContext(ctx, "Session opened", "session_id", sessionID, "remote_ip", c.RealIP())

	if err := s.greeter.Greet(sessionID); err != nil {
		slog.DebugContext(ctx, "Initial count not delivered", "session_id", sessionID, "error", err)
	}

	s.readLoop(ctx, conn, sessionID, token)

	s.usage.Disconnect(ctx, sessionID)
	slog.InfoContext(ctx, "Session closed", "session_id", sessionID)
	return nil
}

// readLoop is the only reader of conn. It returns when the transport fails or
// the session is closed for a policy violation.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sessionID, token string) {
	conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "Session read failed", "session_id", sessionID, "error", err)
			}
			return
		}
		broadcast.ExtendReadDeadline(conn)

		err = s.usage.HandleMessage(ctx, sessionID, token, data)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrUnauthorized):
			return
		default:
			slog.DebugContext(ctx, "Message dropped", "session_id", sessionID, "error", err)
		}
	}
}

func (s *Server) countRejection(reason string) {
	if s.wsMetrics != nil {
		s.wsMetrics.HandshakeRejections.WithLabelValues(reason).Inc()
	}
}
