package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/usagepulse/internal/adapter/metrics"
	"github.com/pscheid92/usagepulse/internal/platform/config"
)

const (
	readBufferSize  = 1024
	writeBufferSize = 1024
)

// sessionAcceptor registers an upgraded connection as a session.
type sessionAcceptor interface {
	Accept(conn *websocket.Conn, token string) (string, error)
}

// usageService handles inbound frames and session teardown.
type usageService interface {
	HandleMessage(ctx context.Context, sessionID, handshakeToken string, data []byte) error
	Disconnect(ctx context.Context, sessionID string)
}

// countGreeter sends the current count to a freshly accepted session.
type countGreeter interface {
	Greet(sessionID string) error
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	sessions sessionAcceptor
	usage    usageService
	greeter  countGreeter

	upgrader     websocket.Upgrader
	limiter      *GlobalConnectionLimiter
	registry     *prometheus.Registry
	httpMetrics  *metrics.HTTPMetrics
	wsMetrics    *metrics.WebSocketMetrics
	healthChecks []HealthCheck
	startTime    time.Time
}

// NewServer wires the HTTP surface. registry and wsMetrics may be nil, in
// which case /metrics is not served and handshake rejections are not counted.
func NewServer(cfg *config.Config, sessions sessionAcceptor, usage usageService, greeter countGreeter, registry *prometheus.Registry, wsMetrics *metrics.WebSocketMetrics, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:     e,
		config:   cfg,
		sessions: sessions,
		usage:    usage,
		greeter:  greeter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			// Usage clients are native apps, not browsers; there is no origin to pin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiter:      NewGlobalConnectionLimiter(int64(cfg.MaxWebSocketConnections)),
		registry:     registry,
		wsMetrics:    wsMetrics,
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}
	if registry != nil {
		srv.httpMetrics = metrics.NewHTTPMetrics(registry, "/metrics", "/usage", "/healthz", "/health/live", "/health/ready")
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP exposes the router, mainly for httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Connections returns the number of usage sockets currently held open.
func (s *Server) Connections() int64 {
	return s.limiter.Current()
}
