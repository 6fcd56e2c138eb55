package httpserver

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/usagepulse/internal/adapter/metrics"
	"github.com/pscheid92/usagepulse/internal/app"
	"github.com/pscheid92/usagepulse/internal/auth"
	"github.com/pscheid92/usagepulse/internal/broadcast"
	"github.com/pscheid92/usagepulse/internal/platform/config"
	"github.com/pscheid92/usagepulse/internal/presence"
	"github.com/stretchr/testify/require"
)

const (
	testTTL      = 90 * time.Second
	testInterval = 5 * time.Second
)

type testStack struct {
	srv       *Server
	ts        *httptest.Server
	clock     *clockwork.FakeClock
	registry  *presence.Registry
	manager   *broadcast.Manager
	scheduler *broadcast.Scheduler
	reg       *prometheus.Registry
	wsMetrics *metrics.WebSocketMetrics
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		AuthPolicy:              string(auth.PolicyPerMessage),
		HeartbeatTTL:            testTTL,
		BroadcastInterval:       testInterval,
		MaxWebSocketConnections: 100,
		HandshakeRateLimit:      1000,
		HandshakeRateBurst:      1000,
	}
}

func newTestStack(t *testing.T, secret string, opts ...func(*config.Config)) *testStack {
	t.Helper()

	cfg := testConfig()
	cfg.AuthToken = secret
	for _, opt := range opts {
		opt(cfg)
	}

	clock := clockwork.NewFakeClock()
	reg := prometheus.NewRegistry()
	wsMetrics := metrics.NewWebSocketMetrics(reg)
	presenceMetrics := metrics.NewPresenceMetrics(reg)

	guard := auth.NewGuard(cfg.AuthToken, cfg.Policy())
	registry := presence.NewRegistry(presenceMetrics)
	manager := broadcast.NewManager(guard, clock, cfg.MaxWebSocketConnections, wsMetrics)
	scheduler := broadcast.NewScheduler(registry, manager, clock, cfg.BroadcastInterval, cfg.HeartbeatTTL, presenceMetrics)
	usage := app.NewService(registry, manager, guard, clock, presenceMetrics)

	healthChecks := []HealthCheck{RunningCheck("session_manager", manager)}
	srv := NewServer(cfg, manager, usage, scheduler, reg, wsMetrics, healthChecks)
	ts := httptest.NewServer(srv)

	t.Cleanup(func() {
		manager.Stop()
		ts.Close()
	})

	return &testStack{
		srv:       srv,
		ts:        ts,
		clock:     clock,
		registry:  registry,
		manager:   manager,
		scheduler: scheduler,
		reg:       reg,
		wsMetrics: wsMetrics,
	}
}

func (s *testStack) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/usage"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (s *testStack) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
