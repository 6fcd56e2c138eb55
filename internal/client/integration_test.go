package client

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/usagepulse/internal/adapter/httpserver"
	"github.com/pscheid92/usagepulse/internal/app"
	"github.com/pscheid92/usagepulse/internal/auth"
	"github.com/pscheid92/usagepulse/internal/broadcast"
	"github.com/pscheid92/usagepulse/internal/platform/config"
	"github.com/pscheid92/usagepulse/internal/presence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type liveServer struct {
	url       string
	clock     *clockwork.FakeClock
	registry  *presence.Registry
	manager   *broadcast.Manager
	scheduler *broadcast.Scheduler
}

func newLiveServer(t *testing.T, secret string) *liveServer {
	t.Helper()
	cfg := &config.Config{
		AuthToken:               secret,
		AuthPolicy:              string(auth.PolicyPerMessage),
		HeartbeatTTL:            90 * time.Second,
		BroadcastInterval:       5 * time.Second,
		MaxWebSocketConnections: 10,
		HandshakeRateLimit:      1000,
		HandshakeRateBurst:      1000,
	}

	clock := clockwork.NewFakeClock()
	guard := auth.NewGuard(cfg.AuthToken, cfg.Policy())
	registry := presence.NewRegistry(nil)
	manager := broadcast.NewManager(guard, clock, cfg.MaxWebSocketConnections, nil)
	scheduler := broadcast.NewScheduler(registry, manager, clock, cfg.BroadcastInterval, cfg.HeartbeatTTL, nil)
	usage := app.NewService(registry, manager, guard, clock, nil)

	srv := httpserver.NewServer(cfg, manager, usage, scheduler, nil, nil, nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		manager.Stop()
		ts.Close()
	})

	return &liveServer{
		url:       "ws" + strings.TrimPrefix(ts.URL, "http") + "/usage",
		clock:     clock,
		registry:  registry,
		manager:   manager,
		scheduler: scheduler,
	}
}

func TestIntegration_HeartbeatCountedAndBroadcast(t *testing.T) {
	srv := newLiveServer(t, "S1")
	s, _, _ := newTestSession(t, srv.url, nil)

	s.Start()
	require.Eventually(t, func() bool { return srv.registry.Contains("device-1") }, waitFor, pollEvery)

	srv.scheduler.Tick()

	require.Eventually(t, func() bool { return s.Status().ActiveUsers == 1 }, waitFor, pollEvery)
	assert.True(t, s.Status().Current())
}

func TestIntegration_WrongTokenNeverCounted(t *testing.T) {
	srv := newLiveServer(t, "S1")
	clock := clockwork.NewFakeClock()
	s := NewSession(Config{
		URL:               srv.url,
		Token:             "WRONG",
		DeviceID:          "device-1",
		HeartbeatInterval: testInterval,
		MinBackoff:        time.Second,
		MaxBackoff:        20 * time.Second,
		Clock:             clock,
	})
	t.Cleanup(s.Stop)

	s.Start()

	require.Eventually(t, func() bool { return s.Status().State == StateBackingOff }, waitFor, pollEvery)
	assert.Equal(t, 0, srv.registry.Len())
}

func TestIntegration_ReconnectKeepsDeviceCountedOnce(t *testing.T) {
	srv := newLiveServer(t, "S1")
	s, clock, _ := newTestSession(t, srv.url, nil)

	s.Start()
	require.Eventually(t, func() bool { return srv.registry.Contains("device-1") }, waitFor, pollEvery)

	ids := srv.manager.Sessions()
	require.Len(t, ids, 1)
	require.NoError(t, srv.manager.Disconnect(ids[0], websocket.CloseInternalServerErr, "restart"))

	require.Eventually(t, func() bool { return s.Status().State == StateBackingOff }, waitFor, pollEvery)
	assert.Equal(t, time.Second, s.Status().RetryIn)
	require.Eventually(t, func() bool { return len(srv.manager.Sessions()) == 0 }, waitFor, pollEvery)

	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		sessions := srv.manager.Sessions()
		return len(sessions) == 1 && sessions[0] != ids[0] && len(srv.registry.Sessions("device-1")) == 1
	}, waitFor, pollEvery)

	srv.scheduler.Tick()
	require.Eventually(t, func() bool { return s.Status().Current() }, waitFor, pollEvery)
	assert.Equal(t, 1, s.Status().ActiveUsers)
	assert.Equal(t, 1, srv.registry.LiveCount(srv.clock.Now(), 90*time.Second))
}
