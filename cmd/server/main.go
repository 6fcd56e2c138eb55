package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/usagepulse/internal/adapter/httpserver"
	"github.com/pscheid92/usagepulse/internal/adapter/metrics"
	"github.com/pscheid92/usagepulse/internal/app"
	"github.com/pscheid92/usagepulse/internal/auth"
	"github.com/pscheid92/usagepulse/internal/broadcast"
	"github.com/pscheid92/usagepulse/internal/platform/config"
	"github.com/pscheid92/usagepulse/internal/platform/logging"
	"github.com/pscheid92/usagepulse/internal/platform/version"
	"github.com/pscheid92/usagepulse/internal/presence"
)

func runGracefulShutdown(srv *httpserver.Server, stopScheduler context.CancelFunc, manager *broadcast.Manager) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stopScheduler()
		manager.Stop()

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", info.Version, "commit", info.Commit)

	guard := auth.NewGuard(cfg.AuthToken, cfg.Policy())
	if !guard.Enabled() {
		slog.Warn("USAGE_AUTH_TOKEN is not set, accepting every session")
	}
	slog.Info("Presence settings", "auth_policy", guard.Policy(), "heartbeat_ttl", cfg.HeartbeatTTL, "broadcast_interval", cfg.BroadcastInterval)

	registry := metrics.NewRegistry()
	wsMetrics := metrics.NewWebSocketMetrics(registry)
	presenceMetrics := metrics.NewPresenceMetrics(registry)

	presenceRegistry := presence.NewRegistry(presenceMetrics)
	manager := broadcast.NewManager(guard, clock, cfg.MaxWebSocketConnections, wsMetrics)
	scheduler := broadcast.NewScheduler(presenceRegistry, manager, clock, cfg.BroadcastInterval, cfg.HeartbeatTTL, presenceMetrics)
	usage := app.NewService(presenceRegistry, manager, guard, clock, presenceMetrics)

	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	go scheduler.Run(schedulerCtx)

	healthChecks := []httpserver.HealthCheck{
		httpserver.RunningCheck("session_manager", manager),
		httpserver.RunningCheck("scheduler", scheduler),
	}
	srv := httpserver.NewServer(cfg, manager, usage, scheduler, registry, wsMetrics, healthChecks)

	done := runGracefulShutdown(srv, stopScheduler, manager)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
