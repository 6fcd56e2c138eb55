package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/usagepulse/internal/client"
	"github.com/pscheid92/usagepulse/internal/platform/config"
	"github.com/pscheid92/usagepulse/internal/platform/logging"
	"github.com/pscheid92/usagepulse/internal/platform/retry"
)

// A previous instance may still hold the state file while shutting down.
var storePolicy = retry.Policy{
	MaxAttempts:    4,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Warn("State file busy, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	},
}

func classifyStoreError(err error) retry.Action {
	if client.IsLocked(err) {
		return retry.Retry
	}
	return retry.Stop
}

func logStatus(st client.Status) {
	attrs := []any{"state", st.State.String()}
	if st.HasCount {
		attrs = append(attrs, "active_users", st.ActiveUsers, "current", st.Current())
	}
	if st.State == client.StateBackingOff {
		attrs = append(attrs, "retry_in", st.RetryIn)
	}
	if st.LastError != nil {
		attrs = append(attrs, "error", st.LastError)
	}
	slog.Info("Usage status", attrs...)
}

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	deviceID, err := retry.Do(context.Background(), clockwork.NewRealClock(), storePolicy, classifyStoreError, func() (string, error) {
		return client.LoadDeviceID(cfg.StatePath)
	})
	if err != nil {
		slog.Error("Failed to load device id", "path", cfg.StatePath, "error", err)
		os.Exit(1)
	}
	slog.Info("Client starting", "url", cfg.URL, "device_id", deviceID, "auth", cfg.AuthToken != "")

	session := client.NewSession(client.Config{
		URL:               cfg.URL,
		Token:             cfg.AuthToken,
		DeviceID:          deviceID,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MinBackoff:        cfg.ReconnectMinDelay,
		MaxBackoff:        cfg.ReconnectMaxDelay,
		ReadTimeout:       cfg.ReadTimeout,
		OnStatus:          logStatus,
	})
	session.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutdown signal received, closing session...")
	session.Stop()
}
