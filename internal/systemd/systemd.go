// Package systemd wires the daemon into service supervision where present:
// sd_notify READY/STOPPING for Type=notify units and watchdog pings for
// WatchdogSec. Android-style inits have no NOTIFY_SOCKET, so every call
// degrades to a no-op off systemd.
package systemd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady sends sd_notify READY=1. The unit uses Type=notify, so the
// supervisor considers the daemon started only once the socket is accepting.
// Returns false when not running under systemd.
func NotifyReady() bool {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		slog.Warn("failed to send systemd ready notification", "error", err)
		return false
	}
	if sent {
		slog.Debug("sent systemd ready notification")
	}
	return sent
}

// NotifyStopping sends sd_notify STOPPING=1 so the supervisor waits for the
// shutdown sequence instead of killing the process.
// Returns false when not running under systemd.
func NotifyStopping() bool {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		slog.Warn("failed to send systemd stopping notification", "error", err)
		return false
	}
	return sent
}

// HealthCheckFunc reports whether the daemon is healthy. A false return
// suppresses the next watchdog ping, letting the supervisor restart us.
type HealthCheckFunc func() bool

// StartWatchdog begins pinging the systemd watchdog at half the WatchdogSec
// interval, gated on healthCheck. Returns immediately when the watchdog is
// not enabled. The ping goroutine exits when ctx is cancelled.
func StartWatchdog(ctx context.Context, healthCheck HealthCheckFunc) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		slog.Debug("watchdog not enabled", "error", err)
		return
	}
	if interval == 0 {
		return
	}

	pingInterval := interval / 2
	slog.Info("starting systemd watchdog",
		"watchdog_interval", interval,
		"ping_interval", pingInterval,
	)
	go watchdogLoop(ctx, pingInterval, healthCheck)
}

func watchdogLoop(ctx context.Context, interval time.Duration, healthCheck HealthCheckFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !healthCheck() {
				slog.Warn("health check failed, skipping watchdog ping")
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				slog.Warn("failed to send watchdog ping", "error", err)
			}
		}
	}
}

// IsRunningUnderSystemd reports whether a supervisor is listening for
// notifications.
func IsRunningUnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
