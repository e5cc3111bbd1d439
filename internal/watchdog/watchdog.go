// Package watchdog integrates with the systemd service manager: readiness
// and status notification, and the keep-alive expected when the unit sets
// WatchdogSec.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/meteologic/meteodata-collector/internal/schedule"
)

// Watchdog sends sd_notify messages. A zero interval means the manager did
// not request a keep-alive; the daemon never assumes one.
type Watchdog struct {
	interval time.Duration
	notify   func(state string) (bool, error)
	log      *slog.Logger
}

// New reads the watchdog contract from the environment (WATCHDOG_USEC and
// WATCHDOG_PID, set by the manager when WatchdogSec applies to this process).
func New(log *slog.Logger) *Watchdog {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog environment unreadable, keep-alive disabled", slog.Any("error", err))
		interval = 0
	}
	return &Watchdog{
		interval: interval,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		log:      log,
	}
}

// Enabled reports whether the manager expects keep-alives.
func (w *Watchdog) Enabled() bool { return w.interval > 0 }

// Run sends WATCHDOG=1 every half interval until ctx is cancelled. The half
// rate leaves one full missed beat before the manager considers the process
// hung. Returns promptly when no watchdog was requested.
func (w *Watchdog) Run(ctx context.Context) error {
	if !w.Enabled() {
		return nil
	}
	return schedule.Every(ctx, w.interval/2, func(context.Context, time.Time) error {
		if _, err := w.notify(daemon.SdNotifyWatchdog); err != nil {
			w.log.Warn("watchdog keep-alive failed", slog.Any("error", err))
		}
		return nil
	})
}

// Ready announces successful startup, the operator-visible status line and
// the main pid.
func (w *Watchdog) Ready() {
	state := fmt.Sprintf("READY=1\nSTATUS=Data collection started\nMAINPID=%d", os.Getpid())
	if _, err := w.notify(state); err != nil {
		w.log.Warn("readiness notification failed", slog.Any("error", err))
	}
}

// Stopping announces that shutdown has begun.
func (w *Watchdog) Stopping() {
	if _, err := w.notify(daemon.SdNotifyStopping); err != nil {
		w.log.Warn("stopping notification failed", slog.Any("error", err))
	}
}

// Fatal reports a terminal failure to the manager before exit.
func (w *Watchdog) Fatal(msg string) {
	state := "STATUS=" + msg + "\nERRNO=255"
	if _, err := w.notify(state); err != nil {
		w.log.Warn("failure notification failed", slog.Any("error", err))
	}
}
