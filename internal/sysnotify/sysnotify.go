// Package sysnotify wraps systemd's sd_notify protocol
// (github.com/coreos/go-systemd/v22/daemon) for moproxy's Type=notify
// service unit: READY=1 once the fleet is loaded and listeners are up,
// a STATUS= line refreshed after every probe round, and WATCHDOG=1 pings
// on the interval systemd advertises via WATCHDOG_USEC (spec.md §6.9
// ambient stack; not named directly in spec.md but the natural systemd
// counterpart to the stats page, per the teacher's service-daemon
// conventions).
package sysnotify

import (
	"fmt"
	"log"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. It is a no-op when the process was
// not started under systemd (NOTIFY_SOCKET unset) — every method
// swallows that case silently, since sd_notify itself does the same.
type Notifier struct {
	watchdogInterval time.Duration
	stop             chan struct{}
}

// New probes the environment for a watchdog interval (via
// WATCHDOG_USEC/WATCHDOG_PID) and returns a ready-to-use Notifier.
func New() *Notifier {
	n := &Notifier{stop: make(chan struct{})}
	if interval, err := daemon.SdWatchdogEnabled(false); err != nil {
		log.Printf("[sysnotify] watchdog check: %v", err)
	} else {
		n.watchdogInterval = interval
	}
	return n
}

// Ready sends READY=1, signaling systemd that startup has completed
// (server list loaded, listeners bound).
func (n *Notifier) Ready() {
	n.notify(daemon.SdNotifyReady)
}

// Stopping sends STOPPING=1 ahead of graceful shutdown.
func (n *Notifier) Stopping() {
	n.notify(daemon.SdNotifyStopping)
}

// Status reports a human-readable one-line status, rendered here as
// "serving (U/T upstream proxies up)" per spec.md's observability notes.
func (n *Notifier) Status(alive, total int) {
	n.notify(fmt.Sprintf("STATUS=serving (%d/%d upstream proxies up)", alive, total))
}

// WatchdogEnabled reports whether the service unit requested watchdog
// pings (WatchdogSec= is set), and the interval at which they're due.
func (n *Notifier) WatchdogEnabled() (time.Duration, bool) {
	return n.watchdogInterval, n.watchdogInterval > 0
}

// RunWatchdog pings WATCHDOG=1 at half the requested interval (systemd's
// documented safety margin) until Stop is called. No-op if the unit did
// not request a watchdog.
func (n *Notifier) RunWatchdog() {
	if n.watchdogInterval <= 0 {
		return
	}
	ticker := time.NewTicker(n.watchdogInterval / 2)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n.notify(daemon.SdNotifyWatchdog)
			case <-n.stop:
				return
			}
		}
	}()
}

// Stop ends the watchdog ping loop, if running.
func (n *Notifier) Stop() {
	close(n.stop)
}

func (n *Notifier) notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Printf("[sysnotify] notify %q: %v", state, err)
	}
}
