// Package systemd reports daemon state over the sd_notify protocol. Every
// call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"crosspost/pkg/logx"
)

func notify(log logx.Logger, state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
	return sent
}

// Ready tells systemd startup finished. It reports whether a notification
// socket was present.
func Ready(log logx.Logger) bool { return notify(log, daemon.SdNotifyReady) }

func Stopping(log logx.Logger) bool { return notify(log, daemon.SdNotifyStopping) }

func Reloading(log logx.Logger) bool {
	return notify(log, fmt.Sprintf("%s\nMONOTONIC_USEC=%d", daemon.SdNotifyReloading, time.Now().UnixMicro()))
}

// Status sets the free-form STATUS= line shown by systemctl status.
func Status(log logx.Logger, msg string) bool { return notify(log, "STATUS="+msg) }

// Watchdog pings systemd at half of WatchdogSec until ctx ends. Pings are
// skipped while healthy returns an error so systemd can restart a wedged
// process. It returns nil immediately when the watchdog is off.
func Watchdog(ctx context.Context, log logx.Logger, healthy func() error) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil {
				if err := healthy(); err != nil {
					log.Warn("watchdog ping withheld", logx.Err(err))
					continue
				}
			}
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
