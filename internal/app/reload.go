package app

import (
	"context"
	"strings"

	"github.com/coreos/go-systemd/v22/daemon"

	"waterbender/internal/config"
	logx "waterbender/pkg/logx"
)

// reloadLoop applies every validated config the manager publishes.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			if next == nil {
				continue
			}
			a.notify(daemon.SdNotifyReloading)
			a.applyConfig(ctx, last, next)
			a.notify(daemon.SdNotifyReady)
			last = next
		}
	}
}

// applyConfig pushes the live sections of next into running components and
// reports the rest as needing a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.Summarize(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	if ch.Has("logging") || ch.Has("telegram") {
		// Target first so Apply does not warn when telegram logging is on.
		a.logs.SetTelegramTarget(next.Telegram.GroupLogID(), next.Logging.Telegram.ThreadID)
		a.logs.Apply(mapLogging(next))
	}

	if ch.Has("scheduler") {
		sc, err := mapScheduler(next)
		if err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else if err := a.sched.Apply(ctx, sc); err != nil {
			a.log.Warn("scheduler apply failed", logx.Err(err))
		}
	}

	if ch.Has("telegram") && a.bot != nil {
		a.bot.SetAccess(next.Telegram.OwnerUserIDs, next.Telegram.AlertChatIDs)
	}

	if len(ch.Restart) > 0 {
		a.log.Warn("restart required for changes to take effect", logx.String("sections", strings.Join(ch.Restart, ",")))
	}
	a.log.Info("config reloaded", fields...)
}
