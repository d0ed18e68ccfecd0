package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"

	"waterbender/internal/bot"
	"waterbender/internal/config"
	"waterbender/internal/device"
	"waterbender/internal/eventbus"
	"waterbender/internal/httpapi"
	"waterbender/internal/planner"
	"waterbender/internal/runtime/supervisor"
	"waterbender/internal/scheduler"
	"waterbender/internal/storage"
	"waterbender/internal/telemetry"
	"waterbender/internal/transport"
	"waterbender/internal/transport/mqtt"
	"waterbender/internal/weather"
	logx "waterbender/pkg/logx"
)

// App owns every long-lived component of the irrigation service.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	topics  device.Topics
	store   storage.Store
	tr      transport.Client
	sched   *scheduler.Engine
	wx      *weather.Client
	telem   *telemetry.Service
	planner *planner.Planner
	bot     *bot.Bot
	http    *httpapi.Server
	httpErr chan error

	// notify reports lifecycle state to the service manager.
	notify func(state string)
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgm *config.Manager) (a *App, err error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Telegram logging stays off until the target chat is known so Apply
	// does not warn about a missing group_log.
	logCfg := mapLogging(cfg)
	tgEnabled := logCfg.Telegram.Enabled
	logCfg.Telegram.Enabled = false
	logSvc, log := logx.New(logCfg, nil)
	if id := cfg.Telegram.GroupLogID(); id != 0 {
		logSvc.SetTelegramTarget(id, cfg.Logging.Telegram.ThreadID)
	}
	logCfg.Telegram.Enabled = tgEnabled
	logSvc.Apply(logCfg)

	a = &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		topics:  topicsFor(cfg),
		httpErr: make(chan error, 1),
		notify:  sdNotify,
	}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	a.store, err = storage.Open(StoreConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}

	if mc := mapMQTT(cfg); mc.Broker != "" {
		cl, err := mqtt.Dial(ctx, mc, log.With(logx.String("comp", "mqtt")))
		if err != nil {
			return nil, errors.Wrap(err, "connect mqtt")
		}
		a.tr = cl
	} else {
		a.log.Warn("mqtt.broker is empty; commands stay in-process (dry run)")
		a.tr = transport.NewMemory()
	}

	sc, err := mapScheduler(cfg)
	if err != nil {
		return nil, err
	}
	a.sched, err = scheduler.New(sc, a.store, a.tr, log.With(logx.String("comp", "scheduler")),
		scheduler.WithEventBus(a.bus))
	if err != nil {
		return nil, err
	}

	a.wx = weather.New(mapWeather(cfg), log.With(logx.String("comp", "weather")))
	a.telem = telemetry.New(telemetry.Options{
		Topics:          a.topics,
		DefaultLocation: cfg.Weather.DefaultLocation,
	}, a.tr, a.store, a.wx, a.bus, log.With(logx.String("comp", "telemetry")))

	llm := planner.NewLLM(mapLLM(cfg), log.With(logx.String("comp", "llm")))
	if llm.Enabled() && a.wx.Enabled() {
		a.planner = planner.New(a.wx, llm, a.store, a.sched, cfg.Weather.DefaultLocation,
			log.With(logx.String("comp", "planner")))
	} else {
		a.log.Info("auto-schedule disabled (needs weather.api_key and ai.api_key)")
	}

	if bc := mapBot(cfg); bc.Token != "" {
		a.bot, err = bot.New(bc, bot.Deps{
			Device:    a.telem,
			Scheduler: a.sched,
			Schedules: a.store,
			Publisher: a.tr,
			Weather:   a.wx,
			Bus:       a.bus,
			Topics:    a.topics,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, errors.Wrap(err, "telegram bot")
		}
		logSvc.SetSender(a.bot)
	}

	deps := httpapi.Deps{
		Store:     a.store,
		Scheduler: a.sched,
		Publisher: a.tr,
		Topics:    a.topics,
		Device:    a.telem,
	}
	if a.planner != nil {
		deps.Planner = a.planner
	}
	hc := mapHTTP(cfg)
	httpLog := log.With(logx.String("comp", "http"))
	router := httpapi.NewRouter(deps, hc.JWTSecret, httpLog, httpapi.WithProfiler(cfg.HTTP.Pprof))
	a.http = httpapi.NewServer(hc, router, httpLog)

	return a, nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HTTPAddr is the bound API address, valid after Start.
func (a *App) HTTPAddr() string { return a.http.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)
	run := a.sup.Context()
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.telem.Attach(run, a.tr); err != nil {
		return errors.Wrap(err, "subscribe telemetry")
	}
	if err := a.sched.Start(run); err != nil {
		// The engine keeps running; the next reload restores triggers.
		a.log.Warn("scheduler started without schedules", logx.Err(err))
	}
	if err := a.http.Start(run, a.httpErr); err != nil {
		return err
	}
	a.sup.Go("http.serve", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case err := <-a.httpErr:
			return err
		}
	})
	if a.bot != nil {
		if err := a.bot.Start(run); err != nil {
			return errors.Wrap(err, "start telegram bot")
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("http", a.http.Addr()), logx.Bool("telegram", a.bot != nil))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.notify(daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	offTimeout := a.cfgm.Get().Scheduler.OffTimeout()

	a.step(ctx, "http", 3*time.Second, a.http.Stop)
	a.step(ctx, "telegram", 3*time.Second, func(c context.Context) error {
		if a.bot == nil {
			return nil
		}
		return a.bot.Stop(c)
	})
	// Runs cut short still need the transport for WATER_OFF.
	a.step(ctx, "scheduler", offTimeout+2*time.Second, a.sched.Stop)
	a.step(ctx, "transport", 2*time.Second, func(context.Context) error { return a.tr.Close() })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// closeResources releases what New opened when Start never ran.
func (a *App) closeResources() {
	if a.tr != nil {
		_ = a.tr.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func sdNotify(state string) {
	// Not running under systemd is the common case and not an error.
	_, _ = daemon.SdNotify(false, state)
}
