// Package bot is the Telegram front end: status, manual control, schedule
// listing and pump alerts. It also delivers the log sink's chat messages.
package bot

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"waterbender/internal/device"
	"waterbender/internal/eventbus"
	rtsup "waterbender/internal/runtime/supervisor"
	"waterbender/internal/schedule"
	"waterbender/internal/scheduler"
	"waterbender/internal/storage"
	"waterbender/internal/telemetry"
	"waterbender/internal/transport"
	logx "waterbender/pkg/logx"
)

type Config struct {
	Token        string
	OwnerUserIDs []int64
	AlertChatIDs []int64
	PollTimeout  time.Duration
	// AlertEvery is the minimum spacing between two pump alerts.
	AlertEvery      time.Duration
	DefaultLocation string
}

type DeviceState interface {
	State() telemetry.State
}

type Scheduler interface {
	Reload(ctx context.Context) (int, error)
	Snapshot() scheduler.Snapshot
	Location() *time.Location
}

type ScheduleLister interface {
	List(ctx context.Context, opt storage.ListOptions) ([]schedule.Schedule, error)
}

// Deps are the services the commands talk to. Weather may be nil.
type Deps struct {
	Device    DeviceState
	Scheduler Scheduler
	Schedules ScheduleLister
	Publisher transport.Publisher
	Weather   telemetry.WeatherLookup
	Bus       eventbus.Bus
	Topics    device.Topics
}

type Bot struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	bot    *tele.Bot
	owners atomic.Pointer[map[int64]struct{}]
	alerts atomic.Pointer[[]int64]
	lim    *rate.Limiter

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b := newBot(cfg, deps, log)
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: b.cfg.PollTimeout},
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	b.bot = tb
	b.registerHandlers()
	return b, nil
}

// newBot applies defaults and builds everything except the telebot client.
func newBot(cfg Config, deps Deps, log logx.Logger) *Bot {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.AlertEvery <= 0 {
		cfg.AlertEvery = 30 * time.Second
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Topics == (device.Topics{}) {
		deps.Topics = device.TopicsFor("")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{cfg: cfg, deps: deps, log: log, lim: rate.NewLimiter(rate.Every(cfg.AlertEvery), 1)}
	b.SetAccess(cfg.OwnerUserIDs, cfg.AlertChatIDs)
	return b
}

// SetAccess swaps the owner allowlist and alert targets. Safe while running.
func (b *Bot) SetAccess(owners, alertChats []int64) {
	m := make(map[int64]struct{}, len(owners))
	for _, id := range owners {
		m[id] = struct{}{}
	}
	chats := append([]int64(nil), alertChats...)
	b.owners.Store(&m)
	b.alerts.Store(&chats)
}

func (b *Bot) isOwner(id int64) bool {
	m := b.owners.Load()
	if m == nil {
		return false
	}
	_, ok := (*m)[id]
	return ok
}

// ownerOnly drops updates from users outside the allowlist.
func (b *Bot) ownerOnly(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		u := c.Sender()
		if u == nil || !b.isOwner(u.ID) {
			var id int64
			if u != nil {
				id = u.ID
			}
			b.log.Warn("telegram: unauthorized command", logx.Int64("from_id", id), logx.String("text", c.Text()))
			return c.Send("⛔ *Access Denied.*", tele.ModeMarkdown)
		}
		return next(c)
	}
}

var commands = []tele.Command{
	{Text: "status", Description: "Check device & sensors"},
	{Text: "on", Description: "Pump ON (Manual)"},
	{Text: "off", Description: "Pump OFF (Manual)"},
	{Text: "auto", Description: "Auto Mode"},
	{Text: "schedule", Description: "View active schedules"},
	{Text: "reload", Description: "Reload schedules"},
	{Text: "help", Description: "Show help"},
}

// routes maps commands to handlers. Every command except /start and /help
// passes the owner gate.
func (b *Bot) routes() map[string]tele.HandlerFunc {
	help := func(c tele.Context) error { return c.Send(helpText, tele.ModeMarkdown) }
	return map[string]tele.HandlerFunc{
		"/start":    help,
		"/help":     help,
		"/status":   b.guard(b.handleStatus),
		"/on":       b.guard(b.command(device.WaterOn, "💦 *Sent:* Pump ON (Manual)")),
		"/off":      b.guard(b.command(device.WaterOff, "🛑 *Sent:* Pump OFF (Manual)")),
		"/auto":     b.guard(b.command(device.AutoMode, "🤖 *Sent:* Auto Mode")),
		"/schedule": b.guard(b.handleSchedule),
		"/reload":   b.guard(b.handleReload),
	}
}

func (b *Bot) guard(h tele.HandlerFunc) tele.HandlerFunc {
	return b.ownerOnly(b.requestLog(h))
}

func (b *Bot) registerHandlers() {
	for cmd, h := range b.routes() {
		b.bot.Handle(cmd, h)
	}
}

func (b *Bot) requestLog(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		start := time.Now()
		err := next(c)
		var chatID int64
		if ch := c.Chat(); ch != nil {
			chatID = ch.ID
		}
		fields := []logx.Field{
			logx.Int64("chat_id", chatID),
			logx.String("cmd", c.Text()),
			logx.Duration("dur", time.Since(start)),
		}
		if err != nil {
			b.log.Warn("telegram request failed", append(fields, logx.Err(err))...)
		} else {
			b.log.Debug("telegram request ok", fields...)
		}
		return err
	}
}

func (b *Bot) handleStatus(c tele.Context) error {
	_ = c.Notify(tele.Typing)
	v := statusView{State: b.deps.Device.State(), Now: time.Now()}
	if b.deps.Scheduler != nil {
		v.Loc = b.deps.Scheduler.Location()
		v.ActiveJobs = b.deps.Scheduler.Snapshot().ActiveJobs
	}
	if b.deps.Weather != nil {
		q := v.State.Telemetry.PublicIP
		if q == "" {
			q = b.cfg.DefaultLocation
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		cur, err := b.deps.Weather.Current(ctx, q)
		cancel()
		if err == nil {
			v.Weather = &cur
		} else {
			b.log.Debug("status weather unavailable", logx.Err(err))
		}
	}
	return c.Send(statusReport(v), tele.ModeMarkdown)
}

func (b *Bot) command(cmd device.Command, reply string) tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.deps.Publisher.Publish(ctx, b.deps.Topics.Commands, []byte(cmd)); err != nil {
			b.log.Error("telegram command publish failed", logx.String("command", string(cmd)), logx.Err(err))
			return c.Send("❌ Failed to send command.")
		}
		b.log.Info("telegram command sent", logx.String("command", string(cmd)), logx.Int64("from_id", c.Sender().ID))
		return c.Send(reply, tele.ModeMarkdown)
	}
}

func (b *Bot) handleSchedule(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rows, err := b.deps.Schedules.List(ctx, storage.ListOptions{Status: schedule.StatusActive, Limit: 5})
	if err != nil {
		b.log.Error("telegram schedule list failed", logx.Err(err))
		return c.Send("❌ Failed to get schedules.")
	}
	return c.Send(scheduleList(rows), tele.ModeMarkdown)
}

func (b *Bot) handleReload(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := b.deps.Scheduler.Reload(ctx)
	if err != nil {
		return c.Send("❌ Reload failed: " + err.Error())
	}
	return c.Send("🔄 Schedules reloaded. Active jobs: " + itoa(n))
}

func (b *Bot) Start(ctx context.Context) error {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = true
	b.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(b.log.With(logx.String("comp", "telegram"))),
		rtsup.WithCancelOnError(false),
	)
	sup := b.sup
	b.runMu.Unlock()

	if m := b.owners.Load(); m == nil || len(*m) == 0 {
		b.log.Warn("telegram: no owner_user_ids configured, every command except /help is denied")
	}
	if err := b.bot.SetCommands(commands); err != nil {
		b.log.Warn("telegram: set commands failed", logx.Err(err))
	}

	events, unsub := b.deps.Bus.Subscribe(16)
	sup.Go0("alerts", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				b.onEvent(c, ev)
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.bot.Stop()
	})

	sup.GoRestart0("telebot.poll", func(c context.Context) {
		b.log.Info("polling started")
		b.bot.Start()
		b.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (b *Bot) onEvent(ctx context.Context, ev eventbus.Event) {
	if ev.Type != eventbus.PumpState {
		return
	}
	pe, ok := ev.Data.(telemetry.PumpEvent)
	if !ok || pe.To != device.PumpOn || pe.From == device.PumpOn {
		return
	}
	if !b.lim.Allow() {
		b.log.Debug("pump alert suppressed by rate limit")
		return
	}
	chats := b.alerts.Load()
	if chats == nil || len(*chats) == 0 {
		return
	}
	text := alertText(pe)
	sent := 0
	for _, id := range *chats {
		if err := b.send(ctx, id, 0, text, tele.ModeMarkdown); err != nil {
			b.log.Warn("pump alert send failed", logx.Int64("chat_id", id), logx.Err(err))
			continue
		}
		sent++
	}
	b.log.Info("pump alert sent", logx.Int("chats", sent))
}

func (b *Bot) send(ctx context.Context, chatID int64, threadID int, text string, mode tele.ParseMode) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{ParseMode: mode, ThreadID: threadID, DisableWebPagePreview: true}
		if _, err := b.bot.Send(tele.ChatID(chatID), chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// SendLog delivers a rendered log line. It satisfies logx.Sender.
func (b *Bot) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	return b.send(ctx, chatID, threadID, text, tele.ModeDefault)
}

func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	sup := b.sup
	b.sup = nil
	wasRunning := b.running
	b.running = false
	b.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go b.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			b.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		b.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}
