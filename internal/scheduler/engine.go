package scheduler

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"waterbender/internal/clock"
	"waterbender/internal/device"
	"waterbender/internal/eventbus"
	"waterbender/internal/metrics"
	"waterbender/internal/recurrence"
	"waterbender/internal/registry"
	"waterbender/internal/schedule"
	"waterbender/internal/transport"
	logx "waterbender/pkg/logx"
)

const defaultShutdownOffTimeout = 5 * time.Second

type Option func(*Engine)

// WithRegistry replaces the default in-memory registry.
func WithRegistry(r JobRegistry) Option {
	return func(e *Engine) {
		if r != nil {
			e.reg = r
		}
	}
}

// WithNow overrides the wall clock used for recurrence decisions.
func WithNow(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// WithSleep overrides the wait between WATER_ON and WATER_OFF.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

func WithEventBus(b eventbus.Bus) Option {
	return func(e *Engine) {
		if b != nil {
			e.bus = b
		}
	}
}

type onceKey struct {
	id int64
	at int64
}

// Engine owns the job registry and executes runs.
type Engine struct {
	log   logx.Logger
	store Store
	pub   transport.Publisher
	reg   JobRegistry
	bus   eventbus.Bus
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu        sync.Mutex
	cfg       Config
	compiler  *recurrence.Compiler
	cron      *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc
	running   bool

	// reloadMu makes concurrent Reload calls take turns so each one starts
	// from a clean registry.
	reloadMu    sync.Mutex
	lastReload  time.Time
	lastSkipped int

	sem      chan struct{}
	inFlight atomic.Int64
	runs     sync.WaitGroup

	firedMu sync.Mutex
	fired   map[onceKey]time.Time
}

// New builds an engine. It does not load anything; call Start.
func New(cfg Config, store Store, pub transport.Publisher, log logx.Logger, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if pub == nil {
		return nil, errors.New("scheduler: publisher is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		log:   log,
		store: store,
		pub:   pub,
		reg:   registry.New(),
		bus:   eventbus.Nop(),
		sleep: sleepCtx,
		sem:   make(chan struct{}, 1),
		fired: map[onceKey]time.Time{},
	}
	for _, o := range opts {
		o(e)
	}
	cfg = withDefaults(cfg)
	comp, err := e.newCompiler(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	e.cfg = cfg
	e.compiler = comp
	e.cron = newCron(comp.Clock().Location())
	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	return e, nil
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = clock.DefaultZone
	}
	if cfg.Overlap == "" {
		cfg.Overlap = OverlapAllow
	}
	if strings.TrimSpace(cfg.CommandTopic) == "" {
		cfg.CommandTopic = device.TopicsFor("").Control
	}
	if cfg.ShutdownOffTimeout <= 0 {
		cfg.ShutdownOffTimeout = defaultShutdownOffTimeout
	}
	return cfg
}

func (e *Engine) newCompiler(tz string) (*recurrence.Compiler, error) {
	var opts []clock.Option
	if e.now != nil {
		opts = append(opts, clock.WithNow(e.now))
	}
	c, err := clock.Load(tz, opts...)
	if err != nil {
		return nil, err
	}
	return recurrence.NewCompiler(c), nil
}

func newCron(loc *time.Location) *cron.Cron {
	return cron.New(cron.WithParser(recurrence.Parser), cron.WithLocation(loc))
}

// Compiler returns the compiler anchored to the current timezone.
func (e *Engine) Compiler() *recurrence.Compiler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compiler
}

// Location is the zone schedule wall-clock times are interpreted in.
func (e *Engine) Location() *time.Location {
	return e.Compiler().Clock().Location()
}

func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Enabled
}

// Start starts cron and performs the initial reload. A disabled engine stays
// idle until Apply enables it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	if !e.cfg.Enabled {
		e.mu.Unlock()
		e.log.Info("scheduler disabled")
		return nil
	}
	e.running = true
	if e.runCtx.Err() != nil {
		e.runCtx, e.runCancel = context.WithCancel(context.Background())
	}
	e.cron.Start()
	tz := e.cfg.Timezone
	e.mu.Unlock()

	n, err := e.Reload(ctx)
	if err != nil {
		// Triggers come back on the next successful reload.
		e.log.Error("initial reload failed", logx.Err(err))
		return err
	}
	e.log.Info("scheduler started", logx.String("tz", tz), logx.Int("jobs", n))
	return nil
}

// Stop cancels every trigger and waits for in-flight runs until ctx is done.
// Runs still watering are cut short: their wait ends and WATER_OFF is sent.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	// fire checks running under mu, so no run is added after this point.
	e.running = false
	c := e.cron
	cancel := e.runCancel
	e.mu.Unlock()

	start := time.Now()
	e.reloadMu.Lock()
	n := e.reg.Clear()
	e.reloadMu.Unlock()
	metrics.ActiveJobs.Set(0)

	// Cancel before waiting on cron: its Stop only completes once running
	// jobs return, and a job returns only after its wait is cut short.
	cancel()
	cronDone := c.Stop().Done()

	done := make(chan struct{})
	go func() {
		<-cronDone
		e.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("scheduler stopped", logx.Int("cleared", n), logx.Duration("took", time.Since(start)))
		return nil
	case <-ctx.Done():
		e.log.Warn("scheduler stop timed out waiting for runs", logx.Int64("runs_active", e.inFlight.Load()))
		return ctx.Err()
	}
}

// Apply swaps the runtime config. A timezone change rebuilds the compiler and
// cron instance and reloads. Enabling or disabling starts or stops the engine.
func (e *Engine) Apply(ctx context.Context, cfg Config) error {
	cfg = withDefaults(cfg)

	e.mu.Lock()
	old := e.cfg
	running := e.running
	tzChanged := !strings.EqualFold(strings.TrimSpace(old.Timezone), strings.TrimSpace(cfg.Timezone))
	var comp *recurrence.Compiler
	if tzChanged {
		var err error
		comp, err = e.newCompiler(cfg.Timezone)
		if err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.cfg = cfg
	if tzChanged {
		oldCron := e.cron
		e.compiler = comp
		e.cron = newCron(comp.Clock().Location())
		if running {
			e.cron.Start()
			oldCron.Stop()
		}
	}
	e.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		return e.Stop(ctx)
	case !running && cfg.Enabled:
		return e.Start(ctx)
	case running && tzChanged:
		e.log.Info("scheduler timezone changed", logx.String("from", old.Timezone), logx.String("to", cfg.Timezone))
		_, err := e.Reload(ctx)
		return err
	}
	return nil
}

// Reload rebuilds the registry from the store and returns the number of live
// triggers. Only a failure to list active rows is returned; per-row problems
// are logged and skipped.
func (e *Engine) Reload(ctx context.Context) (int, error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	start := time.Now()
	cleared := e.reg.Clear()

	e.mu.Lock()
	comp := e.compiler
	c := e.cron
	runCtx := e.runCtx
	running := e.running
	e.mu.Unlock()

	if !running {
		metrics.ActiveJobs.Set(0)
		return 0, nil
	}

	rows, err := e.store.ListActive(ctx)
	if err != nil {
		metrics.ReloadsTotal.WithLabelValues("error").Inc()
		metrics.ActiveJobs.Set(0)
		e.log.Error("reload: list active schedules failed", logx.Err(err))
		return 0, errors.Wrap(err, "reload")
	}

	live := make([]schedule.Schedule, 0, len(rows))
	var expired []int64
	for _, r := range rows {
		if comp.Expired(r) {
			expired = append(expired, r.ID)
			continue
		}
		live = append(live, r)
	}
	if len(expired) > 0 {
		metrics.SkippedRowsTotal.WithLabelValues("expired").Add(float64(len(expired)))
		if n, err := e.store.DeleteByIDs(ctx, expired); err != nil {
			e.log.Warn("reload: expired cleanup failed", logx.Any("ids", expired), logx.Err(err))
		} else {
			e.log.Info("reload: expired once schedules deleted", logx.Int64("deleted", n), logx.Any("ids", expired))
		}
	}

	skipped := 0
	for _, r := range live {
		plan, err := comp.Compile(r)
		if err != nil {
			skipped++
			reason := skipReason(err)
			metrics.SkippedRowsTotal.WithLabelValues(reason).Inc()
			e.log.Warn("reload: schedule skipped",
				logx.Int64("schedule_id", r.ID),
				logx.String("type", string(r.Type)),
				logx.String("reason", reason),
				logx.Err(err),
			)
			continue
		}
		task, err := e.activate(runCtx, c, comp, r, plan)
		if err != nil {
			skipped++
			metrics.SkippedRowsTotal.WithLabelValues("register").Inc()
			e.log.Error("reload: register failed", logx.Int64("schedule_id", r.ID), logx.Err(err))
			continue
		}
		e.reg.Set(r.ID, task)
	}

	n := e.reg.Size()
	e.lastReload = start
	e.lastSkipped = skipped
	e.pruneFired(comp.Clock().Now())

	metrics.ActiveJobs.Set(float64(n))
	metrics.ReloadsTotal.WithLabelValues("ok").Inc()
	e.bus.Publish(eventbus.Event{Type: eventbus.SchedulesReloaded, Data: ReloadEvent{Active: n, Skipped: skipped, Expired: len(expired)}})
	e.log.Info("reload complete",
		logx.Int("cleared", cleared),
		logx.Int("rows", len(rows)),
		logx.Int("active", n),
		logx.Int("skipped", skipped),
		logx.Int("expired", len(expired)),
		logx.Duration("took", time.Since(start)),
	)
	return n, nil
}

func skipReason(err error) string {
	var mt *clock.MalformedTimeError
	var ir *recurrence.InvalidRecurrenceError
	switch {
	case errors.Is(err, recurrence.ErrExpired):
		return "expired"
	case errors.As(err, &mt):
		return "malformed"
	case errors.As(err, &ir):
		return "invalid"
	default:
		return "error"
	}
}

// activate binds plan to a live handle. The schedule snapshot captured here
// is what the run uses when it fires.
func (e *Engine) activate(runCtx context.Context, c *cron.Cron, comp *recurrence.Compiler, s schedule.Schedule, plan recurrence.Plan) (registryTask, error) {
	switch p := plan.(type) {
	case recurrence.Once:
		key := onceKey{id: s.ID, at: p.At.Unix()}
		delay := max(p.At.Sub(comp.Clock().Now()), 0)
		t := &timerTask{id: s.ID, at: p.At}
		t.t = time.AfterFunc(delay, func() {
			if !e.markFired(key, p.At) {
				e.log.Debug("once trigger already fired", logx.Int64("schedule_id", s.ID))
				return
			}
			e.fire(runCtx, s)
		})
		return t, nil
	case recurrence.Repeating:
		pattern := p.Pattern()
		id, err := c.AddFunc(pattern, func() { e.fire(runCtx, s) })
		if err != nil {
			return nil, errors.Wrapf(err, "cron pattern %q", pattern)
		}
		return &cronTask{id: s.ID, kind: plan.Kind(), pattern: pattern, c: c, entry: id}, nil
	default:
		return nil, errors.Newf("unsupported plan %T", plan)
	}
}

type registryTask interface {
	registry.Task
	describer
}

// markFired records that the once trigger (id, at) has fired. It reports false
// if it already had.
func (e *Engine) markFired(k onceKey, at time.Time) bool {
	e.firedMu.Lock()
	defer e.firedMu.Unlock()
	if _, ok := e.fired[k]; ok {
		return false
	}
	e.fired[k] = at
	return true
}

func (e *Engine) pruneFired(now time.Time) {
	e.firedMu.Lock()
	defer e.firedMu.Unlock()
	for k, at := range e.fired {
		if now.Sub(at) > 24*time.Hour {
			delete(e.fired, k)
		}
	}
}

func (e *Engine) fire(ctx context.Context, s schedule.Schedule) {
	e.mu.Lock()
	if !e.running || ctx.Err() != nil {
		e.mu.Unlock()
		e.log.Debug("trigger fired after stop, ignored", logx.Int64("schedule_id", s.ID))
		return
	}
	e.runs.Add(1)
	e.mu.Unlock()
	defer e.runs.Done()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("run panicked", logx.Int64("schedule_id", s.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	_ = e.Run(ctx, s)
}

// Snapshot reports engine state and every live trigger.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	state := "stopped"
	switch {
	case !e.cfg.Enabled:
		state = "disabled"
	case e.running:
		state = "running"
	}
	snap := Snapshot{
		State:    state,
		Timezone: e.compiler.Clock().Location().String(),
		Overlap:  e.cfg.Overlap,
	}
	e.mu.Unlock()

	e.reloadMu.Lock()
	snap.LastReload = e.lastReload
	snap.LastSkipped = e.lastSkipped
	entries := e.reg.Entries()
	e.reloadMu.Unlock()

	snap.ActiveJobs = len(entries)
	snap.RunsActive = e.inFlight.Load()
	snap.Entries = make([]EntryInfo, 0, len(entries))
	for _, en := range entries {
		info := EntryInfo{ID: en.ID}
		if d, ok := en.Task.(describer); ok {
			info = d.describe()
		}
		snap.Entries = append(snap.Entries, info)
	}
	return snap
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
