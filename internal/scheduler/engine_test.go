package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waterbender/internal/device"
	"waterbender/internal/eventbus"
	"waterbender/internal/registry"
	"waterbender/internal/schedule"
	"waterbender/internal/storage"
	"waterbender/internal/transport"
	logx "waterbender/pkg/logx"
)

// 2025-03-10 08:00 in Asia/Jakarta, a Monday.
var monday0800 = time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC)

const control = "irrigation/control"

type fakeStore struct {
	mu      sync.Mutex
	rows    map[int64]schedule.Schedule
	deleted []int64
	listErr error
	delErr  error
	lists   int
}

func newFakeStore(rows ...schedule.Schedule) *fakeStore {
	fs := &fakeStore{rows: map[int64]schedule.Schedule{}}
	for _, r := range rows {
		fs.put(r)
	}
	return fs
}

func (f *fakeStore) put(r schedule.Schedule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Status == "" {
		r.Status = schedule.StatusActive
	}
	f.rows[r.ID] = r
}

func (f *fakeStore) ListActive(context.Context) ([]schedule.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []schedule.Schedule
	for _, r := range f.rows {
		if r.Status == schedule.StatusActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) DeleteByID(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	if _, ok := f.rows[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.rows, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) DeleteByIDs(_ context.Context, ids []int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return 0, f.delErr
	}
	var n int64
	for _, id := range ids {
		if _, ok := f.rows[id]; ok {
			delete(f.rows, id)
			f.deleted = append(f.deleted, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) has(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[id]
	return ok
}

func (f *fakeStore) deletedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.deleted...)
}

// sleepRecorder returns immediately and records every requested wait.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func newEngine(t *testing.T, st Store, pub transport.Publisher, cfg Config, opts ...Option) *Engine {
	t.Helper()
	cfg.Enabled = true
	if cfg.Timezone == "" {
		cfg.Timezone = "Asia/Jakarta"
	}
	opts = append([]Option{WithNow(func() time.Time { return monday0800 })}, opts...)
	e, err := New(cfg, st, pub, logx.Nop(), opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func mixedRows() []schedule.Schedule {
	return []schedule.Schedule{
		{ID: 1, Type: schedule.TypeDaily, Datetime: "06:00", Duration: 10},
		{ID: 2, Type: schedule.TypeHourly, RepeatInterval: "3", Duration: 5},
		{ID: 3, Type: schedule.TypeWeekly, Datetime: "17:30", Weekday: "Monday, Wednesday", Duration: 15},
		{ID: 4, Type: schedule.TypeOnce, Datetime: "2025-03-10 09:00", Duration: 1},
		{ID: 5, Type: schedule.TypeOnce, Datetime: "2025-03-10T07:00", Duration: 1}, // expired
		{ID: 6, Type: schedule.TypeHourly, RepeatInterval: "abc", Duration: 5},      // invalid
		{ID: 7, Type: schedule.TypeDaily, Datetime: "6am", Duration: 5},             // malformed
		{ID: 8, Type: schedule.TypeDaily, Datetime: "05:00", Duration: 5, Status: "inactive"},
	}
}

func liveIDs(e *Engine) []int64 {
	var ids []int64
	for _, en := range e.Snapshot().Entries {
		ids = append(ids, en.ID)
	}
	return ids
}

func TestReloadIsIdempotent(t *testing.T) {
	st := newFakeStore(mixedRows()...)
	e := newEngine(t, st, transport.NewMemory(), Config{})

	first := liveIDs(e)
	require.Equal(t, []int64{1, 2, 3, 4}, first)
	for range 3 {
		n, err := e.Reload(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		assert.Equal(t, first, liveIDs(e))
	}
}

func TestConcurrentReloadsConverge(t *testing.T) {
	st := newFakeStore(mixedRows()...)
	e := newEngine(t, st, transport.NewMemory(), Config{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Reload(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, []int64{1, 2, 3, 4}, liveIDs(e))
}

// countingRegistry wraps the real registry and tracks every handle it has
// seen so leaks can be detected.
type countingRegistry struct {
	*registry.Registry
	mu       sync.Mutex
	handed   []registry.Task
	canceled map[registry.Task]int
}

type trackedTask struct {
	registry.Task
	reg *countingRegistry
}

func (t *trackedTask) Cancel() {
	t.reg.mu.Lock()
	t.reg.canceled[t]++
	t.reg.mu.Unlock()
	t.Task.Cancel()
}

func newCountingRegistry() *countingRegistry {
	return &countingRegistry{Registry: registry.New(), canceled: map[registry.Task]int{}}
}

func (r *countingRegistry) Set(id int64, t registry.Task) {
	tt := &trackedTask{Task: t, reg: r}
	r.mu.Lock()
	r.handed = append(r.handed, tt)
	r.mu.Unlock()
	r.Registry.Set(id, tt)
}

func (r *countingRegistry) live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.handed {
		if r.canceled[t] == 0 {
			n++
		}
	}
	return n
}

func TestReloadDoesNotLeakHandles(t *testing.T) {
	st := newFakeStore(mixedRows()...)
	reg := newCountingRegistry()
	e := newEngine(t, st, transport.NewMemory(), Config{}, WithRegistry(reg))

	for range 5 {
		_, err := e.Reload(context.Background())
		require.NoError(t, err)
		// Live handles equal compilable active rows: 1, 2, 3, 4.
		assert.Equal(t, 4, reg.live())
		assert.Equal(t, 4, reg.Size())
	}

	st.put(schedule.Schedule{ID: 9, Type: schedule.TypeDaily, Datetime: "20:00", Duration: 3})
	n, err := e.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, reg.live())
}

func TestPastOnceIsNotRegisteredAndIsDeleted(t *testing.T) {
	st := newFakeStore(mixedRows()...)
	e := newEngine(t, st, transport.NewMemory(), Config{})

	assert.NotContains(t, liveIDs(e), int64(5))
	assert.Contains(t, st.deletedIDs(), int64(5))
	assert.False(t, st.has(5))
}

func TestExpiredCleanupFailureDoesNotAbortReload(t *testing.T) {
	st := newFakeStore(mixedRows()...)
	st.delErr = errors.New("disk full")
	e := newEngine(t, st, transport.NewMemory(), Config{})

	assert.Equal(t, []int64{1, 2, 3, 4}, liveIDs(e))
	assert.True(t, st.has(5))
}

func TestReloadSurfacesListFailure(t *testing.T) {
	st := newFakeStore(mixedRows()...)
	e := newEngine(t, st, transport.NewMemory(), Config{})
	require.Len(t, liveIDs(e), 4)

	st.mu.Lock()
	st.listErr = &storage.UnavailableError{Op: "list active", Err: errors.New("connection refused")}
	st.mu.Unlock()

	n, err := e.Reload(context.Background())
	require.Error(t, err)
	assert.True(t, storage.IsUnavailable(err))
	assert.Zero(t, n)
	assert.Empty(t, liveIDs(e), "clear runs before the fetch")
}

func TestOnceFiresExactlyOnceThenDeletes(t *testing.T) {
	// One second before the scheduled minute.
	now := time.Date(2025, 3, 10, 1, 0, 59, 0, time.UTC)
	st := newFakeStore(schedule.Schedule{ID: 42, Type: schedule.TypeOnce, Datetime: "2025-03-10 08:01", Duration: 5})
	pub := transport.NewMemory()
	rec := &sleepRecorder{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	e := newEngine(t, st, pub, Config{}, WithNow(func() time.Time { return now }), WithSleep(rec.sleep), WithEventBus(bus))
	require.Equal(t, []int64{42}, liveIDs(e))

	waitFor(t, events, eventbus.RunFinished, 3*time.Second)

	assert.Equal(t, []string{string(device.WaterOn), string(device.WaterOff)}, pub.SentTo(control))
	assert.Equal(t, []time.Duration{5 * time.Minute}, rec.all())
	assert.Equal(t, []int64{42}, st.deletedIDs())
	assert.Empty(t, liveIDs(e))

	// A further reload must not bring it back or fire it again.
	_, err := e.Reload(context.Background())
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pub.SentTo(control), 2)
}

func TestKeepAfterRunOnceIsNotDeleted(t *testing.T) {
	st := newFakeStore(schedule.Schedule{ID: 3, Type: schedule.TypeOnce, Datetime: "2025-03-10 09:00", Duration: 1, KeepAfterRun: true})
	pub := transport.NewMemory()
	e := newEngine(t, st, pub, Config{}, WithSleep((&sleepRecorder{}).sleep))

	s := st.rows[3]
	require.NoError(t, e.Run(context.Background(), s))
	assert.True(t, st.has(3))
	assert.Empty(t, st.deletedIDs())
}

func TestRecurringRowsSurviveRunsAndReloads(t *testing.T) {
	daily := schedule.Schedule{ID: 1, Type: schedule.TypeDaily, Datetime: "06:00", Duration: 2, Status: schedule.StatusActive}
	st := newFakeStore(daily)
	pub := transport.NewMemory()
	e := newEngine(t, st, pub, Config{}, WithSleep((&sleepRecorder{}).sleep))

	for range 3 {
		require.NoError(t, e.Run(context.Background(), daily))
		_, err := e.Reload(context.Background())
		require.NoError(t, err)
	}
	assert.True(t, st.has(1))
	assert.Empty(t, st.deletedIDs())
	assert.Equal(t, []int64{1}, liveIDs(e))
	assert.Len(t, pub.SentTo(control), 6)

	snap := e.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "0 6 * * *", snap.Entries[0].Pattern)
}

func TestWeeklyPatternNormalized(t *testing.T) {
	st := newFakeStore(schedule.Schedule{ID: 3, Type: schedule.TypeWeekly, Datetime: "17:30", Weekday: " monday,WEDNESDAY ", Duration: 1})
	e := newEngine(t, st, transport.NewMemory(), Config{})

	snap := e.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, schedule.TypeWeekly, snap.Entries[0].Kind)
	assert.Equal(t, "30 17 * * Mon,Wed", snap.Entries[0].Pattern)
	want := time.Date(2025, 3, 10, 17, 30, 0, 0, e.Compiler().Clock().Location())
	assert.True(t, want.Equal(snap.Entries[0].Next) || snap.Entries[0].Next.After(want))
}

func TestHourlyRejectsBadInterval(t *testing.T) {
	st := newFakeStore(
		schedule.Schedule{ID: 1, Type: schedule.TypeHourly, RepeatInterval: "0", Duration: 1},
		schedule.Schedule{ID: 2, Type: schedule.TypeHourly, RepeatInterval: "abc", Duration: 1},
		schedule.Schedule{ID: 3, Type: schedule.TypeHourly, RepeatInterval: "4", Duration: 1},
	)
	e := newEngine(t, st, transport.NewMemory(), Config{})

	assert.Equal(t, []int64{3}, liveIDs(e))
	assert.Equal(t, 2, e.Snapshot().LastSkipped)
}

// blockingSleep parks every run until release is closed.
type blockingSleep struct {
	started chan int64
	release chan struct{}
}

func newBlockingSleep() *blockingSleep {
	return &blockingSleep{started: make(chan int64, 8), release: make(chan struct{})}
}

func (b *blockingSleep) sleep(ctx context.Context, d time.Duration) error {
	b.started <- int64(d / time.Minute)
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestReloadDoesNotDisturbInFlightRun(t *testing.T) {
	once := schedule.Schedule{ID: 10, Type: schedule.TypeOnce, Datetime: "2025-03-10 09:00", Duration: 7, Status: schedule.StatusActive}
	st := newFakeStore(once, schedule.Schedule{ID: 11, Type: schedule.TypeDaily, Datetime: "06:00", Duration: 1})
	pub := transport.NewMemory()
	bs := newBlockingSleep()
	e := newEngine(t, st, pub, Config{}, WithSleep(bs.sleep))

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), once) }()
	require.Equal(t, int64(7), <-bs.started)

	// Mutate the store under the running schedule and reload twice.
	changed := once
	changed.Duration = 99
	changed.KeepAfterRun = true
	st.put(changed)
	st.put(schedule.Schedule{ID: 12, Type: schedule.TypeDaily, Datetime: "18:00", Duration: 1})
	n, err := e.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = e.Reload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{string(device.WaterOn)}, pub.SentTo(control))
	close(bs.release)
	require.NoError(t, <-done)

	assert.Equal(t, []string{string(device.WaterOn), string(device.WaterOff)}, pub.SentTo(control))
	// The snapshot captured at fire time had keep_after_run=false.
	assert.Equal(t, []int64{10}, st.deletedIDs())
	assert.Equal(t, []int64{11, 12}, liveIDs(e))
}

func TestFailedOnStillSendsOff(t *testing.T) {
	st := newFakeStore()
	pub := transport.NewMemory()
	pub.FailNext(control, errors.New("broker gone"))
	e := newEngine(t, st, pub, Config{}, WithSleep((&sleepRecorder{}).sleep))

	err := e.Run(context.Background(), schedule.Schedule{ID: 1, Type: schedule.TypeDaily, Datetime: "06:00", Duration: 1})
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, string(device.WaterOn), pe.Command)
	assert.Equal(t, []string{string(device.WaterOff)}, pub.SentTo(control))
}

func TestOverlapSkip(t *testing.T) {
	pub := transport.NewMemory()
	bs := newBlockingSleep()
	e := newEngine(t, newFakeStore(), pub, Config{Overlap: OverlapSkip}, WithSleep(bs.sleep))
	a := schedule.Schedule{ID: 1, Type: schedule.TypeDaily, Datetime: "06:00", Duration: 1}
	b := schedule.Schedule{ID: 2, Type: schedule.TypeDaily, Datetime: "06:00", Duration: 2}

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), a) }()
	<-bs.started

	require.ErrorIs(t, e.Run(context.Background(), b), ErrSkipped)
	close(bs.release)
	require.NoError(t, <-done)
	assert.Len(t, pub.SentTo(control), 2)
}

func TestOverlapSerialize(t *testing.T) {
	pub := transport.NewMemory()
	bs := newBlockingSleep()
	e := newEngine(t, newFakeStore(), pub, Config{Overlap: OverlapSerialize}, WithSleep(bs.sleep))
	a := schedule.Schedule{ID: 1, Type: schedule.TypeDaily, Datetime: "06:00", Duration: 1}
	b := schedule.Schedule{ID: 2, Type: schedule.TypeDaily, Datetime: "06:00", Duration: 2}

	doneA := make(chan error, 1)
	go func() { doneA <- e.Run(context.Background(), a) }()
	<-bs.started

	doneB := make(chan error, 1)
	go func() { doneB <- e.Run(context.Background(), b) }()

	select {
	case <-bs.started:
		t.Fatal("second run started while the first was watering")
	case <-time.After(50 * time.Millisecond):
	}
	close(bs.release)
	require.NoError(t, <-doneA)
	assert.Equal(t, int64(2), <-bs.started)
	require.NoError(t, <-doneB)

	assert.Equal(t, []string{"WATER_ON", "WATER_OFF", "WATER_ON", "WATER_OFF"}, pub.SentTo(control))
}

func TestCanceledRunSendsOffAndKeepsRow(t *testing.T) {
	once := schedule.Schedule{ID: 5, Type: schedule.TypeOnce, Datetime: "2025-03-10 09:00", Duration: 30, Status: schedule.StatusActive}
	st := newFakeStore(once)
	pub := transport.NewMemory()
	e := newEngine(t, st, pub, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, once) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
	assert.Equal(t, []string{"WATER_ON", "WATER_OFF"}, pub.SentTo(control))
	assert.True(t, st.has(5))
}

func TestStopCutsShortCronFiredRun(t *testing.T) {
	daily := schedule.Schedule{ID: 9, Type: schedule.TypeDaily, Datetime: "06:00", Duration: 30, Status: schedule.StatusActive}
	st := newFakeStore(daily)
	pub := transport.NewMemory()
	e := newEngine(t, st, pub, Config{})

	// Same path as a registered daily trigger, on a one second cadence.
	e.mu.Lock()
	c, runCtx := e.cron, e.runCtx
	e.mu.Unlock()
	c.Schedule(cron.Every(time.Second), cron.FuncJob(func() { e.fire(runCtx, daily) }))
	require.Eventually(t, func() bool { return e.inFlight.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, e.Stop(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, e.inFlight.Load())

	sent := pub.SentTo(control)
	require.NotEmpty(t, sent)
	assert.Equal(t, "WATER_OFF", sent[len(sent)-1])
	assert.Equal(t, strings.Count(strings.Join(sent, " "), "WATER_ON"), strings.Count(strings.Join(sent, " "), "WATER_OFF"))
	assert.True(t, st.has(9))
}

func TestTriggerAfterStopIsIgnored(t *testing.T) {
	daily := schedule.Schedule{ID: 3, Type: schedule.TypeDaily, Datetime: "06:00", Duration: 1, Status: schedule.StatusActive}
	pub := transport.NewMemory()
	e := newEngine(t, newFakeStore(daily), pub, Config{}, WithSleep((&sleepRecorder{}).sleep))

	e.mu.Lock()
	runCtx := e.runCtx
	e.mu.Unlock()
	require.NoError(t, e.Stop(context.Background()))

	e.fire(runCtx, daily)
	assert.Empty(t, pub.SentTo(control))
	assert.Zero(t, e.inFlight.Load())
}

func TestDisabledEngineStaysIdle(t *testing.T) {
	st := newFakeStore(mixedRows()...)
	e, err := New(Config{Enabled: false}, st, transport.NewMemory(), logx.Nop(), WithNow(func() time.Time { return monday0800 }))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	n, err := e.Reload(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, st.lists)
	assert.Equal(t, "disabled", e.Snapshot().State)

	require.NoError(t, e.Apply(context.Background(), Config{Enabled: true}))
	assert.Equal(t, "running", e.Snapshot().State)
	assert.Len(t, liveIDs(e), 4)
	require.NoError(t, e.Stop(context.Background()))
}

func TestApplyTimezoneChangeReloads(t *testing.T) {
	st := newFakeStore(schedule.Schedule{ID: 1, Type: schedule.TypeDaily, Datetime: "06:00", Duration: 1})
	e := newEngine(t, st, transport.NewMemory(), Config{})

	require.NoError(t, e.Apply(context.Background(), Config{Enabled: true, Timezone: "UTC"}))
	snap := e.Snapshot()
	assert.Equal(t, "UTC", snap.Timezone)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, time.UTC, snap.Entries[0].Next.Location())
}

func TestParseOverlapPolicy(t *testing.T) {
	t.Parallel()
	p, err := ParseOverlapPolicy("")
	require.NoError(t, err)
	assert.Equal(t, OverlapAllow, p)
	p, err = ParseOverlapPolicy(" Serialize ")
	require.NoError(t, err)
	assert.Equal(t, OverlapSerialize, p)
	_, err = ParseOverlapPolicy("queue")
	require.Error(t, err)
}

func waitFor(t *testing.T, ch <-chan eventbus.Event, typ string, d time.Duration) eventbus.Event {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %s", typ, d)
		}
	}
}
