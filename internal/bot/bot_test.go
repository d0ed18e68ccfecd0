package bot

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"waterbender/internal/device"
	"waterbender/internal/schedule"
	"waterbender/internal/scheduler"
	"waterbender/internal/storage"
	"waterbender/internal/telemetry"
	"waterbender/internal/transport"
	logx "waterbender/pkg/logx"
)

const owner int64 = 1001

// fakeContext is the slice of tele.Context the command handlers touch.
type fakeContext struct {
	tele.Context
	user *tele.User
	chat *tele.Chat
	text string
	sent []string
}

func (c *fakeContext) Sender() *tele.User           { return c.user }
func (c *fakeContext) Chat() *tele.Chat             { return c.chat }
func (c *fakeContext) Text() string                 { return c.text }
func (c *fakeContext) Notify(tele.ChatAction) error { return nil }
func (c *fakeContext) Send(what any, _ ...any) error {
	c.sent = append(c.sent, fmt.Sprint(what))
	return nil
}

type stubScheduler struct {
	reloads   int
	active    int
	reloadErr error
}

func (s *stubScheduler) Reload(ctx context.Context) (int, error) {
	s.reloads++
	if s.reloadErr != nil {
		return 0, s.reloadErr
	}
	return s.active, ctx.Err()
}

func (s *stubScheduler) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{ActiveJobs: s.active}
}

func (s *stubScheduler) Location() *time.Location { return time.UTC }

type stubLister struct {
	rows []schedule.Schedule
	opt  storage.ListOptions
	err  error
}

func (l *stubLister) List(_ context.Context, opt storage.ListOptions) ([]schedule.Schedule, error) {
	l.opt = opt
	return l.rows, l.err
}

type stubDevice struct{ st telemetry.State }

func (d stubDevice) State() telemetry.State { return d.st }

type fixture struct {
	bot    *Bot
	mem    *transport.Memory
	sched  *stubScheduler
	lister *stubLister
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem:    transport.NewMemory(),
		sched:  &stubScheduler{active: 3},
		lister: &stubLister{},
	}
	f.bot = newBot(Config{OwnerUserIDs: []int64{owner}}, Deps{
		Device:    stubDevice{},
		Scheduler: f.sched,
		Schedules: f.lister,
		Publisher: f.mem,
	}, logx.Nop())
	return f
}

// dispatch runs cmd through the registered route as user from.
func (f *fixture) dispatch(t *testing.T, cmd string, from int64) *fakeContext {
	t.Helper()
	h, ok := f.bot.routes()[cmd]
	require.True(t, ok, "no route for %s", cmd)
	c := &fakeContext{user: &tele.User{ID: from}, chat: &tele.Chat{ID: from}, text: cmd}
	require.NoError(t, h(c))
	return c
}

func TestCommandsPublishToCommandsTopic(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cmd   string
		want  device.Command
		reply string
	}{
		{"/on", device.WaterOn, "Pump ON"},
		{"/off", device.WaterOff, "Pump OFF"},
		{"/auto", device.AutoMode, "Auto Mode"},
	}
	for _, tc := range cases {
		t.Run(tc.cmd, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			c := f.dispatch(t, tc.cmd, owner)
			assert.Equal(t, []string{string(tc.want)}, f.mem.SentTo("irrigation/commands"))
			require.Len(t, c.sent, 1)
			assert.Contains(t, c.sent[0], tc.reply)
		})
	}
}

func TestCommandPublishFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.mem.FailNext("irrigation/commands", errors.New("broker down"))
	c := f.dispatch(t, "/on", owner)
	assert.Equal(t, []string{"❌ Failed to send command."}, c.sent)
}

func TestOwnerGate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, cmd := range []string{"/status", "/on", "/off", "/auto", "/schedule", "/reload"} {
		c := f.dispatch(t, cmd, 42)
		require.Len(t, c.sent, 1, cmd)
		assert.Contains(t, c.sent[0], "Access Denied", cmd)
	}
	assert.Empty(t, f.mem.Sent())
	assert.Zero(t, f.sched.reloads)

	c := f.dispatch(t, "/help", 42)
	assert.Contains(t, c.sent[0], "Water Bender Bot Control")
}

func TestOwnerGateFollowsSetAccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.bot.SetAccess([]int64{7}, nil)

	assert.Contains(t, f.dispatch(t, "/reload", owner).sent[0], "Access Denied")
	assert.Contains(t, f.dispatch(t, "/reload", 7).sent[0], "Active jobs: 3")
}

func TestScheduleListsFiveActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.lister.rows = []schedule.Schedule{{Type: schedule.TypeDaily, Datetime: "06:00", Duration: 10}}
	c := f.dispatch(t, "/schedule", owner)
	assert.Equal(t, storage.ListOptions{Status: schedule.StatusActive, Limit: 5}, f.lister.opt)
	assert.Contains(t, c.sent[0], "1. *DAILY* (10 mins)")

	f.lister.err = errors.New("db gone")
	c = f.dispatch(t, "/schedule", owner)
	assert.Equal(t, []string{"❌ Failed to get schedules."}, c.sent)
}

func TestReloadReportsActiveJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.dispatch(t, "/reload", owner)
	assert.Equal(t, 1, f.sched.reloads)
	assert.Equal(t, []string{"🔄 Schedules reloaded. Active jobs: 3"}, c.sent)

	f.sched.reloadErr = errors.New("store list active: boom")
	c = f.dispatch(t, "/reload", owner)
	assert.Equal(t, []string{"❌ Reload failed: store list active: boom"}, c.sent)
}

func TestStatusIncludesActiveJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.dispatch(t, "/status", owner)
	require.Len(t, c.sent, 1)
	assert.Contains(t, c.sent[0], "Active Schedules: *3*")
	assert.Contains(t, c.sent[0], "Weather unavailable")
}
