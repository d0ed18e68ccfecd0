package bot

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waterbender/internal/device"
	"waterbender/internal/schedule"
	"waterbender/internal/telemetry"
	"waterbender/internal/weather"
)

func f(v float64) *float64 { return &v }

func TestStatusReportOnline(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	out := statusReport(statusView{
		State: telemetry.State{
			Telemetry: device.Telemetry{Soil: f(42), Rain: f(0)},
			Pump:      device.PumpOn,
			Mode:      device.ModeManual,
			UpdatedAt: now.Add(-30 * time.Second),
		},
		Now:        now,
		ActiveJobs: 4,
		Weather:    &weather.Current{Location: "Jakarta", Temperature: 31.5, Humidity: 70, WindKph: 12},
	})
	assert.Contains(t, out, "🟢 Online")
	assert.Contains(t, out, "Soil Moisture: *42%*")
	assert.Contains(t, out, "Active 💧")
	assert.Contains(t, out, "🖐️ Manual")
	assert.Contains(t, out, "Active Schedules: *4*")
	assert.Contains(t, out, "Weather at Location (Jakarta)")
	assert.Contains(t, out, "Last Update:* 07:59:30")
}

func TestStatusReportWaiting(t *testing.T) {
	t.Parallel()
	out := statusReport(statusView{Now: time.Now()})
	assert.Contains(t, out, "Offline")
	assert.Contains(t, out, "Waiting...")
	assert.Contains(t, out, "Never")
	assert.Contains(t, out, "Weather unavailable")
}

func TestScheduleList(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "📭 No active schedules.", scheduleList(nil))

	out := scheduleList([]schedule.Schedule{
		{Type: schedule.TypeOnce, Datetime: "2026-03-02 17:00", Duration: 10},
		{Type: schedule.TypeWeekly, Weekday: "Mon,Wed", Datetime: "06:00", Duration: 5},
		{Type: schedule.TypeHourly, RepeatInterval: "3", Duration: 2},
	})
	assert.Contains(t, out, "1. *ONCE* (10 mins)\n   2026-03-02 17:00")
	assert.Contains(t, out, "2. *WEEKLY* (5 mins)\n   Mon,Wed 06:00")
	assert.Contains(t, out, "3. *HOURLY* (2 mins)\n   every 3h")
}

func TestAlertText(t *testing.T) {
	t.Parallel()
	out := alertText(telemetry.PumpEvent{To: device.PumpOn, Data: device.Telemetry{Soil: f(20), Rain: f(5)}})
	assert.Contains(t, out, "IRRIGATION STARTED")
	assert.Contains(t, out, "Soil: 20%")
	assert.Contains(t, out, "Mode: Auto")
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	line := strings.Repeat("a", 8)
	s := strings.Join([]string{line, line, line}, "\n")
	parts := splitText(s, 20)
	require.Len(t, parts, 2)
	assert.Equal(t, line+"\n"+line, parts[0])
	assert.Equal(t, line, parts[1])
	for _, p := range splitText(strings.Repeat("x", 45), 20) {
		assert.LessOrEqual(t, len([]rune(p)), 20)
	}
}

func TestAccessLists(t *testing.T) {
	t.Parallel()
	b := &Bot{}
	assert.False(t, b.isOwner(1))
	b.SetAccess([]int64{1, 2}, []int64{-100})
	assert.True(t, b.isOwner(2))
	assert.False(t, b.isOwner(3))
	assert.Equal(t, []int64{-100}, *b.alerts.Load())
}
