package bot

import (
	"strconv"
	"strings"
	"time"

	"waterbender/internal/device"
	"waterbender/internal/schedule"
	"waterbender/internal/telemetry"
	"waterbender/internal/weather"
)

const helpText = `*🌊 Water Bender Bot Control*

*📊 Monitoring*
/status - Check device & sensors

*🕹️ Controls*
/on - Pump ON (Manual)
/off - Pump OFF (Manual)
/auto - Auto Mode

*📅 Schedule*
/schedule - View active schedules
/reload - Reload schedules from the database`

type statusView struct {
	State      telemetry.State
	Now        time.Time
	Loc        *time.Location
	ActiveJobs int
	Weather    *weather.Current
}

func pct(v *float64) string {
	if v == nil {
		return "⏳ Waiting..."
	}
	return strconv.FormatFloat(*v, 'f', -1, 64) + "%"
}

func statusReport(v statusView) string {
	st := v.State
	online := st.Online(v.Now, telemetry.DefaultOnlineWindow)

	var b strings.Builder
	b.WriteString("*🌱 System Status Report*\n--------------------------------\n")
	if online {
		b.WriteString("*Device Status:* 🟢 Online\n")
	} else {
		b.WriteString("*Device Status:* 🔴 Offline (No data > 2 mins)\n")
	}
	last := "Never"
	if !st.UpdatedAt.IsZero() {
		t := st.UpdatedAt
		if v.Loc != nil {
			t = t.In(v.Loc)
		}
		last = t.Format("15:04:05")
	}
	b.WriteString("*Last Update:* " + last + "\n\n")

	b.WriteString("*📊 Sensors:*\n")
	b.WriteString("• Soil Moisture: *" + pct(st.Telemetry.Soil) + "*\n")
	b.WriteString("• Rain Level: *" + pct(st.Telemetry.Rain) + "*\n\n")

	pump := "Unknown"
	switch st.Pump {
	case device.PumpOn:
		pump = "Active 💧"
	case device.PumpOff:
		pump = "Inactive 🛑"
	}
	mode := "Unknown"
	switch st.Mode {
	case device.ModeAuto:
		mode = "🤖 Automatic"
	case device.ModeManual:
		mode = "🖐️ Manual"
	}
	b.WriteString("*⚙️ Controls:*\n")
	b.WriteString("• Pump State: *" + pump + "*\n")
	b.WriteString("• Operation Mode: *" + mode + "*\n")
	b.WriteString("• Active Schedules: *" + strconv.Itoa(v.ActiveJobs) + "*\n")
	b.WriteString("--------------------------------\n")

	if w := v.Weather; w != nil {
		b.WriteString("*Weather at Location (" + w.Location + "):*\n")
		b.WriteString("🌡️ Temp: " + strconv.FormatFloat(w.Temperature, 'f', -1, 64) + "°C\n")
		b.WriteString("💧 Humidity: " + strconv.FormatFloat(w.Humidity, 'f', -1, 64) + "%\n")
		b.WriteString("💨 Wind: " + strconv.FormatFloat(w.WindKph, 'f', -1, 64) + " km/h")
	} else {
		b.WriteString("☁️ Weather unavailable")
	}
	return b.String()
}

func scheduleList(rows []schedule.Schedule) string {
	if len(rows) == 0 {
		return "📭 No active schedules."
	}
	var b strings.Builder
	b.WriteString("*🗓️ Active Schedules:*\n")
	for i, s := range rows {
		when := s.Datetime
		switch s.Type {
		case schedule.TypeWeekly:
			when = s.Weekday + " " + s.Datetime
		case schedule.TypeHourly:
			when = "every " + string(s.RepeatInterval) + "h"
		}
		b.WriteString("\n" + strconv.Itoa(i+1) + ". *" + strings.ToUpper(string(s.Type)) + "* (" + strconv.Itoa(s.Duration) + " mins)\n   " + strings.TrimSpace(when))
	}
	return b.String()
}

func alertText(ev telemetry.PumpEvent) string {
	mode := ev.Mode
	if mode == "" {
		mode = device.ModeAuto
	}
	return "💦 *IRRIGATION STARTED*\n\n*Conditions:*\n" +
		"• Soil: " + pct(ev.Data.Soil) + "\n" +
		"• Rain: " + pct(ev.Data.Rain) + "\n" +
		"• Mode: " + mode + "\n\n_Pump has been activated._"
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that leave chunks of at least a third of the limit.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func itoa(n int) string { return strconv.Itoa(n) }
