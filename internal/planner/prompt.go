package planner

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"waterbender/internal/weather"
)

const promptRules = `Goal: Generate a complete irrigation schedule for the current day (from now until midnight).

Rules:
- Use the provided timezone and local time as your absolute reference.
- Create a full-day schedule covering all optimal watering times today.
- Skip watering during or within 2 hours before/after high rain probability (> 60%).
- Prefer early morning (04:00-07:00) and late afternoon (17:00-19:00) sessions.
- Avoid midday (11:00-15:00) if temperature > 30°C.
- If soil < 30%, plan 2-3 watering sessions (10-20 minutes each).
- If soil 30-50%, plan 1-2 short sessions (5-10 minutes each).
- If soil > 50%, water only once briefly if dry (<20% rain chance, humidity <60%).
- Use only **future times** (do not include hours that have already passed today).
- Ensure all schedule times are in the same local time format (YYYY-MM-DD HH:mm).

Respond **strictly in JSON**, following this schema:
{
  "schedules": [
    {
      "datetime": "YYYY-MM-DD HH:mm",
      "duration": 10,
      "type": "once",
      "keep_after_run": 0
    }
  ]
}
No explanations or markdown.
`

func buildPrompt(req Request, fc weather.Forecast, now time.Time) string {
	hours, _ := json.Marshal(fc.Hours)
	localTime := fc.LocalTime
	if localTime == "" {
		localTime = now.Format("2006-01-02 15:04")
	}
	place := fc.Location
	if fc.Country != "" {
		place += ", " + fc.Country
	}

	var b strings.Builder
	b.WriteString("You are an advanced irrigation scheduling assistant.\n\nInputs:\n")
	b.WriteString("- Current soil moisture: " + formatPct(req.Soil) + "%\n")
	b.WriteString("- Current rain sensor: " + formatPct(req.Rain) + "%\n")
	b.WriteString("- Location: " + place + "\n")
	b.WriteString("- Timezone: " + fc.Timezone + "\n")
	b.WriteString("- Current local time: " + localTime + "\n")
	b.WriteString("- Forecast for the next 24 hours: " + string(hours) + "\n\n")
	b.WriteString("Current Date: " + now.Format("2006-01-02") + "\n\n")
	b.WriteString(promptRules)
	return b.String()
}

func formatPct(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
