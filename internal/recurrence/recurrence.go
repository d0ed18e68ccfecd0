// Package recurrence compiles stored schedules into activation plans.
//
// A Plan is one of Once, Daily, Hourly or Weekly. Repeating plans expose a
// standard 5-field cron pattern evaluated in the compiler's fixed location.
package recurrence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"waterbender/internal/clock"
	"waterbender/internal/schedule"
)

// MaxEveryHours bounds hourly intervals. Larger steps would collapse to a
// single midnight firing under the "*/N" hour field.
const MaxEveryHours = 23

// ErrExpired is returned for once schedules whose instant is not in the future.
var ErrExpired = errors.New("once schedule expired")

// InvalidRecurrenceError reports a schedule whose type-specific fields are
// absent or out of range.
type InvalidRecurrenceError struct {
	ID     int64
	Type   schedule.Type
	Reason string
}

func (e *InvalidRecurrenceError) Error() string {
	return fmt.Sprintf("schedule %d (%s): invalid recurrence: %s", e.ID, e.Type, e.Reason)
}

// Plan is the closed set of activation plans.
type Plan interface {
	Kind() schedule.Type
	plan()
}

// Repeating is implemented by plans driven by a cron pattern.
type Repeating interface {
	Plan
	Pattern() string
}

type Once struct{ At time.Time }

type Daily struct{ Hour, Minute int }

type Hourly struct{ Every int }

type Weekly struct {
	Hour, Minute int
	Days         []time.Weekday
}

func (Once) Kind() schedule.Type   { return schedule.TypeOnce }
func (Daily) Kind() schedule.Type  { return schedule.TypeDaily }
func (Hourly) Kind() schedule.Type { return schedule.TypeHourly }
func (Weekly) Kind() schedule.Type { return schedule.TypeWeekly }

func (Once) plan()   {}
func (Daily) plan()  {}
func (Hourly) plan() {}
func (Weekly) plan() {}

func (p Daily) Pattern() string  { return clock.CronPatternFor(p.Hour, p.Minute, nil, 0) }
func (p Hourly) Pattern() string { return clock.CronPatternFor(0, 0, nil, p.Every) }
func (p Weekly) Pattern() string { return clock.CronPatternFor(p.Hour, p.Minute, p.Days, 0) }

// DayTokens returns the 3-letter weekday names of the plan, in week order.
func (p Weekly) DayTokens() []string {
	out := make([]string, 0, len(p.Days))
	for _, d := range p.Days {
		out = append(out, clock.WeekdayToken(d))
	}
	return out
}

// Parser is the cron parser used for every repeating plan.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Compiler maps schedules to plans against a fixed clock.
type Compiler struct {
	clock *clock.Clock
}

func NewCompiler(c *clock.Clock) *Compiler { return &Compiler{clock: c} }

func (c *Compiler) Clock() *clock.Clock { return c.clock }

// Compile returns the activation plan for s. A once schedule at or before now
// yields ErrExpired. Grammar failures are *clock.MalformedTimeError, missing or
// out of range fields are *InvalidRecurrenceError.
func (c *Compiler) Compile(s schedule.Schedule) (Plan, error) {
	switch s.Type {
	case schedule.TypeOnce:
		if strings.TrimSpace(s.Datetime) == "" {
			return nil, invalid(s, "datetime is required")
		}
		at, err := c.clock.ToInstant(s.Datetime)
		if err != nil {
			return nil, err
		}
		if !at.After(c.clock.Now()) {
			return nil, errors.Wrapf(ErrExpired, "schedule %d at %s", s.ID, clock.FormatDateTime(at, nil))
		}
		return Once{At: at}, nil

	case schedule.TypeDaily:
		if strings.TrimSpace(s.Datetime) == "" {
			return nil, invalid(s, "datetime is required")
		}
		h, m, err := clock.ParseTimeOfDay(s.Datetime)
		if err != nil {
			return nil, err
		}
		return Daily{Hour: h, Minute: m}, nil

	case schedule.TypeHourly:
		raw := strings.TrimSpace(string(s.RepeatInterval))
		if raw == "" {
			return nil, invalid(s, "repeat_interval is required")
		}
		n, err := s.RepeatInterval.Hours()
		if err != nil {
			return nil, invalid(s, fmt.Sprintf("repeat_interval %q is not an integer", raw))
		}
		if n <= 0 {
			return nil, invalid(s, fmt.Sprintf("repeat_interval %d must be positive", n))
		}
		if n > MaxEveryHours {
			return nil, invalid(s, fmt.Sprintf("repeat_interval %d exceeds %d hours", n, MaxEveryHours))
		}
		return Hourly{Every: n}, nil

	case schedule.TypeWeekly:
		if strings.TrimSpace(s.Datetime) == "" {
			return nil, invalid(s, "datetime is required")
		}
		if strings.TrimSpace(s.Weekday) == "" {
			return nil, invalid(s, "weekday is required")
		}
		h, m, err := clock.ParseTimeOfDay(s.Datetime)
		if err != nil {
			return nil, err
		}
		days, err := ParseWeekdays(s.Weekday)
		if err != nil {
			return nil, err
		}
		return Weekly{Hour: h, Minute: m, Days: days}, nil

	default:
		return nil, invalid(s, fmt.Sprintf("unknown type %q", s.Type))
	}
}

// Expired reports whether s is a once schedule whose instant has passed.
// Unparseable once rows are not expired; Compile reports them instead.
func (c *Compiler) Expired(s schedule.Schedule) bool {
	if s.Type != schedule.TypeOnce {
		return false
	}
	at, err := c.clock.ToInstant(s.Datetime)
	if err != nil {
		return false
	}
	return !at.After(c.clock.Now())
}

// Next returns up to n upcoming fire instants for p after from.
func (c *Compiler) Next(p Plan, from time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	switch v := p.(type) {
	case Once:
		if v.At.After(from) {
			return []time.Time{v.At}
		}
		return nil
	case Repeating:
		sched, err := Parser.Parse("CRON_TZ=" + c.clock.Location().String() + " " + v.Pattern())
		if err != nil {
			return nil
		}
		out := make([]time.Time, 0, n)
		t := from.In(c.clock.Location())
		for range n {
			t = sched.Next(t)
			if t.IsZero() {
				break
			}
			out = append(out, t)
		}
		return out
	}
	return nil
}

var weekdayByToken = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseWeekdays parses a comma separated weekday list. Tokens are trimmed,
// case-insensitive and truncated to three letters ("Monday" -> Mon).
// Duplicates collapse; the result is in week order.
func ParseWeekdays(raw string) ([]time.Weekday, error) {
	seen := map[time.Weekday]bool{}
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		if len(tok) > 3 {
			tok = tok[:3]
		}
		d, ok := weekdayByToken[tok]
		if !ok {
			return nil, &clock.MalformedTimeError{Field: "weekday", Value: raw, Want: "comma separated weekday names (Mon,Wed)"}
		}
		seen[d] = true
	}
	if len(seen) == 0 {
		return nil, &clock.MalformedTimeError{Field: "weekday", Value: raw, Want: "at least one weekday"}
	}
	days := make([]time.Weekday, 0, len(seen))
	for d := range seen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	return days, nil
}

func invalid(s schedule.Schedule, reason string) error {
	return &InvalidRecurrenceError{ID: s.ID, Type: s.Type, Reason: reason}
}
