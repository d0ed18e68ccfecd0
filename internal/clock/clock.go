package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	// DateTimeLayout is the canonical absolute local date-time form.
	DateTimeLayout = "2006-01-02 15:04"
	// TimeOfDayLayout is the canonical time-of-day form.
	TimeOfDayLayout = "15:04"

	// DefaultZone is used when no timezone is configured.
	DefaultZone = "Asia/Jakarta"
)

// MalformedTimeError reports a date-time, time-of-day or weekday value that
// does not match its grammar.
type MalformedTimeError struct {
	Field string
	Value string
	Want  string
}

func (e *MalformedTimeError) Error() string {
	return fmt.Sprintf("malformed %s %q, expected %s", e.Field, e.Value, e.Want)
}

// Clock anchors every computation to one fixed location.
// Zero value is not usable; use New or Load.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

type Option func(*Clock)

// WithNow overrides the wall clock source.
func WithNow(fn func() time.Time) Option {
	return func(c *Clock) {
		if fn != nil {
			c.now = fn
		}
	}
}

func New(loc *time.Location, opts ...Option) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	c := &Clock{loc: loc, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Load resolves an IANA zone name. Empty means DefaultZone.
func Load(tz string, opts ...Option) (*Clock, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = DefaultZone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Wrapf(err, "load timezone %q", tz)
	}
	return New(loc, opts...), nil
}

func (c *Clock) Location() *time.Location { return c.loc }

// Now returns the current instant expressed in the fixed location.
func (c *Clock) Now() time.Time { return c.now().In(c.loc) }

// In returns a clock with the same time source anchored to loc.
func (c *Clock) In(loc *time.Location) *Clock {
	return &Clock{loc: loc, now: c.now}
}

// ToInstant parses an absolute local date-time ("yyyy-MM-dd HH:mm", with
// either a space or a 'T' separator) in the fixed location.
func (c *Clock) ToInstant(s string) (time.Time, error) {
	return ToInstant(s, c.loc)
}

// ToInstant is the location-explicit form of Clock.ToInstant.
func ToInstant(s string, loc *time.Location) (time.Time, error) {
	norm := NormalizeDateTime(s)
	t, err := time.ParseInLocation(DateTimeLayout, norm, loc)
	if err != nil {
		return time.Time{}, &MalformedTimeError{Field: "datetime", Value: s, Want: "yyyy-MM-dd HH:mm"}
	}
	return t, nil
}

// NormalizeDateTime trims s and replaces a 'T' date/time separator with a
// space. Seconds, if present, are dropped.
func NormalizeDateTime(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 10 && (s[10] == 'T' || s[10] == 't') {
		s = s[:10] + " " + s[11:]
	}
	// "yyyy-MM-dd HH:mm:ss" -> "yyyy-MM-dd HH:mm"
	if len(s) == len("2006-01-02 15:04:05") && s[16] == ':' {
		s = s[:16]
	}
	return s
}

// FormatDateTime renders t in the canonical stored form, in loc.
func FormatDateTime(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(DateTimeLayout)
}

// ParseTimeOfDay parses "HH:mm". Single digit hours are accepted.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	raw := s
	s = strings.TrimSpace(s)
	bad := &MalformedTimeError{Field: "time", Value: raw, Want: "HH:mm"}
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[1]) != 2 || parts[0] == "" || len(parts[0]) > 2 {
		return 0, 0, bad
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, bad
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, bad
	}
	return h, m, nil
}

var weekdayToken = [...]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// WeekdayToken returns the 3-letter cron name of d.
func WeekdayToken(d time.Weekday) string { return weekdayToken[d] }

// CronPatternFor builds a standard 5-field cron pattern.
//
//   - everyNHours > 0: minute 0 of every N-th hour; hour/minute/weekdays are ignored
//   - len(weekdays) > 0: hour:minute on each listed weekday
//   - otherwise: hour:minute every day
func CronPatternFor(hour, minute int, weekdays []time.Weekday, everyNHours int) string {
	if everyNHours > 0 {
		return fmt.Sprintf("0 */%d * * *", everyNHours)
	}
	if len(weekdays) == 0 {
		return fmt.Sprintf("%d %d * * *", minute, hour)
	}
	toks := make([]string, 0, len(weekdays))
	for _, d := range weekdays {
		toks = append(toks, WeekdayToken(d))
	}
	return fmt.Sprintf("%d %d * * %s", minute, hour, strings.Join(toks, ","))
}
