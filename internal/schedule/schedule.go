// Package schedule holds the persisted irrigation schedule model.
package schedule

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

type Type string

const (
	TypeOnce   Type = "once"
	TypeDaily  Type = "daily"
	TypeHourly Type = "hourly"
	TypeWeekly Type = "weekly"
)

func (t Type) Valid() bool {
	switch t {
	case TypeOnce, TypeDaily, TypeHourly, TypeWeekly:
		return true
	}
	return false
}

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

func (s Status) Valid() bool { return s == StatusActive || s == StatusInactive }

// Interval is the raw stored repeat_interval. It decodes from a JSON number
// or string so malformed values survive until the compiler rejects them.
type Interval string

func (i *Interval) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*i = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*i = Interval(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrap(err, "repeat_interval")
	}
	*i = Interval(n.String())
	return nil
}

// MarshalJSON emits a number when the value is numeric.
func (i Interval) MarshalJSON() ([]byte, error) {
	if n, err := i.Hours(); err == nil {
		return []byte(strconv.Itoa(n)), nil
	}
	return json.Marshal(string(i))
}

// Hours parses the interval as a whole hour count. Validity (> 0) is left
// to the caller.
func (i Interval) Hours() (int, error) {
	return strconv.Atoi(strings.TrimSpace(string(i)))
}

// Schedule is a recurrence rule plus the irrigation duration.
type Schedule struct {
	ID             int64    `json:"id"`
	Type           Type     `json:"type"`
	Datetime       string   `json:"datetime,omitempty"`
	Weekday        string   `json:"weekday,omitempty"`
	RepeatInterval Interval `json:"repeat_interval,omitempty"`
	// Duration is in minutes.
	Duration     int       `json:"duration"`
	KeepAfterRun bool      `json:"keep_after_run"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
}

// RunFor is the configured irrigation length.
func (s Schedule) RunFor() time.Duration { return time.Duration(s.Duration) * time.Minute }

// DeleteAfterRun reports whether the row is removed once it has fired.
func (s Schedule) DeleteAfterRun() bool { return s.Type == TypeOnce && !s.KeepAfterRun }

// Validate checks the shape of a schedule submitted for insertion. Grammar of
// datetime/weekday/repeat_interval is checked by the recurrence compiler.
func (s Schedule) Validate() map[string]string {
	fields := map[string]string{}
	if !s.Type.Valid() {
		fields["type"] = "must be one of once, daily, hourly, weekly"
	}
	if s.Duration <= 0 {
		fields["duration"] = "must be > 0 minutes"
	}
	if s.Status != "" && !s.Status.Valid() {
		fields["status"] = "must be active or inactive"
	}
	switch s.Type {
	case TypeOnce, TypeDaily:
		if strings.TrimSpace(s.Datetime) == "" {
			fields["datetime"] = "required"
		}
	case TypeWeekly:
		if strings.TrimSpace(s.Datetime) == "" {
			fields["datetime"] = "required"
		}
		if strings.TrimSpace(s.Weekday) == "" {
			fields["weekday"] = "required"
		}
	case TypeHourly:
		if strings.TrimSpace(string(s.RepeatInterval)) == "" {
			fields["repeat_interval"] = "required"
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Normalized returns a copy with defaults filled and fields that do not apply
// to its type cleared.
func (s Schedule) Normalized() Schedule {
	s.Type = Type(strings.ToLower(strings.TrimSpace(string(s.Type))))
	if s.Status == "" {
		s.Status = StatusActive
	}
	s.Datetime = strings.TrimSpace(s.Datetime)
	switch s.Type {
	case TypeOnce, TypeDaily:
		s.Weekday = ""
		s.RepeatInterval = ""
	case TypeWeekly:
		s.RepeatInterval = ""
	case TypeHourly:
		s.Datetime = ""
		s.Weekday = ""
	}
	return s
}

// HistoryRecord is one pump state transition, enriched with weather.
type HistoryRecord struct {
	ID               int64     `json:"id"`
	Status           string    `json:"status"`
	Mode             string    `json:"mode"`
	Soil             *float64  `json:"soil"`
	Rain             *float64  `json:"rain"`
	Temperature      *float64  `json:"temperature"`
	Humidity         *float64  `json:"humidity"`
	WeatherCondition string    `json:"weather_condition,omitempty"`
	WindSpeed        *float64  `json:"wind_speed"`
	Location         string    `json:"location,omitempty"`
	RecordedAt       time.Time `json:"recorded_at"`
}
