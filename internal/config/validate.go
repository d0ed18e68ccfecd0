package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const DefaultTimezone = "Asia/Jakarta"

// Validate checks values that would otherwise fail deep inside a component.
// It is installed as the hot-reload validator, so a bad edit is rejected and
// the running config stays in place.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(errors.Wrapf(err, "scheduler.timezone %q", tz))
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Scheduler.Overlap)) {
	case "", "allow", "serialize", "skip":
	default:
		add(errors.Newf("scheduler.overlap %q: want allow, serialize or skip", cfg.Scheduler.Overlap))
	}
	_, err := ParseDurationField("scheduler.shutdown_off_timeout", cfg.Scheduler.ShutdownOffTimeout)
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres"))
		}
	default:
		add(errors.Newf("storage.driver %q: want sqlite or postgres", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	if q := cfg.MQTT.QoS; q < 0 || q > 2 {
		add(errors.Newf("mqtt.qos %d: want 0, 1 or 2", q))
	}
	_, err = ParseDurationField("mqtt.connect_timeout", cfg.MQTT.ConnectTimeout)
	add(err)

	for path, raw := range map[string]string{
		"http.read_timeout":     cfg.HTTP.ReadTimeout,
		"http.write_timeout":    cfg.HTTP.WriteTimeout,
		"http.idle_timeout":     cfg.HTTP.IdleTimeout,
		"telegram.poll_timeout": cfg.Telegram.PollTimeout,
		"telegram.alert_every":  cfg.Telegram.AlertEvery,
		"weather.timeout":       cfg.Weather.Timeout,
		"ai.timeout":            cfg.AI.Timeout,
	} {
		_, err = ParseDurationField(path, raw)
		add(err)
	}

	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add(errors.Newf("telegram.group_log %q: want a numeric chat id", g))
		}
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.GroupLog) == "" {
		add(errors.New("logging.telegram.enabled requires telegram.group_log"))
	}
	if cfg.Weather.RatePerSec < 0 {
		add(errors.New("weather.rate_per_sec must be >= 0"))
	}
	if cfg.AI.Retries < 0 {
		add(errors.New("ai.retries must be >= 0"))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Zone returns the scheduler zone with the default applied.
func (c SchedulerConfig) Zone() string {
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		return tz
	}
	return DefaultTimezone
}

func (c SchedulerConfig) OffTimeout() time.Duration {
	return mustDuration(c.ShutdownOffTimeout, 5*time.Second)
}

func (c StorageConfig) Busy() time.Duration { return mustDuration(c.BusyTimeout, 0) }

func (c MQTTConfig) Timeout() time.Duration { return mustDuration(c.ConnectTimeout, 10*time.Second) }

func (c HTTPConfig) Timeouts() (read, write, idle time.Duration) {
	return mustDuration(c.ReadTimeout, 0), mustDuration(c.WriteTimeout, 0), mustDuration(c.IdleTimeout, 0)
}

func (c TelegramConfig) Poll() time.Duration  { return mustDuration(c.PollTimeout, 10*time.Second) }
func (c TelegramConfig) Alert() time.Duration { return mustDuration(c.AlertEvery, 30*time.Second) }

// GroupLogID is the numeric log chat, 0 when unset.
func (c TelegramConfig) GroupLogID() int64 {
	id, _ := strconv.ParseInt(strings.TrimSpace(c.GroupLog), 10, 64)
	return id
}

func (c WeatherConfig) RequestTimeout() time.Duration { return mustDuration(c.Timeout, 0) }

func (c AIConfig) RequestTimeout() time.Duration { return mustDuration(c.Timeout, 0) }
