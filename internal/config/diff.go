package config

import (
	"slices"
	"strings"

	logx "waterbender/pkg/logx"
)

// Change summarizes a config reload.
type Change struct {
	// Sections lists every section that differs.
	Sections []string
	// Restart lists sections whose change only takes effect after a restart.
	Restart []string
	// Attrs are safe log fields describing the new values. Secrets are
	// reported as set/unset only.
	Attrs []logx.Field
}

func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func set(s string) bool { return strings.TrimSpace(s) != "" }

// Summarize compares two configs.
func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if restart {
			ch.Restart = append(ch.Restart, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler", false,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Zone()),
			logx.String("scheduler.overlap", newCfg.Scheduler.Overlap),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", set(newCfg.Storage.DSN)),
		)
	}

	if oldCfg.MQTT != newCfg.MQTT {
		mark("mqtt", true,
			logx.String("mqtt.broker", newCfg.MQTT.Broker),
			logx.String("mqtt.topic_prefix", newCfg.MQTT.TopicPrefix),
			logx.Bool("mqtt.password_set", set(newCfg.MQTT.Password)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		mark("http", true,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.jwt_set", set(newCfg.HTTP.JWTSecret)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	accessChanged := !slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) || !slices.Equal(ot.AlertChatIDs, nt.AlertChatIDs)
	connChanged := ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout || ot.AlertEvery != nt.AlertEvery
	groupChanged := ot.GroupLog != nt.GroupLog
	if accessChanged || connChanged || groupChanged {
		mark("telegram", connChanged,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Int("telegram.alert_chat_count", len(nt.AlertChatIDs)),
			logx.Bool("telegram.token_set", set(nt.Token)),
			logx.Bool("telegram.group_log_set", set(nt.GroupLog)),
		)
	}

	if oldCfg.Weather != newCfg.Weather {
		mark("weather", true,
			logx.Bool("weather.api_key_set", set(newCfg.Weather.APIKey)),
			logx.String("weather.default_location", newCfg.Weather.DefaultLocation),
		)
	}

	if oldCfg.AI != newCfg.AI {
		mark("ai", true,
			logx.Bool("ai.api_key_set", set(newCfg.AI.APIKey)),
			logx.String("ai.model", newCfg.AI.Model),
		)
	}
	return ch
}
