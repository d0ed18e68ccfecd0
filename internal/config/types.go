package config

// Config is the whole service configuration. Durations are Go duration
// strings ("10s", "1m"). String values may reference environment variables
// as ${NAME}; they are expanded at load.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	MQTT      MQTTConfig      `json:"mqtt"`
	HTTP      HTTPConfig      `json:"http"`
	Telegram  TelegramConfig  `json:"telegram"`
	Weather   WeatherConfig   `json:"weather"`
	AI        AIConfig        `json:"ai"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log lines at or above MinLevel to telegram.group_log.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the irrigation schedule engine.
//
// Defaults:
//   - timezone: "Asia/Jakarta"
//   - overlap: "allow" (allow | serialize | skip)
//   - command_topic: "<mqtt.topic_prefix>/control"
//   - shutdown_off_timeout: "5s"
type SchedulerConfig struct {
	Enabled            bool   `json:"enabled"`
	Timezone           string `json:"timezone,omitempty"`
	Overlap            string `json:"overlap,omitempty"`
	CommandTopic       string `json:"command_topic,omitempty"`
	ShutdownOffTimeout string `json:"shutdown_off_timeout,omitempty"`
}

// StorageConfig selects the schedule store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/waterbender.db" }
//	"storage": { "driver": "postgres", "dsn": "${DATABASE_URL}" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// MQTTConfig configures the broker connection. An empty broker runs the
// service against an in-process loopback (dry run).
type MQTTConfig struct {
	Broker         string `json:"broker"`
	ClientID       string `json:"client_id,omitempty"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	QoS            int    `json:"qos,omitempty"`
	TopicPrefix    string `json:"topic_prefix,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

type HTTPConfig struct {
	Addr         string `json:"addr"`
	JWTSecret    string `json:"jwt_secret,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	// Pprof mounts /debug/pprof/ behind the same auth as /api.
	Pprof bool `json:"pprof,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	AlertChatIDs []int64 `json:"alert_chat_ids,omitempty"`
	// GroupLog is the chat id that receives mirrored log lines.
	GroupLog    string `json:"group_log,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	AlertEvery  string `json:"alert_every,omitempty"`
}

type WeatherConfig struct {
	APIKey          string  `json:"api_key"`
	BaseURL         string  `json:"base_url,omitempty"`
	DefaultLocation string  `json:"default_location,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	Timeout         string  `json:"timeout,omitempty"`
}

// AIConfig points at an OpenAI-compatible chat completions endpoint.
type AIConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	Retries int    `json:"retries,omitempty"`
}
