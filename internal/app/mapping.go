package app

import (
	"strings"

	"waterbender/internal/bot"
	"waterbender/internal/config"
	"waterbender/internal/device"
	"waterbender/internal/httpapi"
	"waterbender/internal/planner"
	"waterbender/internal/scheduler"
	"waterbender/internal/storage"
	"waterbender/internal/transport/mqtt"
	"waterbender/internal/weather"
	logx "waterbender/pkg/logx"
)

const defaultSQLitePath = "./data/waterbender.db"

func topicsFor(cfg *config.Config) device.Topics {
	return device.TopicsFor(cfg.MQTT.TopicPrefix)
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// StoreConfig resolves the store config. An empty driver means sqlite at the
// default path.
func StoreConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if driver == "sqlite" && path == "" {
		path = defaultSQLitePath
	}
	return storage.Config{
		Driver:       driver,
		Path:         path,
		DSN:          sc.DSN,
		BusyTimeout:  sc.Busy(),
		MaxOpenConns: sc.MaxOpenConns,
	}
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	overlap, err := scheduler.ParseOverlapPolicy(cfg.Scheduler.Overlap)
	if err != nil {
		return scheduler.Config{}, err
	}
	topic := strings.TrimSpace(cfg.Scheduler.CommandTopic)
	if topic == "" {
		topic = topicsFor(cfg).Control
	}
	return scheduler.Config{
		Enabled:            cfg.Scheduler.Enabled,
		Timezone:           cfg.Scheduler.Zone(),
		Overlap:            overlap,
		CommandTopic:       topic,
		ShutdownOffTimeout: cfg.Scheduler.OffTimeout(),
	}, nil
}

func mapMQTT(cfg *config.Config) mqtt.Config {
	return mqtt.Config{
		Broker:         strings.TrimSpace(cfg.MQTT.Broker),
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		QoS:            byte(cfg.MQTT.QoS),
		ConnectTimeout: cfg.MQTT.Timeout(),
	}
}

func mapHTTP(cfg *config.Config) httpapi.Config {
	read, write, idle := cfg.HTTP.Timeouts()
	return httpapi.Config{
		Addr:         cfg.HTTP.Addr,
		JWTSecret:    cfg.HTTP.JWTSecret,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}
}

func mapWeather(cfg *config.Config) weather.Config {
	return weather.Config{
		APIKey:          cfg.Weather.APIKey,
		BaseURL:         cfg.Weather.BaseURL,
		DefaultLocation: cfg.Weather.DefaultLocation,
		RatePerSec:      cfg.Weather.RatePerSec,
		Timeout:         cfg.Weather.RequestTimeout(),
	}
}

func mapLLM(cfg *config.Config) planner.LLMConfig {
	return planner.LLMConfig{
		APIKey:  cfg.AI.APIKey,
		BaseURL: cfg.AI.BaseURL,
		Model:   cfg.AI.Model,
		Timeout: cfg.AI.RequestTimeout(),
		Retries: cfg.AI.Retries,
	}
}

func mapBot(cfg *config.Config) bot.Config {
	return bot.Config{
		Token:           strings.TrimSpace(cfg.Telegram.Token),
		OwnerUserIDs:    cfg.Telegram.OwnerUserIDs,
		AlertChatIDs:    cfg.Telegram.AlertChatIDs,
		PollTimeout:     cfg.Telegram.Poll(),
		AlertEvery:      cfg.Telegram.Alert(),
		DefaultLocation: cfg.Weather.DefaultLocation,
	}
}
