package cli

import (
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"waterbender/internal/app"
	"waterbender/internal/config"
	"waterbender/internal/device"
)

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config file tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Parse and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			cmd.Printf("%s: ok\n", opts.configPath)
			renderSummary(cmd, cfg)
			return nil
		},
	})
	return cmd
}

func renderSummary(cmd *cobra.Command, cfg *config.Config) {
	st := app.StoreConfig(cfg)
	store := st.Driver
	if st.Driver == "sqlite" {
		store += " " + st.Path
	}
	broker := cfg.MQTT.Broker
	if strings.TrimSpace(broker) == "" {
		broker = "(none, dry run)"
	}
	topics := device.TopicsFor(cfg.MQTT.TopicPrefix)
	overlap := cfg.Scheduler.Overlap
	if overlap == "" {
		overlap = "allow"
	}
	addr := cfg.HTTP.Addr
	if addr == "" {
		addr = ":5000"
	}

	t := newTable(cmd, "SECTION", "VALUE")
	t.AppendRows([]table.Row{
		{"scheduler", onOff(cfg.Scheduler.Enabled) + ", " + cfg.Scheduler.Zone() + ", overlap=" + overlap},
		{"storage", store},
		{"mqtt", broker + " (" + topics.Data + ", " + topics.Control + ")"},
		{"http", addr + ", jwt " + setUnset(cfg.HTTP.JWTSecret)},
		{"telegram", "token " + setUnset(cfg.Telegram.Token) + ", owners " + strconv.Itoa(len(cfg.Telegram.OwnerUserIDs))},
		{"weather", "api key " + setUnset(cfg.Weather.APIKey)},
		{"ai", "api key " + setUnset(cfg.AI.APIKey)},
	})
	t.Render()
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func setUnset(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unset"
	}
	return "set"
}
