// Package cli is the waterbender command line: the service itself plus
// offline tools for schedules and config.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"waterbender/internal/app"
	"waterbender/internal/config"
	"waterbender/internal/storage"
	logx "waterbender/pkg/logx"
)

const defaultConfigPath = "./config.json"

type options struct {
	configPath string
}

// NewRootCmd builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "waterbender",
		Short:         "Irrigation schedule engine",
		Long:          "waterbender runs irrigation schedules against a pump controller over MQTT and exposes an HTTP API and a Telegram bot.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	def := defaultConfigPath
	if env := os.Getenv("WATERBENDER_CONFIG"); env != "" {
		def = env
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", def, "path to config file (.json, .yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newSchedulesCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (o *options) loadConfig() (*config.Config, error) {
	return config.NewManager(o.configPath).Load()
}

// openStore opens the configured store for offline commands.
func (o *options) openStore() (*config.Config, storage.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := storage.Open(app.StoreConfig(cfg), logx.Nop())
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}
