package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	corecmd "github.com/m3rciful/marketbot/core/cmd"
	"github.com/m3rciful/marketbot/market/app"
	"github.com/m3rciful/marketbot/market/config"
)

const defaultConfigPath = "config.yaml"

func resolveConfigPath(flag string) string {
	return corecmd.ConfigPath(flag, configEnvVar, defaultConfigPath)
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the Telegram bot",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return corecmd.Run(corecmd.Options{
				ConfigPath:        *configPath,
				ConfigEnvVar:      configEnvVar,
				DefaultConfigPath: defaultConfigPath,
				LoadConfig: func(path string) (corecmd.ConfigCarrier, error) {
					return config.Load(path)
				},
				Bootstrap: func(c corecmd.ConfigCarrier) (corecmd.TelegramApp, error) {
					cfg, ok := c.(*config.Config)
					if !ok {
						return nil, fmt.Errorf("unexpected config type %T", c)
					}
					return app.Bootstrap(cfg)
				},
			})
		},
	}
}
