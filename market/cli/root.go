// Package cli is the marketbot command line: run the bot, apply
// migrations and inspect stored listings.
package cli

import (
	"github.com/spf13/cobra"
)

const configEnvVar = "CONFIG_PATH"

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "marketbot",
		Short:         "Telegram bot that walks sellers through creating a listing",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to config.yaml (default $"+configEnvVar+" or ./config.yaml)")

	resolve := func() string {
		return resolveConfigPath(configPath)
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(&configPath),
		newMigrateCmd(resolve),
		newListingsCmd(resolve),
	)
	return rootCmd
}
