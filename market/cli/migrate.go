package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/m3rciful/marketbot/core/database"
	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/market/config"
)

func newMigrateCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadStorage(configPath())
			if err != nil {
				return err
			}
			if err := logger.InitLogger(cfg.CoreConfig()); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Shutdown()

			if err := database.RunMigrations(cfg.Database); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", cfg.Database.Driver)
			return err
		},
	}
}
