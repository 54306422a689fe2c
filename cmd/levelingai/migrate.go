package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/levelingai/levelingai/store/postgres"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := postgres.Migrate(cfg.Database.URL); err != nil {
				return err
			}
			slog.Info("migrations applied")
			return nil
		},
	}
}
