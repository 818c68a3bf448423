package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/weightstock/ledger/internal/config"
	"github.com/weightstock/ledger/internal/logger"
	"github.com/weightstock/ledger/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger.InitLogger(cfg.Log.Level)

			if cfg.Database.URL == "" {
				return errors.New("migrate: DATABASE_URL is not set")
			}
			return store.Migrate(cfg.Database.URL)
		},
	}
}
