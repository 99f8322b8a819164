package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/strangerchat/relay-server-go/internal/config"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema for the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.StoreDriver == config.StoreDriverMemory {
				log.Info().Msg("memory store has no schema")
				return nil
			}

			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			return nil
		},
	}
}
