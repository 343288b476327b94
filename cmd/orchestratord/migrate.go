package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/farahorfaly04/lab-orchestrator/internal/config"
	"github.com/farahorfaly04/lab-orchestrator/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the persistence gateway's schema (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.PersistenceURL)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Migrate(context.Background())
		},
	}
}
