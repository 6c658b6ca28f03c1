package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowengine/flowengine/internal/config"
	"github.com/flowengine/flowengine/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply embedded schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		ctx, cancel := signalContext()
		defer cancel()

		dsn, err := config.DatabaseURL()
		if err != nil {
			return err
		}

		st, err := store.Open(ctx, dsn)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("migrations applied")
		return nil
	},
}
