package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowengine/flowengine/internal/config"
	"github.com/flowengine/flowengine/internal/packseed"
	"github.com/flowengine/flowengine/internal/store"
)

var seedPacksCmd = &cobra.Command{
	Use:   "seed-packs <file.yaml>",
	Short: "Load a pack catalog file into the packs table",
	Args:  cobra.ExactArgs(1),
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

		refs, err := packseed.LoadFile(ctx, st, args[0])
		if err != nil {
			return err
		}
		log.Info("seeded packs", "refs", refs, "count", len(refs))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedPacksCmd)
}
