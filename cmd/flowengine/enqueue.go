package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowengine/flowengine/internal/config"
	"github.com/flowengine/flowengine/internal/store"
)

var (
	enqueueInputs   string
	enqueueActor    string
	enqueuePriority int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <blueprint-ref>",
	Short: "Enqueue a single run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		inputs := json.RawMessage(enqueueInputs)
		if len(inputs) == 0 {
			inputs = json.RawMessage(`{}`)
		}
		if !json.Valid(inputs) {
			return fmt.Errorf("--inputs must be valid JSON")
		}

		runID, err := st.Enqueue(ctx, args[0], inputs, store.EnqueueOptions{
			Actor:    enqueueActor,
			Priority: enqueuePriority,
		})
		if err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}

		fmt.Println(runID.String())
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueInputs, "inputs", "{}", "JSON inputs for the run")
	enqueueCmd.Flags().StringVar(&enqueueActor, "actor", "cli", "actor recorded on the run")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 100, "run priority (lower runs first)")
}
