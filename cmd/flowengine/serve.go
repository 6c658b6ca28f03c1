package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowengine/flowengine/internal/config"
	"github.com/flowengine/flowengine/internal/httpapi"
	"github.com/flowengine/flowengine/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (enqueue + inspect runs)",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		ctx, cancel := signalContext()
		defer cancel()

		workerCfg, err := config.LoadWorker()
		if err != nil {
			return err
		}
		serverCfg := config.LoadServer()

		st, err := store.Open(ctx, workerCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		srv := &http.Server{
			Addr:    serverCfg.Addr,
			Handler: httpapi.NewRouter(st, log),
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info("http api listening", "addr", serverCfg.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	},
}
