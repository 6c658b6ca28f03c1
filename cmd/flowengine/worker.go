package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/flowengine/flowengine/internal/blueprint"
	"github.com/flowengine/flowengine/internal/blueprint/packinstall"
	"github.com/flowengine/flowengine/internal/config"
	"github.com/flowengine/flowengine/internal/metrics"
	"github.com/flowengine/flowengine/internal/store"
	"github.com/flowengine/flowengine/internal/telemetry"
	"github.com/flowengine/flowengine/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker loop: claim and execute queued runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()

		cfg, err := config.LoadWorker()
		if err != nil {
			return err
		}
		metricsCfg := config.LoadMetrics()

		ctx, cancel := signalContext()
		defer cancel()

		st, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		shutdownTelemetry, err := telemetry.Setup(ctx, 15*time.Second)
		if err != nil {
			return err
		}
		defer func() { _ = shutdownTelemetry(ctx) }()

		registry := blueprint.NewRegistry()
		blueprint.RegisterSamples(registry)
		packinstall.Register(registry, st.Pool)
		log.Info("registered blueprints", "refs", registry.List())

		collector, err := metrics.New(st.Pool, log, otel.GetMeterProvider().Meter("flowengine.worker"), metricsCfg.CollectorInterval)
		if err != nil {
			return fmt.Errorf("build metrics collector: %w", err)
		}
		go collector.Run(ctx)

		sup := worker.New(st, registry, log, worker.Config{
			WorkerID:     cfg.WorkerID,
			LeaseSeconds: cfg.LeaseSeconds,
			PollInterval: cfg.PollInterval,
			BatchSize:    cfg.BatchSize,
		})
		// The supervisor watches SIGTERM/SIGINT itself and returns once
		// the in-flight execution finishes; the signal-cancelled ctx is
		// not passed through so that execution is not cut short.
		return sup.Run(context.WithoutCancel(ctx))
	},
}
