// Package config loads the worker and server's env-var knobs through
// viper, grounded on the teacher's viper.New()-per-concern pattern
// (internal/labelmutex/policy.go). An optional TOML file provides
// file-backed defaults the teacher's own BurntSushi/toml dependency is
// suited for; environment variables still take precedence over it, and
// the hardcoded defaults below still apply when neither is set.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// fileOverrides mirrors the knobs LoadWorker/LoadMetrics/LoadServer
// read, decoded straight from an optional on-disk TOML file rather
// than through viper's own config-file support, so BurntSushi/toml (the
// teacher's chosen TOML decoder) does the parsing.
type fileOverrides struct {
	WorkerID                 string `toml:"worker_id"`
	LeaseDurationSeconds     int    `toml:"lease_duration_seconds"`
	PollIntervalSeconds      int    `toml:"poll_interval_seconds"`
	WorkerBatchSize          int    `toml:"worker_batch_size"`
	MetricsCollectorInterval int    `toml:"metrics_collector_interval"`
	DatabaseURL              string `toml:"database_url"`
	HTTPAddr                 string `toml:"http_addr"`
}

// applyFileOverrides decodes CONFIG_FILE (default flowengine.toml) and
// seeds v's defaults from it. Missing or unparsable files are treated
// as "no file configured", since this override layer is optional.
func applyFileOverrides(v *viper.Viper) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "flowengine.toml"
	}
	var f fileOverrides
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return
	}
	if f.WorkerID != "" {
		v.SetDefault("worker_id", f.WorkerID)
	}
	if f.LeaseDurationSeconds != 0 {
		v.SetDefault("lease_duration_seconds", f.LeaseDurationSeconds)
	}
	if f.PollIntervalSeconds != 0 {
		v.SetDefault("poll_interval_seconds", f.PollIntervalSeconds)
	}
	if f.WorkerBatchSize != 0 {
		v.SetDefault("worker_batch_size", f.WorkerBatchSize)
	}
	if f.MetricsCollectorInterval != 0 {
		v.SetDefault("metrics_collector_interval", f.MetricsCollectorInterval)
	}
	if f.DatabaseURL != "" {
		v.SetDefault("database_url", f.DatabaseURL)
	}
	if f.HTTPAddr != "" {
		v.SetDefault("http_addr", f.HTTPAddr)
	}
}

// Worker holds the env-var knobs original_source/core/worker.py reads
// at import time (WORKER_ID, LEASE_DURATION_SECONDS,
// POLL_INTERVAL_SECONDS, WORKER_BATCH_SIZE).
type Worker struct {
	DatabaseURL  string
	WorkerID     string
	LeaseSeconds int
	PollInterval time.Duration
	BatchSize    int
}

// Metrics holds the metrics collector's polling interval
// (METRICS_COLLECTOR_INTERVAL in original_source/core/
// observability/collector.py).
type Metrics struct {
	CollectorInterval time.Duration
}

// Server holds the HTTP API's listen address.
type Server struct {
	Addr string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("worker_id", "")
	v.SetDefault("lease_duration_seconds", 60)
	v.SetDefault("poll_interval_seconds", 2)
	v.SetDefault("worker_batch_size", 1)
	v.SetDefault("metrics_collector_interval", 5)
	v.SetDefault("database_url", "")
	v.SetDefault("http_addr", ":8080")
	applyFileOverrides(v)
	v.AutomaticEnv()
	return v
}

// LoadWorker reads the worker's configuration from the environment.
func LoadWorker() (Worker, error) {
	v := newViper()
	dsn := v.GetString("database_url")
	if dsn == "" {
		return Worker{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	workerID := v.GetString("worker_id")
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", os.Getpid())
	}
	return Worker{
		DatabaseURL:  dsn,
		WorkerID:     workerID,
		LeaseSeconds: v.GetInt("lease_duration_seconds"),
		PollInterval: time.Duration(v.GetInt("poll_interval_seconds")) * time.Second,
		BatchSize:    v.GetInt("worker_batch_size"),
	}, nil
}

// LoadMetrics reads the metrics collector's configuration.
func LoadMetrics() Metrics {
	v := newViper()
	return Metrics{CollectorInterval: time.Duration(v.GetInt("metrics_collector_interval")) * time.Second}
}

// LoadServer reads the HTTP API's configuration.
func LoadServer() Server {
	v := newViper()
	return Server{Addr: v.GetString("http_addr")}
}

// DatabaseURL reads DATABASE_URL on its own, for subcommands (migrate)
// that need nothing else from the environment.
func DatabaseURL() (string, error) {
	v := newViper()
	dsn := v.GetString("database_url")
	if dsn == "" {
		return "", fmt.Errorf("config: DATABASE_URL is required")
	}
	return dsn, nil
}
