// Package config handles environment variable loading for the server
// address, database path, and worker settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the engine process.
type Config struct {
	// HTTP bind address for the admin surface.
	Addr string

	// SQLite database path.
	DBPath string

	// Dispatch loop period.
	DispatchInterval time.Duration

	// Cron runner period.
	SchedulerInterval time.Duration

	// Disable switch for the dispatcher and cron runner, for read-replica
	// or single-leader deployments where another instance owns dispatch.
	DisableWorkers bool

	// How long a job may stay active before the watchdog fails it.
	ActiveCeiling time.Duration
}

// Load reads configuration from environment variables, falling back to
// defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:              ":8080",
		DBPath:            "conveyor.db",
		DispatchInterval:  5 * time.Second,
		SchedulerInterval: 60 * time.Second,
		ActiveCeiling:     15 * time.Minute,
	}

	if v := os.Getenv("CONVEYOR_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("CONVEYOR_DB"); v != "" {
		cfg.DBPath = v
	}

	var err error
	if cfg.DispatchInterval, err = durationEnv("CONVEYOR_DISPATCH_INTERVAL", cfg.DispatchInterval); err != nil {
		return nil, err
	}
	if cfg.SchedulerInterval, err = durationEnv("CONVEYOR_SCHEDULER_INTERVAL", cfg.SchedulerInterval); err != nil {
		return nil, err
	}
	if cfg.ActiveCeiling, err = durationEnv("CONVEYOR_ACTIVE_CEILING", cfg.ActiveCeiling); err != nil {
		return nil, err
	}

	if v := os.Getenv("CONVEYOR_DISABLE_WORKERS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CONVEYOR_DISABLE_WORKERS: %w", err)
		}
		cfg.DisableWorkers = b
	}

	return cfg, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return d, nil
}
