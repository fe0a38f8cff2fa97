package buildq

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the timing knobs for the coordination core.
type Config struct {
	// BroadcastInterval is how often the status broadcaster polls the
	// store for active-job changes.
	BroadcastInterval time.Duration `env:"BUILDQ_BROADCAST_INTERVAL" envDefault:"500ms"`

	// ReaperInterval is the cadence of the liveness reaper scan.
	ReaperInterval time.Duration `env:"BUILDQ_REAPER_INTERVAL" envDefault:"60s"`

	// StaleJobTimeout is how long a processing job may go without a
	// heartbeat before the reaper requeues it. Keep this at least 5x the
	// worker heartbeat interval to tolerate transient delay.
	StaleJobTimeout time.Duration `env:"BUILDQ_STALE_JOB_TIMEOUT" envDefault:"10m"`

	// HeartbeatInterval is how often a worker refreshes heartbeat_at for
	// the job it owns.
	HeartbeatInterval time.Duration `env:"BUILDQ_HEARTBEAT_INTERVAL" envDefault:"30s"`

	// ClaimInterval is how long an idle worker waits between claim
	// attempts when the queue is empty.
	ClaimInterval time.Duration `env:"BUILDQ_CLAIM_INTERVAL" envDefault:"2s"`

	// Concurrency is the number of claiming goroutines per worker pool.
	Concurrency int `env:"BUILDQ_CONCURRENCY" envDefault:"1"`

	// Cooldown is the default minimum interval between an owner's
	// completed build and their next enqueue of the same provenance.
	Cooldown time.Duration `env:"BUILDQ_COOLDOWN" envDefault:"5m"`

	// TerminalCacheCap bounds the broadcaster's already-emitted set; when
	// exceeded, the set is trimmed to half the cap.
	TerminalCacheCap int `env:"BUILDQ_TERMINAL_CACHE_CAP" envDefault:"1000"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `env:"BUILDQ_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DefaultConfig returns a Config with the defaults the original deployment
// runs with.
func DefaultConfig() Config {
	return Config{
		BroadcastInterval: 500 * time.Millisecond,
		ReaperInterval:    60 * time.Second,
		StaleJobTimeout:   10 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		ClaimInterval:     2 * time.Second,
		Concurrency:       1,
		Cooldown:          5 * time.Minute,
		TerminalCacheCap:  1000,
		ShutdownTimeout:   30 * time.Second,
	}
}

// FromEnv loads a Config from BUILDQ_* environment variables, falling back
// to the defaults for anything unset.
func FromEnv() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("buildq: parse config from env: %w", err)
	}
	return cfg, nil
}
