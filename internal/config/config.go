// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment
// variables. Field defaults are the production defaults.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Liveness (coordinator) ───────────────────────────────────────────────────
	// Interval is the reconciliation tick period; InitialDelay is the startup
	// grace window before a silent worker can be declared dead; Timeout is the
	// heartbeat silence threshold; TerminationGracePeriod is how long a
	// disconnected or shutting-down worker may stay silent before its jobs are
	// re-emitted. Enabled toggles the probe only; reconciliation and registry
	// cleanup always run.
	LivenessInterval               time.Duration `env:"LIVENESS_INTERVAL"                 envDefault:"5s"`
	LivenessInitialDelay           time.Duration `env:"LIVENESS_INITIAL_DELAY"            envDefault:"45s"`
	LivenessTimeout                time.Duration `env:"LIVENESS_TIMEOUT"                  envDefault:"45s"`
	LivenessTerminationGracePeriod time.Duration `env:"LIVENESS_TERMINATION_GRACE_PERIOD" envDefault:"5m"`
	LivenessEnabled                bool          `env:"LIVENESS_ENABLED"                  envDefault:"true"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	WorkerGroup        string        `env:"WORKER_GROUP"         envDefault:"default"`
	WorkerQueues       []string      `env:"WORKER_QUEUES"        envDefault:"default" envSeparator:","`
	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL"   envDefault:"10s"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
