// Package config loads the recognized configuration options spec.md §6
// enumerates: connection pool sizes, worker identity/concurrency/
// backpressure, the TimeoutManager's tick interval, and circuit breaker
// defaults. Values come from a YAML file with environment variable
// overrides for secrets (DSNs), the way operational Go services in the
// pack separate checked-in config from runtime secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/durableflow/breaker"
	"goa.design/durableflow/timeoutmanager"
	"goa.design/durableflow/workerpool"
)

// Config is the root configuration document.
type Config struct {
	Database       Database       `yaml:"database"`
	Pools          Pools          `yaml:"pools"`
	Worker         Worker         `yaml:"worker"`
	TimeoutManager TimeoutManager `yaml:"timeout_manager"`
	CircuitBreaker CircuitBreaker `yaml:"circuit_breaker"`
	Admin          Admin          `yaml:"admin"`
	Executor       Executor       `yaml:"executor"`
}

// Executor configures the WorkflowExecutor's replayed-action comparison.
type Executor struct {
	// ReplayIDsOnly relaxes determinism-violation detection to compare
	// only a replayed ScheduleActivity's id, skipping its type/input
	// comparison. Default false runs the stricter structural-JSON-equality
	// comparison (executor.ReplayStrict).
	ReplayIDsOnly bool `yaml:"replay_ids_only"`
}

// TimeoutManager mirrors timeoutmanager.Config with the snake_case YAML
// tags spec.md §6 names (timeoutmanager.Config itself carries no tags: it's
// a domain package, not a serialization format).
type TimeoutManager struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

func (t TimeoutManager) ToManagerConfig() timeoutmanager.Config {
	return timeoutmanager.Config{TickInterval: t.TickInterval, HeartbeatTimeout: t.HeartbeatTimeout}
}

// CircuitBreaker mirrors breaker.Config with spec.md §6's field names.
type CircuitBreaker struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	WindowSize       time.Duration `yaml:"window_size"`
}

func (c CircuitBreaker) ToBreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		ResetTimeout:     c.ResetTimeout,
		WindowSize:       c.WindowSize,
	}
}

// Database holds the Postgres connection string. DSN is never set directly
// in a checked-in YAML file; it's resolved from DURABLEFLOW_DATABASE_DSN
// (see Load) so secrets never land in version control.
type Database struct {
	DSN string `yaml:"-"`
}

// Pools configures the three separate connection pools spec.md §6 calls
// out: one for the hot task-claim path, one for the event log, and one for
// the worker registry, each sized and timed out independently.
type Pools struct {
	TaskPoolSize     int           `yaml:"task_pool_size"`
	EventPoolSize    int           `yaml:"event_pool_size"`
	RegistryPoolSize int           `yaml:"registry_pool_size"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
}

// Worker configures one workerpool.Pool process.
type Worker struct {
	WorkerID       string        `yaml:"worker_id"`
	WorkerGroup    string        `yaml:"worker_group"`
	ActivityTypes  []string      `yaml:"activity_types"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PollBackoff    time.Duration `yaml:"poll_backoff"`
	ClaimBatchSize int           `yaml:"claim_batch_size"`
	Backpressure   Backpressure  `yaml:"backpressure"`
}

// Backpressure configures workerpool's hysteresis watermarks, plus two
// optional resource-based triggers spec.md §6 names but leaves unspecified
// how to measure; MemoryThreshold/CPUThreshold are recognized and loaded
// here but left unconsumed by workerpool.Pool itself (see DESIGN.md).
type Backpressure struct {
	HighWatermark   float64  `yaml:"high_watermark"`
	LowWatermark    float64  `yaml:"low_watermark"`
	MemoryThreshold *float64 `yaml:"memory_threshold,omitempty"`
	CPUThreshold    *float64 `yaml:"cpu_threshold,omitempty"`
}

// Admin configures the admin HTTP surface's listen address. MetricsAddr,
// when non-empty, mounts promexport's /metrics handler on its own listener
// (left empty, a daemon simply doesn't expose a scrape endpoint).
type Admin struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// ToWorkerpoolConfig projects the loaded Worker section into a
// workerpool.Config, filling in the fields workerpool.Config.withDefaults
// doesn't otherwise know how to name from YAML (registry heartbeat
// interval and default activity heartbeat timeout use workerpool's own
// defaults unless overridden programmatically by the caller).
func (w Worker) ToWorkerpoolConfig() workerpool.Config {
	return workerpool.Config{
		WorkerID:            w.WorkerID,
		Group:               w.WorkerGroup,
		ActivityTypes:       w.ActivityTypes,
		MaxConcurrency:      w.MaxConcurrency,
		BaseBatchSize:       w.ClaimBatchSize,
		PollInterval:        w.PollInterval,
		EmptyPollBackoffMax: w.PollBackoff,
		HighWatermark:       w.Backpressure.HighWatermark,
		LowWatermark:        w.Backpressure.LowWatermark,
	}
}

// Load reads and parses a YAML configuration file at path, then applies
// environment variable overrides for values that must never live in a
// checked-in file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnvOverrides()
	return &cfg, nil
}

// applyEnvOverrides resolves secrets from the environment rather than the
// YAML document itself.
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DURABLEFLOW_DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if id := os.Getenv("DURABLEFLOW_WORKER_ID"); id != "" {
		c.Worker.WorkerID = id
	}
}
