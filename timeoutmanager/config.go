package timeoutmanager

import "time"

// Config configures a Manager's sweep cadence and reclaim threshold.
type Config struct {
	// TickInterval is how often the sweeper scans for timed-out and
	// stale-heartbeat tasks. Defaults to 1s (spec.md §6).
	TickInterval time.Duration

	// HeartbeatTimeout is the threshold past which a claimed task with no
	// recent heartbeat is reclaimed to pending. spec.md's
	// ActivityOptions.HeartbeatTimeout is configured per activity type,
	// but store.TaskQueueStore.ReclaimStale sweeps against a single
	// global threshold; Manager uses this value as that threshold rather
	// than reworking the store contract per task. Defaults to 30s.
	HeartbeatTimeout time.Duration

	// SweepBurst bounds how many sweep passes rate.Limiter admits in a
	// burst; only meaningful when TickInterval is very small. Defaults to 1.
	SweepBurst int
}

// withDefaults fills zero-valued fields with spec.md §6 defaults.
func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.SweepBurst <= 0 {
		c.SweepBurst = 1
	}
	return c
}
