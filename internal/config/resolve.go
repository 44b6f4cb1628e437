package config

import (
	"maps"
	"os"
	"strings"
	"time"

	"jobsched/internal/executor"
	"jobsched/internal/lock"
	"jobsched/internal/observability/pprof"
	"jobsched/internal/pipeline"
	"jobsched/internal/scheduler"
	"jobsched/internal/store"
)

const (
	DefaultCleanupSchedule = "@daily"
	DefaultStopTimeout     = 30 * time.Second
)

// Node returns node_id, falling back to the hostname.
func (c *Config) Node() string {
	if n := strings.TrimSpace(c.NodeID); n != "" {
		return n
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "local"
}

func (c *Config) SchedulerConfig() (scheduler.Config, error) {
	var d durations
	out := scheduler.Config{
		Tick:         d.get("scheduler.tick", c.Scheduler.Tick, 0),
		Node:         c.Node(),
		Timezone:     strings.TrimSpace(c.Scheduler.Timezone),
		LockLease:    d.get("scheduler.lock_lease", c.Scheduler.LockLease, 0),
		SkipLogEvery: d.get("scheduler.skip_log_every", c.Scheduler.SkipLogEvery, 0),
	}
	return out, d.err
}

func (c *Config) StopTimeout() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.stop_timeout", c.Scheduler.StopTimeout, DefaultStopTimeout)
	if err != nil {
		return DefaultStopTimeout
	}
	return d
}

func (c *Config) CleanupSchedule() string {
	if s := strings.TrimSpace(c.Scheduler.CleanupSchedule); s != "" {
		return s
	}
	return DefaultCleanupSchedule
}

func (c *Config) ExecutorConfig() (executor.Config, error) {
	var d durations
	out := executor.Config{
		DefaultTimeout: d.get("executor.default_timeout", c.Executor.DefaultTimeout, 0),
		RetryBaseDelay: d.get("executor.retry_base", c.Executor.RetryBase, 0),
		RetryMaxDelay:  d.get("executor.retry_max_delay", c.Executor.RetryMaxDelay, 0),
		RetryJitter:    c.Executor.RetryJitter,
	}
	return out, d.err
}

func (c *Config) CircuitConfig() (pipeline.CircuitConfig, error) {
	var d durations
	out := pipeline.CircuitConfig{
		TripFailures: c.Pipeline.CircuitTripFailures,
		BaseDelay:    d.get("pipeline.circuit_base_delay", c.Pipeline.CircuitBaseDelay, 0),
		MaxDelay:     d.get("pipeline.circuit_max_delay", c.Pipeline.CircuitMaxDelay, 0),
		ResetAfter:   d.get("pipeline.circuit_reset_after", c.Pipeline.CircuitResetAfter, 0),
	}
	return out, d.err
}

// GroupLimits returns a copy of the concurrency group table.
func (c *Config) GroupLimits() (map[string]int, int) {
	return maps.Clone(c.Pipeline.ConcurrencyGroups), c.Pipeline.DefaultGroupLimit
}

// StoreConfig returns the storage section; nil means the in-memory store.
func (c *Config) StoreConfig() (store.Config, error) {
	if c.Storage == nil {
		return store.Config{Driver: "memory"}, nil
	}
	var d durations
	out := store.Config{
		Driver:      strings.TrimSpace(c.Storage.Driver),
		Path:        strings.TrimSpace(c.Storage.Path),
		BusyTimeout: d.get("storage.busy_timeout", c.Storage.BusyTimeout, 0),
	}
	return out, d.err
}

// LockConfig returns the lock section; nil means no locking.
func (c *Config) LockConfig() (lock.Config, error) {
	if c.Lock == nil {
		return lock.Config{Driver: "none"}, nil
	}
	var d durations
	out := lock.Config{
		Driver:      strings.TrimSpace(c.Lock.Driver),
		Endpoints:   append([]string(nil), c.Lock.Endpoints...),
		DialTimeout: d.get("lock.dial_timeout", c.Lock.DialTimeout, 0),
		Prefix:      strings.TrimSpace(c.Lock.Prefix),
	}
	return out, d.err
}

// PprofConfig returns the debug server section; nil means disabled.
func (c *Config) PprofConfig() pprof.Config {
	if c.Pprof == nil {
		return pprof.Config{}
	}
	return pprof.Config{
		Enabled:       c.Pprof.Enabled,
		Addr:          strings.TrimSpace(c.Pprof.Addr),
		Prefix:        strings.TrimSpace(c.Pprof.Prefix),
		Token:         strings.TrimSpace(c.Pprof.Token),
		AllowInsecure: c.Pprof.AllowInsecure,
	}
}
