package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration (JSON, or YAML by file extension).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	// NodeID identifies this process on every instance it runs. Defaults to the hostname.
	NodeID string `json:"node_id,omitempty"`

	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor,omitempty"`
	Pipeline  PipelineConfig  `json:"pipeline,omitempty"`

	// Storage holds job instances and history. Omitted means in-memory.
	Storage *StorageConfig `json:"storage,omitempty"`
	// Lock enables cross-node exclusivity for non-concurrent jobs. Omitted means none.
	Lock *LockConfig `json:"lock,omitempty"`
	// Pprof enables the debug HTTP server. Omitted means off.
	Pprof *PprofConfig `json:"pprof,omitempty"`

	Jobs []JobConfig `json:"jobs"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format is "pretty" (default) or "json" for the console sink.
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the control loop.
//
// Defaults (when fields are omitted/zero):
//   - tick: "1s"
//   - lock_lease: "10m"
//   - skip_log_every: "1m"
//   - history_retention_days: 0 (history kept forever)
//   - cleanup_schedule: "@daily"
type SchedulerConfig struct {
	Tick     string `json:"tick,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	LockLease    string `json:"lock_lease,omitempty"`
	SkipLogEvery string `json:"skip_log_every,omitempty"`

	HistoryRetentionDays int    `json:"history_retention_days,omitempty"`
	CleanupSchedule      string `json:"cleanup_schedule,omitempty"`

	// StopTimeout bounds how long shutdown waits for running jobs. Default "30s".
	StopTimeout string `json:"stop_timeout,omitempty"`
}

// ExecutorConfig holds defaults for jobs that don't set their own.
//
// Defaults:
//   - default_timeout: "0s" (disabled)
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - retry_jitter: 0.2
type ExecutorConfig struct {
	DefaultTimeout string  `json:"default_timeout,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty"`
	RetryJitter    float64 `json:"retry_jitter,omitempty"`
}

// PipelineConfig tunes the built-in middleware.
//
// circuit_trip_failures: 0 uses the default (5), negative disables the breaker.
type PipelineConfig struct {
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`

	// ConcurrencyGroups maps a group name to the number of jobs of that group
	// allowed to run at once. Groups not listed use DefaultGroupLimit (0 = unbounded).
	ConcurrencyGroups map[string]int `json:"concurrency_groups,omitempty"`
	DefaultGroupLimit int            `json:"default_group_limit,omitempty"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/jobs.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// LockConfig selects the lock provider.
//
// Example:
//
//	"lock": { "driver": "etcd", "endpoints": ["127.0.0.1:2379"] }
type LockConfig struct {
	Driver      string   `json:"driver"`
	Endpoints   []string `json:"endpoints,omitempty"`
	DialTimeout string   `json:"dial_timeout,omitempty"`
	Prefix      string   `json:"prefix,omitempty"`
}

// PprofConfig controls the debug server (profiles and /healthz).
// A non-loopback addr requires token unless allow_insecure is set.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// JobConfig declares one job. Schedule accepts cron expressions, "@every 5m",
// "interval:45s", "delay:30s", "02:30" and "manual".
//
// Enabled is a pointer so an omitted flag can default to true.
type JobConfig struct {
	Name            string            `json:"name"`
	Type            string            `json:"type"`
	Schedule        string            `json:"schedule"`
	Enabled         *bool             `json:"enabled,omitempty"`
	AllowConcurrent bool              `json:"allow_concurrent,omitempty"`
	Priority        int               `json:"priority,omitempty"`
	Timeout         string            `json:"timeout,omitempty"`
	Group           string            `json:"group,omitempty"`
	Retry           *RetryConfig      `json:"retry,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts"`
	BaseDelay   string  `json:"base_delay,omitempty"`
	Exponential bool    `json:"exponential,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
}

// UnmarshalJSON disallows unknown fields inside job entries so a typo like
// "shedule" is caught on reload instead of silently producing a manual job.
func (j *JobConfig) UnmarshalJSON(b []byte) error {
	type plain JobConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*j = JobConfig(p)
	return nil
}
