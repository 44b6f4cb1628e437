package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jobsched/internal/job"
	"jobsched/internal/trigger"
	logx "jobsched/pkg/logx"
)

// Validate checks everything that can be checked without opening resources.
// Unknown job types are detected later, at registration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	dur("scheduler.tick", c.Scheduler.Tick)
	dur("scheduler.lock_lease", c.Scheduler.LockLease)
	dur("scheduler.skip_log_every", c.Scheduler.SkipLogEvery)
	dur("scheduler.stop_timeout", c.Scheduler.StopTimeout)
	dur("executor.default_timeout", c.Executor.DefaultTimeout)
	dur("executor.retry_base", c.Executor.RetryBase)
	dur("executor.retry_max_delay", c.Executor.RetryMaxDelay)
	dur("pipeline.circuit_base_delay", c.Pipeline.CircuitBaseDelay)
	dur("pipeline.circuit_max_delay", c.Pipeline.CircuitMaxDelay)
	dur("pipeline.circuit_reset_after", c.Pipeline.CircuitResetAfter)
	if c.Storage != nil {
		dur("storage.busy_timeout", c.Storage.BusyTimeout)
	}
	if c.Lock != nil {
		dur("lock.dial_timeout", c.Lock.DialTimeout)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "pretty", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if err := c.PprofConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pprof: %w", err))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if c.Scheduler.HistoryRetentionDays < 0 {
		errs = append(errs, errors.New("scheduler.history_retention_days must be >= 0"))
	}
	if cs := strings.TrimSpace(c.Scheduler.CleanupSchedule); cs != "" {
		if _, err := trigger.ParseSchedule(cs); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.cleanup_schedule: %w", err))
		}
	}

	seen := map[string]bool{}
	for i, jc := range c.Jobs {
		name := strings.TrimSpace(jc.Name)
		if seen[name] {
			errs = append(errs, fmt.Errorf("jobs[%d]: duplicate name %q", i, name))
			continue
		}
		seen[name] = true
		info, err := jc.Info()
		if err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d]: %w", i, err))
			continue
		}
		if err := trigger.Validate(info); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Info converts the declaration into a job definition.
func (j JobConfig) Info() (job.Info, error) {
	name := strings.TrimSpace(j.Name)
	if name == "" {
		return job.Info{}, &job.ConfigError{Field: "name", Reason: "required"}
	}
	typ := strings.TrimSpace(j.Type)
	if typ == "" {
		return job.Info{}, &job.ConfigError{Job: name, Field: "type", Reason: "required"}
	}
	spec, err := trigger.ParseSchedule(j.Schedule)
	if err != nil {
		return job.Info{}, &job.ConfigError{Job: name, Field: "schedule", Reason: fmt.Sprintf("%q", j.Schedule), Err: err}
	}
	timeout, err := ParseDurationField("jobs."+name+".timeout", j.Timeout)
	if err != nil {
		return job.Info{}, err
	}

	info := job.Info{
		Name:            name,
		Type:            typ,
		AllowConcurrent: j.AllowConcurrent,
		Enabled:         j.Enabled == nil || *j.Enabled,
		DefaultParams:   j.Params,
		Priority:        j.Priority,
		Timeout:         timeout,
		Group:           strings.TrimSpace(j.Group),
	}
	spec.Apply(&info)

	if r := j.Retry; r != nil {
		base, err := ParseDurationField("jobs."+name+".retry.base_delay", r.BaseDelay)
		if err != nil {
			return job.Info{}, err
		}
		maxD, err := ParseDurationField("jobs."+name+".retry.max_delay", r.MaxDelay)
		if err != nil {
			return job.Info{}, err
		}
		info.Retry = job.RetryPolicy{MaxAttempts: r.MaxAttempts, BaseDelay: base, Exponential: r.Exponential, MaxDelay: maxD, Jitter: r.Jitter}
	}
	return info.Clone(), nil
}

// LogConfig maps the logging section onto logx.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		Format:  c.Logging.Format,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}
