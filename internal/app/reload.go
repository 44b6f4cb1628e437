package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/job"
	"jobsched/internal/jobs"
	logx "jobsched/pkg/logx"
)

// HistoryCleanupJob is the name of the job added when history retention is configured.
const HistoryCleanupJob = "system.history-cleanup"

// desiredJobs turns the config into job definitions, including built-ins.
func desiredJobs(cfg *config.Config) ([]job.Info, error) {
	var (
		out  []job.Info
		errs []error
		seen = map[string]bool{}
	)
	for _, jc := range cfg.Jobs {
		info, err := jc.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		seen[info.Name] = true
		out = append(out, info)
	}
	if days := cfg.Scheduler.HistoryRetentionDays; days > 0 && !seen[HistoryCleanupJob] {
		info, err := config.JobConfig{
			Name:     HistoryCleanupJob,
			Type:     jobs.TypeHistoryCleanup,
			Schedule: cfg.CleanupSchedule(),
			Params:   map[string]string{"retention_days": strconv.Itoa(days)},
		}.Info()
		if err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, info)
		}
	}
	return out, errors.Join(errs...)
}

// syncJobs registers new and changed jobs and unregisters config-managed jobs
// that are gone. Unchanged jobs are not touched, so their trigger state
// survives reloads. Jobs registered through the API are left alone. A job
// that fails to register keeps its previous definition.
func (a *App) syncJobs(cfg *config.Config) error {
	infos, err := desiredJobs(cfg)
	errs := []error{err}

	current := map[string]job.Info{}
	for _, info := range a.sched.GetAllJobs() {
		current[info.Name] = info
	}
	next := make(map[string]bool, len(infos))
	for _, info := range infos {
		if prev, ok := current[info.Name]; ok && a.managed[info.Name] && prev.Equal(info) {
			next[info.Name] = true
			continue
		}
		if rerr := a.sched.RegisterJob(info); rerr != nil {
			errs = append(errs, rerr)
			if a.managed[info.Name] {
				next[info.Name] = true
			}
			continue
		}
		next[info.Name] = true
	}
	for name := range a.managed {
		if next[name] {
			continue
		}
		if a.sched.UnregisterJob(name) {
			a.stats.Forget(name)
			a.log.Info("job removed", logx.Job(name))
		}
	}
	a.managed = next
	return errors.Join(errs...)
}

// startReload applies published configs: logging and jobs live, everything
// else is reported as needing a restart.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	last := a.cfgm.Get()
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, cfg)
				last = cfg
			}
		}
	})
}

func (a *App) applyConfig(prev, cfg *config.Config) {
	ch := config.Diff(prev, cfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", ch.Fields()...)

	if restart := ch.RequiresRestart(); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	a.logs.Apply(cfg.LogConfig())
	if containsSection(ch.Sections, "pprof") {
		a.restartPprof(cfg)
	}

	// History retention lives under scheduler but only affects the cleanup job.
	if err := a.syncJobs(cfg); err != nil {
		a.log.Warn("some jobs were not applied", logx.Err(err))
	}
	if len(ch.JobsAdded)+len(ch.JobsChanged)+len(ch.JobsRemoved) > 0 {
		a.log.Info("jobs reloaded",
			logx.String("added", strings.Join(ch.JobsAdded, ",")),
			logx.String("changed", strings.Join(ch.JobsChanged, ",")),
			logx.String("removed", strings.Join(ch.JobsRemoved, ",")),
		)
	}
	a.log.Info("config reloaded", ch.Fields()...)
}

// TriggerJob runs a registered job now with params merged over its defaults.
func (a *App) TriggerJob(ctx context.Context, name string, params map[string]string) (string, error) {
	id, err := a.sched.TriggerJobAsync(ctx, name, params)
	if err != nil {
		return "", fmt.Errorf("trigger %s: %w", name, err)
	}
	return id, nil
}

func containsSection(sections []string, name string) bool {
	for _, s := range sections {
		if s == name {
			return true
		}
	}
	return false
}

// restartPprof swaps the debug server for one built from cfg.
func (a *App) restartPprof(cfg *config.Config) {
	a.pprofMu.Lock()
	defer a.pprofMu.Unlock()
	ctx, cancel := context.WithTimeout(a.sup.Context(), 3*time.Second)
	defer cancel()
	if err := a.pprof.Stop(ctx); err != nil {
		a.log.Warn("pprof stop failed", logx.Err(err))
	}
	a.pprof = a.newPprof(cfg)
	if err := a.pprof.Start(a.sup.Context()); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}
}
