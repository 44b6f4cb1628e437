package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/job"
)

const baseConfig = `
logging:
  level: error
scheduler:
  tick: 20ms
  history_retention_days: 30
jobs:
  - name: ping
    type: echo
    schedule: "interval:100ms"
    params:
      message: ping
  - name: on-demand
    type: echo
    schedule: manual
`

const reloadedConfig = `
logging:
  level: error
scheduler:
  tick: 20ms
jobs:
  - name: on-demand
    type: echo
    schedule: manual
  - name: stats
    type: runtime-stats
    schedule: "@every 1h"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "jobsched.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func startApp(t *testing.T, body string) (*App, string) {
	t.Helper()
	path := writeConfig(t, body)
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a, path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func jobNames(a *App) map[string]bool {
	out := map[string]bool{}
	for _, info := range a.Scheduler().GetAllJobs() {
		out[info.Name] = true
	}
	return out
}

func TestAppRunsConfiguredJobs(t *testing.T) {
	a, _ := startApp(t, baseConfig)

	names := jobNames(a)
	for _, want := range []string{"ping", "on-demand", HistoryCleanupJob} {
		if !names[want] {
			t.Fatalf("missing job %q in %v", want, names)
		}
	}

	ctx := context.Background()
	waitFor(t, "ping history", func() bool {
		hs, err := a.Store().GetHistory(ctx, "ping", 1, 10)
		return err == nil && len(hs) >= 2
	})

	id, err := a.TriggerJob(ctx, "on-demand", map[string]string{"message": "manual"})
	if err != nil {
		t.Fatalf("TriggerJob: %v", err)
	}
	waitFor(t, "manual run", func() bool {
		in, err := a.Store().GetInstance(ctx, id)
		return err == nil && in.Status == job.StatusSucceeded
	})
	in, _ := a.Store().GetInstance(ctx, id)
	if in.TriggerType != job.TriggerManual || in.Params["message"] != "manual" {
		t.Fatalf("instance=%+v", in)
	}

	if _, err := a.TriggerJob(ctx, "missing", nil); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}

func TestAppReloadSyncsJobs(t *testing.T) {
	a, path := startApp(t, baseConfig)

	if err := os.WriteFile(path, []byte(reloadedConfig), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	// The file watcher may get there first.
	if _, err := a.cfgm.Reload(context.Background()); err != nil && !errors.Is(err, config.ErrUnchanged) {
		t.Fatalf("Reload: %v", err)
	}
	waitFor(t, "job set to change", func() bool {
		n := jobNames(a)
		return n["stats"] && n["on-demand"] && !n["ping"] && !n[HistoryCleanupJob]
	})
}

func TestReloadKeepsTriggerStateOfUnchangedJobs(t *testing.T) {
	const body = `
logging:
  level: %s
scheduler:
  tick: 20ms
jobs:
  - name: once
    type: echo
    schedule: "delay:50ms"
  - name: hourly
    type: echo
    schedule: "interval:1h"
`
	a, path := startApp(t, fmt.Sprintf(body, "error"))
	ctx := context.Background()

	waitFor(t, "delay job to fire", func() bool {
		hs, err := a.Store().GetHistory(ctx, "once", 1, 10)
		return err == nil && len(hs) == 1
	})
	hourlyNext, ok := a.Scheduler().GetNextFireTime("hourly")
	if !ok {
		t.Fatalf("hourly has no next fire time")
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf(body, "warn")), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := a.cfgm.Reload(ctx); err != nil && !errors.Is(err, config.ErrUnchanged) {
		t.Fatalf("Reload: %v", err)
	}
	waitFor(t, "log level to change", func() bool { return a.logs.Config().Level == "warn" })
	time.Sleep(200 * time.Millisecond)

	if next, ok := a.Scheduler().GetNextFireTime("once"); ok {
		t.Fatalf("fired delay job re-armed for %v", next)
	}
	hs, err := a.Store().GetHistory(ctx, "once", 1, 10)
	if err != nil || len(hs) != 1 {
		t.Fatalf("once history=%d err=%v, want 1", len(hs), err)
	}
	if next, _ := a.Scheduler().GetNextFireTime("hourly"); !next.Equal(hourlyNext) {
		t.Fatalf("hourly next=%v, want %v", next, hourlyNext)
	}
}

func TestAppRejectsUnknownTypeOnReload(t *testing.T) {
	a, path := startApp(t, baseConfig)
	bad := baseConfig + `
  - name: mystery
    type: does-not-exist
    schedule: manual
`
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := a.cfgm.Reload(context.Background()); err == nil {
		t.Fatalf("expected reload to be rejected")
	}
	if jobNames(a)["mystery"] {
		t.Fatalf("rejected job was registered")
	}
}

func TestNewFailsOnInvalidConfig(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  tick: nope\njobs: []\n")
	if _, err := New(path); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDesiredJobsAddsCleanupOnlyWithRetention(t *testing.T) {
	path := writeConfig(t, baseConfig)
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	cfg := a.cfgm.Get()
	infos, err := desiredJobs(cfg)
	if err != nil {
		t.Fatalf("desiredJobs: %v", err)
	}
	var cleanup *job.Info
	for i := range infos {
		if infos[i].Name == HistoryCleanupJob {
			cleanup = &infos[i]
		}
	}
	if cleanup == nil || cleanup.DefaultParams["retention_days"] != "30" || cleanup.Trigger != job.TriggerCron {
		t.Fatalf("cleanup=%+v", cleanup)
	}

	cfg.Scheduler.HistoryRetentionDays = 0
	infos, _ = desiredJobs(cfg)
	for _, info := range infos {
		if info.Name == HistoryCleanupJob {
			t.Fatalf("cleanup job added without retention")
		}
	}
}
